package secondary

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/uptane-agent/pkg/types"
)

// IPUptane is an off-box Secondary reached over a mutually
// authenticated TLS connection carrying the tagged-union frames
// defined in wire.go. One RPC is in flight at a time per connection;
// the Orchestrator is expected to serialize calls to a given
// Secondary so firmware sends never overlap.
type IPUptane struct {
	addr      string
	tlsConfig *tls.Config

	mu   sync.Mutex
	conn net.Conn
}

func NewIPUptane(addr string, tlsConfig *tls.Config) *IPUptane {
	return &IPUptane{addr: addr, tlsConfig: tlsConfig}
}

func (s *IPUptane) dial(ctx context.Context) (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	d := tls.Dialer{Config: s.tlsConfig}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial secondary %s: %w", s.addr, err)
	}
	s.conn = conn
	return conn, nil
}

func (s *IPUptane) call(ctx context.Context, reqTag msgTag, req interface{}, respTag msgTag, resp interface{}) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := writeFrame(conn, reqTag, req); err != nil {
		s.reset()
		return err
	}
	gotTag, err := readFrame(conn, resp)
	if err != nil {
		s.reset()
		return err
	}
	if gotTag != respTag {
		s.reset()
		return fmt.Errorf("unexpected response tag %d, wanted %d", gotTag, respTag)
	}
	return nil
}

func (s *IPUptane) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *IPUptane) GetSerial() (types.EcuSerial, error) {
	return "", errors.New("serial is discovered out-of-band, not over the wire")
}

func (s *IPUptane) GetHardwareId() (types.HardwareIdentifier, error) {
	return "", errors.New("hardware id is discovered out-of-band, not over the wire")
}

func (s *IPUptane) GetPublicKey() (types.PublicKey, error) {
	var resp publicKeyResp
	if err := s.call(context.Background(), tagPublicKeyReq, publicKeyReq{}, tagPublicKeyResp, &resp); err != nil {
		return types.PublicKey{}, err
	}
	if resp.Err != "" {
		return types.PublicKey{}, errors.New(resp.Err)
	}
	return resp.Key, nil
}

func (s *IPUptane) PutMetadata(ctx context.Context, pack MetaPack) (bool, error) {
	var resp putMetaResp
	if err := s.call(ctx, tagPutMetaReq, putMetaReq{Pack: pack}, tagPutMetaResp, &resp); err != nil {
		return false, err
	}
	if resp.Err != "" {
		return false, errors.New(resp.Err)
	}
	return resp.Ok, nil
}

func (s *IPUptane) SendFirmware(ctx context.Context, data []byte) (bool, error) {
	var resp sendFirmwareResp
	if err := s.call(ctx, tagSendFirmwareReq, sendFirmwareReq{Data: data}, tagSendFirmwareResp, &resp); err != nil {
		return false, err
	}
	if resp.Err != "" {
		return false, errors.New(resp.Err)
	}
	return resp.Ok, nil
}

func (s *IPUptane) GetManifest(ctx context.Context) ([]byte, error) {
	var resp manifestResp
	if err := s.call(ctx, tagManifestReq, manifestReq{}, tagManifestResp, &resp); err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, errors.New(resp.Err)
	}
	return resp.Manifest, nil
}

func (s *IPUptane) PutRoot(ctx context.Context, repo types.RepositoryId, raw []byte) (bool, error) {
	var resp putRootResp
	if err := s.call(ctx, tagPutRootReq, putRootReq{Repo: repo, Raw: raw}, tagPutRootResp, &resp); err != nil {
		return false, err
	}
	if resp.Err != "" {
		return false, errors.New(resp.Err)
	}
	return resp.Ok, nil
}

func (s *IPUptane) GetRootVersion(ctx context.Context, repo types.RepositoryId) (types.Version, error) {
	var resp rootVersionResp
	if err := s.call(ctx, tagRootVersionReq, rootVersionReq{Repo: repo}, tagRootVersionResp, &resp); err != nil {
		return 0, err
	}
	if resp.Err != "" {
		return 0, errors.New(resp.Err)
	}
	return resp.Version, nil
}

// Handler implements the Secondary side of the IP-Uptane wire: the
// uptane-secondaryd process accepts connections and dispatches each
// frame to a local Secondary (PacmanBacked, in uptane-secondaryd).
type Handler struct {
	Backend Secondary
}

// Serve handles frames on one accepted connection until it closes or
// an unrecoverable framing error occurs.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		if err := h.serveOne(ctx, conn); err != nil {
			return
		}
	}
}

func (h *Handler) serveOne(ctx context.Context, conn net.Conn) error {
	tag, body, err := readRawFrame(conn)
	if err != nil {
		return err
	}

	switch tag {
	case tagPublicKeyReq:
		var req publicKeyReq
		if err := decodeBody(body, &req); err != nil {
			return err
		}
		key, err := h.Backend.GetPublicKey()
		resp := publicKeyResp{Key: key}
		if err != nil {
			resp.Err = err.Error()
		}
		return writeFrame(conn, tagPublicKeyResp, resp)

	case tagManifestReq:
		var req manifestReq
		if err := decodeBody(body, &req); err != nil {
			return err
		}
		m, err := h.Backend.GetManifest(ctx)
		resp := manifestResp{Manifest: m}
		if err != nil {
			resp.Err = err.Error()
		}
		return writeFrame(conn, tagManifestResp, resp)

	case tagPutMetaReq:
		var req putMetaReq
		if err := decodeBody(body, &req); err != nil {
			return err
		}
		ok, err := h.Backend.PutMetadata(ctx, req.Pack)
		resp := putMetaResp{Ok: ok}
		if err != nil {
			resp.Err = err.Error()
		}
		return writeFrame(conn, tagPutMetaResp, resp)

	case tagSendFirmwareReq:
		var req sendFirmwareReq
		if err := decodeBody(body, &req); err != nil {
			return err
		}
		ok, err := h.Backend.SendFirmware(ctx, req.Data)
		resp := sendFirmwareResp{Ok: ok}
		if err != nil {
			resp.Err = err.Error()
		}
		return writeFrame(conn, tagSendFirmwareResp, resp)

	case tagPutRootReq:
		var req putRootReq
		if err := decodeBody(body, &req); err != nil {
			return err
		}
		ok, err := h.Backend.PutRoot(ctx, req.Repo, req.Raw)
		resp := putRootResp{Ok: ok}
		if err != nil {
			resp.Err = err.Error()
		}
		return writeFrame(conn, tagPutRootResp, resp)

	case tagRootVersionReq:
		var req rootVersionReq
		if err := decodeBody(body, &req); err != nil {
			return err
		}
		v, err := h.Backend.GetRootVersion(ctx, req.Repo)
		resp := rootVersionResp{Version: v}
		if err != nil {
			resp.Err = err.Error()
		}
		return writeFrame(conn, tagRootVersionResp, resp)

	default:
		return fmt.Errorf("unknown request tag %d", tag)
	}
}
