package secondary

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/cuemby/uptane-agent/pkg/types"
)

// msgTag discriminates the IP-Uptane wire's tagged-union frames. The
// wire is not gRPC: it is a custom length-prefixed, tagged-union
// binary schema, implemented directly over net.Conn rather than
// through generated protobuf stubs.
type msgTag uint8

const (
	tagPublicKeyReq msgTag = iota + 1
	tagPublicKeyResp
	tagManifestReq
	tagManifestResp
	tagPutMetaReq
	tagPutMetaResp
	tagRootVersionReq
	tagRootVersionResp
	tagPutRootReq
	tagPutRootResp
	tagSendFirmwareReq
	tagSendFirmwareResp
)

type publicKeyReq struct{}
type publicKeyResp struct {
	Key types.PublicKey
	Err string
}

type manifestReq struct{}
type manifestResp struct {
	Manifest []byte
	Err      string
}

type putMetaReq struct {
	Pack MetaPack
}
type putMetaResp struct {
	Ok  bool
	Err string
}

type rootVersionReq struct {
	Repo types.RepositoryId
}
type rootVersionResp struct {
	Version types.Version
	Err     string
}

type putRootReq struct {
	Repo types.RepositoryId
	Raw  []byte
}
type putRootResp struct {
	Ok  bool
	Err string
}

type sendFirmwareReq struct {
	Data []byte
}
type sendFirmwareResp struct {
	Ok  bool
	Err string
}

const maxFrameSize = 64 << 20 // 64 MiB, generous enough for firmware payloads

// writeFrame writes one length-prefixed, tagged frame: a 4-byte
// big-endian length followed by a 1-byte tag and a gob-encoded body.
func writeFrame(w io.Writer, tag msgTag, body interface{}) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(tag))
	if err := gob.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("failed to encode frame body: %w", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}
	return nil
}

// readFrame reads one tagged frame, decoding its body into out.
func readFrame(r io.Reader, out interface{}) (msgTag, error) {
	tag, body, err := readRawFrame(r)
	if err != nil {
		return 0, err
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(out); err != nil {
		return 0, fmt.Errorf("failed to decode frame body: %w", err)
	}
	return tag, nil
}

// readRawFrame reads one frame's length prefix and body, splitting
// off the leading tag byte, without decoding the gob payload yet.
func readRawFrame(r io.Reader) (msgTag, []byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return 0, nil, fmt.Errorf("failed to read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n == 0 || int64(n) > maxFrameSize {
		return 0, nil, fmt.Errorf("frame size %d out of bounds", n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return 0, nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return msgTag(raw[0]), raw[1:], nil
}

func decodeBody(body []byte, out interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode frame body: %w", err)
	}
	return nil
}
