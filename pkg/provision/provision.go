// Package provision reads the device's provisioning archive and
// registers its ECUs with the Director, the one-time setup that
// bootstraps a fresh device's trust store identity. The archive's
// PKCS#12 member is kept as raw bytes and not decoded; this package
// reads the archive's plaintext members directly, since autoprov.url
// and server_ca.pem are themselves stored as plaintext members of the
// archive.
package provision

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cuemby/uptane-agent/pkg/types"
)

// Archive is the parsed contents of autoprov_credentials.p12's
// enclosing zip: the password-protected PKCS#12 blob plus its
// plaintext siblings.
type Archive struct {
	P12      []byte // password-protected; caller supplies p12_password to unlock
	URL      string
	ServerCA []byte // optional
}

const (
	p12Member      = "autoprov_credentials.p12"
	urlMember      = "autoprov.url"
	serverCAMember = "server_ca.pem"
)

// ReadArchive unwraps the provisioning zip read from r.
func ReadArchive(r io.ReaderAt, size int64) (*Archive, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open provisioning archive: %w", err)
	}

	var out Archive
	for _, f := range zr.File {
		switch f.Name {
		case p12Member:
			data, err := readZipFile(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", p12Member, err)
			}
			out.P12 = data
		case urlMember:
			data, err := readZipFile(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", urlMember, err)
			}
			out.URL = strings.TrimSpace(string(data))
		case serverCAMember:
			data, err := readZipFile(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", serverCAMember, err)
			}
			out.ServerCA = data
		}
	}
	if out.P12 == nil {
		return nil, fmt.Errorf("provisioning archive missing %s", p12Member)
	}
	if out.URL == "" {
		return nil, fmt.Errorf("provisioning archive missing %s", urlMember)
	}
	return &out, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// EcuEntry is one ECU row submitted during registration.
type EcuEntry struct {
	Serial             types.EcuSerial          `json:"serial"`
	HardwareIdentifier types.HardwareIdentifier `json:"hardware_identifier"`
	ClientKey          types.PublicKey          `json:"clientKey"`
}

type registrationRequest struct {
	PrimaryEcuSerial types.EcuSerial `json:"primary_ecu_serial"`
	Ecus             []EcuEntry      `json:"ecus"`
}

// Client registers ECUs against the Director's registration endpoint.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
}

func NewClient(baseURL string) *Client {
	h := retryablehttp.NewClient()
	h.RetryMax = 1
	h.Logger = nil
	return &Client{http: h, baseURL: baseURL}
}

// RegisterEcus submits the device's ECU inventory to
// POST /director/ecus.
func (c *Client) RegisterEcus(ctx context.Context, primary types.EcuSerial, ecus []EcuEntry) error {
	body, err := json.Marshal(registrationRequest{PrimaryEcuSerial: primary, Ecus: ecus})
	if err != nil {
		return fmt.Errorf("failed to encode registration request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/director/ecus", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ecu registration request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status %d registering ecus", resp.StatusCode)
	}
	return nil
}
