package secondary

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/uptane-agent/pkg/types"
)

// discoveryRequest is the small schema broadcast to find IP-Uptane
// Secondaries: {local_port}, so replies know where to dial back.
type discoveryRequest struct {
	LocalPort int `json:"local_port"`
}

// Discovered is one Secondary's reply to a broadcast discovery
// request.
type Discovered struct {
	EcuSerial  types.EcuSerial          `json:"ecu_serial"`
	HardwareId types.HardwareIdentifier `json:"hardware_id"`
	Port       int                      `json:"port"`
	Addr       string                   `json:"-"`
}

// Discover broadcasts a discovery request to broadcastAddr (e.g.
// "255.255.255.255:30000") and aggregates replies until timeout
// expires.
func Discover(broadcastAddr string, localPort int, timeout time.Duration) ([]Discovered, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to open discovery socket: %w", err)
	}
	defer conn.Close()

	raddr, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve broadcast address: %w", err)
	}

	req, err := json.Marshal(discoveryRequest{LocalPort: localPort})
	if err != nil {
		return nil, fmt.Errorf("failed to encode discovery request: %w", err)
	}
	if _, err := conn.WriteTo(req, raddr); err != nil {
		return nil, fmt.Errorf("failed to send discovery broadcast: %w", err)
	}

	deadline := time.Now().Add(timeout)
	_ = conn.SetReadDeadline(deadline)

	var found []Discovered
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			break // timeout or socket closed; return what we have
		}
		var d Discovered
		if err := json.Unmarshal(buf[:n], &d); err != nil {
			continue
		}
		d.Addr = addr.String()
		found = append(found, d)
	}
	return found, nil
}

// DiscoveryResponder listens for broadcast discovery requests and
// answers with this Secondary's identity, the server side of Discover.
type DiscoveryResponder struct {
	serial types.EcuSerial
	hwid   types.HardwareIdentifier
	port   int
}

func NewDiscoveryResponder(serial types.EcuSerial, hwid types.HardwareIdentifier, port int) *DiscoveryResponder {
	return &DiscoveryResponder{serial: serial, hwid: hwid, port: port}
}

// Serve listens on listenAddr and answers requests until a read on the
// socket fails; the socket is opened and closed inside Serve and is
// not exposed to the caller.
func (r *DiscoveryResponder) Serve(listenAddr string) error {
	conn, err := net.ListenPacket("udp4", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for discovery: %w", err)
	}
	defer conn.Close()

	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return err
		}
		var req discoveryRequest
		if err := json.Unmarshal(buf[:n], &req); err != nil {
			continue
		}
		resp, err := json.Marshal(Discovered{EcuSerial: r.serial, HardwareId: r.hwid, Port: r.port})
		if err != nil {
			continue
		}
		_, _ = conn.WriteTo(resp, addr)
	}
}
