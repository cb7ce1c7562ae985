package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// DeviceCA is the device-local certificate authority used to issue
// short-lived leaf certificates to Secondary ECUs for IP-Uptane mutual
// TLS. It is not the backend's provisioning CA — it exists purely so
// that a fleet of Secondaries on the vehicle network can authenticate
// to the Primary and vice versa.
//
// Self-signed root generation, per-identity leaf issuance, an
// in-memory cert cache. Validity periods are short: Secondary leaf
// certs are reissued every provisioning cycle, since ECUs are not
// long-lived members of the fleet.
type DeviceCA struct {
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey

	mu    sync.RWMutex
	cache map[string]*tls.Certificate
}

const (
	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 30 * 24 * time.Hour
	rootKeyBits  = 4096
	leafKeyBits  = 2048
)

func NewDeviceCA() *DeviceCA {
	return &DeviceCA{cache: make(map[string]*tls.Certificate)}
}

// Initialize generates a new self-signed root, used on first
// provisioning (subsequent runs call LoadRoot instead).
func (ca *DeviceCA) Initialize(commonName string) error {
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return fmt.Errorf("failed to generate root key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"uptane-agent"}, CommonName: commonName},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}
	ca.rootCert = cert
	ca.rootKey = key
	return nil
}

// LoadRoot installs a previously generated root (DER-encoded cert and
// PKCS1 key), as read back from the trust store's provisioning record.
func (ca *DeviceCA) LoadRoot(certDER []byte, keyDER []byte) error {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyDER)
	if err != nil {
		return fmt.Errorf("failed to parse root key: %w", err)
	}
	ca.rootCert = cert
	ca.rootKey = key
	return nil
}

// RootDER returns the root certificate and key in DER form, for
// persisting in the trust store's provisioning record.
func (ca *DeviceCA) RootDER() (certDER, keyDER []byte) {
	return ca.rootCert.Raw, x509.MarshalPKCS1PrivateKey(ca.rootKey)
}

// IssueLeaf issues a client+server certificate for one ECU serial,
// used as both ends of the IP-Uptane mutual-TLS connection.
func (ca *DeviceCA) IssueLeaf(id string, ipAddresses []net.IP) (*tls.Certificate, error) {
	if ca.rootCert == nil {
		return nil, fmt.Errorf("device ca not initialized")
	}
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"uptane-agent"}, CommonName: id},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IPAddresses:  ipAddresses,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create leaf certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse leaf certificate: %w", err)
	}
	tlsCert := &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}

	ca.mu.Lock()
	ca.cache[id] = tlsCert
	ca.mu.Unlock()

	return tlsCert, nil
}

// CachedLeaf returns a previously issued leaf certificate, if any.
func (ca *DeviceCA) CachedLeaf(id string) (*tls.Certificate, bool) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	cert, ok := ca.cache[id]
	return cert, ok
}

// CertPool returns an x509.CertPool containing just the device root,
// for verifying peers during IP-Uptane mutual TLS.
func (ca *DeviceCA) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.rootCert)
	return pool
}
