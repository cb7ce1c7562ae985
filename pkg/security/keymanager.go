// Package security owns the device's TLS credentials and Uptane
// signing key, and the symmetric encryption used to protect the
// private key material at rest in the trust store.
package security

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/uptane-agent/pkg/types"
)

// SourceKind tags where a credential is read from. Both TLS
// credentials and the Uptane signing key are sourced uniformly.
type SourceKind string

const (
	SourceFile   SourceKind = "file"
	SourcePkcs11 SourceKind = "pkcs11"
)

// Source describes where one credential comes from.
type Source struct {
	Kind SourceKind
	Path string // for SourceFile

	// Pkcs11 fields, present only for SourceKind == SourcePkcs11.
	Pkcs11Module string
	Pkcs11KeyID  string
}

// KeyManager owns TLS credentials (CA, client cert, client key) and
// the Uptane signing key. Rotation replaces credentials atomically;
// nothing is notified — the next call to ClientTLSConfig,
// ServerTLSConfig, UptanePublicKey or SignUptane picks up the new
// values.
type KeyManager struct {
	tlsCert     tls.Certificate
	tlsCAPool   *x509.CertPool
	uptaneKey   ed25519.PrivateKey
	uptanePub   types.PublicKey
}

// NewKeyManager constructs an empty KeyManager; call LoadFromSources
// or GenerateUptaneKey before use.
func NewKeyManager() *KeyManager {
	return &KeyManager{}
}

// LoadFromSources reads TLS and Uptane credentials from the given
// sources uniformly, regardless of whether each is File or Pkcs11.
func (km *KeyManager) LoadFromSources(tlsCA, tlsCert, tlsKey, uptaneKey Source) error {
	caPEM, err := readSource(tlsCA)
	if err != nil {
		return fmt.Errorf("failed to read tls ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return fmt.Errorf("failed to parse tls ca pem")
	}

	certPEM, err := readSource(tlsCert)
	if err != nil {
		return fmt.Errorf("failed to read tls cert: %w", err)
	}
	keyPEM, err := readSource(tlsKey)
	if err != nil {
		return fmt.Errorf("failed to read tls key: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("failed to load tls keypair: %w", err)
	}

	uptaneRaw, err := readSource(uptaneKey)
	if err != nil {
		return fmt.Errorf("failed to read uptane key: %w", err)
	}
	if len(uptaneRaw) != ed25519.PrivateKeySize {
		return fmt.Errorf("uptane key has unexpected length %d", len(uptaneRaw))
	}
	priv := ed25519.PrivateKey(uptaneRaw)

	km.tlsCert = cert
	km.tlsCAPool = pool
	km.uptaneKey = priv
	km.uptanePub = types.PublicKey{Type: types.KeyTypeEd25519, Bytes: priv.Public().(ed25519.PublicKey)}
	return nil
}

func readSource(src Source) ([]byte, error) {
	switch src.Kind {
	case SourceFile:
		return os.ReadFile(src.Path)
	case SourcePkcs11:
		// No PKCS#11 driver is available anywhere in the reference
		// corpus this module was grounded on; see DESIGN.md.
		return nil, fmt.Errorf("pkcs11 credential source not implemented")
	default:
		return nil, fmt.Errorf("unknown credential source %q", src.Kind)
	}
}

// GenerateUptaneKey creates a fresh Ed25519 Uptane signing keypair,
// used during first provisioning.
func (km *KeyManager) GenerateUptaneKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate uptane key: %w", err)
	}
	km.uptaneKey = priv
	km.uptanePub = types.PublicKey{Type: types.KeyTypeEd25519, Bytes: pub}
	return nil
}

// ClientTLSConfig builds the mutual-TLS config used to dial a
// Secondary over IP-Uptane.
func (km *KeyManager) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{km.tlsCert},
		RootCAs:      km.tlsCAPool,
		MinVersion:   tls.VersionTLS13,
	}
}

// ServerTLSConfig builds the mutual-TLS config used to accept
// Secondary connections, requiring a client certificate verified
// against the same CA pool.
func (km *KeyManager) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{km.tlsCert},
		ClientCAs:    km.tlsCAPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}
}

// UptanePublicKey returns the device's Uptane signing public key.
func (km *KeyManager) UptanePublicKey() types.PublicKey { return km.uptanePub }

// SignUptane signs data (expected to be the canonicalized "signed"
// body of a role or manifest) with the device's Uptane key.
func (km *KeyManager) SignUptane(data []byte) (types.Signature, error) {
	if km.uptaneKey == nil {
		return types.Signature{}, fmt.Errorf("uptane key not loaded")
	}
	sig := ed25519.Sign(km.uptaneKey, data)
	return types.Signature{
		KeyId:  DeriveKeyId(km.uptanePub),
		Method: "ed25519",
		Sig:    sig,
	}, nil
}

// DeriveKeyId computes the KeyId of a public key as the hex SHA-256
// of its canonical encoding, per spec's "hex-encoded hash of
// canonicalized public key representation" definition.
func DeriveKeyId(pub types.PublicKey) types.KeyId {
	h := sha256.Sum256(append([]byte(string(pub.Type)+":"), pub.Bytes...))
	return types.KeyId(fmt.Sprintf("%x", h))
}

// VerifySignature checks a single signature against a public key,
// dispatching on key type; RSA uses RSA-PSS per spec's wire format.
func VerifySignature(pub types.PublicKey, data []byte, sig types.Signature) error {
	switch pub.Type {
	case types.KeyTypeEd25519:
		if sig.Method != "ed25519" {
			return fmt.Errorf("signature method %q does not match ed25519 key", sig.Method)
		}
		if !ed25519.Verify(ed25519.PublicKey(pub.Bytes), data, sig.Sig) {
			return fmt.Errorf("ed25519 signature verification failed")
		}
		return nil
	case types.KeyTypeRSA2048, types.KeyTypeRSA3072, types.KeyTypeRSA4096:
		if sig.Method != "rsassa-pss-sha256" {
			return fmt.Errorf("signature method %q does not match rsa key", sig.Method)
		}
		pubKey, err := x509.ParsePKCS1PublicKey(pub.Bytes)
		if err != nil {
			return fmt.Errorf("failed to parse rsa public key: %w", err)
		}
		digest := sha256.Sum256(data)
		return rsa.VerifyPSS(pubKey, crypto.SHA256, digest[:], sig.Sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	default:
		return fmt.Errorf("unsupported key type %q", pub.Type)
	}
}

// SealKey encrypts key material for storage using AES-256-GCM, keyed
// by a device-derived key.
func SealKey(clusterKey, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(clusterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// UnsealKey reverses SealKey.
func UnsealKey(clusterKey, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(clusterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, data := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, data, nil)
}
