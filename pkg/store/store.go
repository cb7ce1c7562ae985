// Package store implements the persistent trust store: versioned role
// metadata, the ECU registry, installed-version history, provisioning
// credentials, and a content-addressed target blob store.
package store

import "github.com/cuemby/uptane-agent/pkg/types"

// Store is the trust store contract. Every mutation is a single
// transaction; a crash at any point leaves the database readable and
// consistent.
type Store interface {
	// Role metadata.
	PutMeta(repo types.RepositoryId, role types.Role, version types.Version, raw []byte) error
	GetMeta(repo types.RepositoryId, role types.Role) (version types.Version, raw []byte, err error)
	// ClearNonRootMeta drops every stored role except Root for repo,
	// called on Root rotation per the invariant that a Root change
	// invalidates everything downstream of it.
	ClearNonRootMeta(repo types.RepositoryId) error

	// ECU registry, populated at registration, read-only afterward.
	PutECU(serial types.EcuSerial, hwid types.HardwareIdentifier, isPrimary bool) error
	GetECU(serial types.EcuSerial) (hwid types.HardwareIdentifier, isPrimary bool, found bool, err error)
	ListECUs() ([]EcuRecord, error)

	// Installed versions; at most one Current per serial.
	PutInstalledVersion(types.InstalledVersion) error
	GetCurrentInstalledVersion(serial types.EcuSerial) (types.InstalledVersion, bool, error)
	ListInstalledVersions(serial types.EcuSerial) ([]types.InstalledVersion, error)

	// Keys derived from the accepted Root, cached for cheap reads.
	PutKeys(role types.Role, keys map[types.KeyId]types.PublicKey) error
	GetKeys(role types.Role) (map[types.KeyId]types.PublicKey, error)

	// Provisioning credentials.
	PutProvisioning(ProvisioningRecord) error
	GetProvisioning() (ProvisioningRecord, bool, error)

	// Content-addressed target blobs.
	PutTargetFile(hash types.Hash, length int64, path string) error
	GetTargetFile(hash types.Hash) (TargetFileRecord, bool, error)

	Close() error
}

// EcuRecord is one row of the ecu table.
type EcuRecord struct {
	Serial    types.EcuSerial
	HWID      types.HardwareIdentifier
	IsPrimary bool
}

// ProvisioningRecord holds the device's TLS and Uptane signing
// credentials, encrypted at rest by pkg/security.
type ProvisioningRecord struct {
	TLSCA        []byte
	TLSCert      []byte
	TLSKeyEnc    []byte
	UptanePublic types.PublicKey
	UptaneKeyEnc []byte
}

// TargetFileRecord is one row of the target_file table: metadata about
// a blob whose bytes live at Path on disk.
type TargetFileRecord struct {
	Hash   types.Hash
	Length int64
	Path   string
}
