// Package types holds the plain data shapes shared across the agent:
// repositories, roles, keys, targets, and the records the trust store
// persists. There is deliberately no behavior here beyond small value
// helpers — verification, reconciliation, and storage live in their
// own packages.
package types

import "time"

// RepositoryId distinguishes the two independent Uptane repositories.
type RepositoryId string

const (
	RepoDirector RepositoryId = "director"
	RepoImage    RepositoryId = "image"
)

// Role is a TUF/Uptane signing role. Delegated roles carry a name.
type Role struct {
	Kind RoleKind
	Name string // only set when Kind == RoleDelegated
}

type RoleKind int

const (
	RoleRoot RoleKind = iota
	RoleTimestamp
	RoleSnapshot
	RoleTargets
	RoleDelegated
)

func (r RoleKind) String() string {
	switch r {
	case RoleRoot:
		return "root"
	case RoleTimestamp:
		return "timestamp"
	case RoleSnapshot:
		return "snapshot"
	case RoleTargets:
		return "targets"
	case RoleDelegated:
		return "delegated"
	default:
		return "unknown"
	}
}

func (r Role) String() string {
	if r.Kind == RoleDelegated {
		return r.Name
	}
	return r.Kind.String()
}

// Version is a monotonically increasing role version. Zero means
// "no version stored yet".
type Version uint64

// TimeStamp is a UTC instant with second precision. A zero TimeStamp
// is the invalid sentinel: it compares false against every value,
// including itself, per spec's total-order-with-invalid-sentinel rule.
type TimeStamp struct {
	t     time.Time
	valid bool
}

// ParseTimeStamp parses an RFC3339 string. An error yields the
// invalid sentinel.
func ParseTimeStamp(s string) (TimeStamp, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return TimeStamp{}, err
	}
	return TimeStamp{t: t.UTC(), valid: true}, nil
}

func NewTimeStamp(t time.Time) TimeStamp { return TimeStamp{t: t.UTC(), valid: true} }

func (ts TimeStamp) Valid() bool { return ts.valid }

func (ts TimeStamp) Time() time.Time { return ts.t }

func (ts TimeStamp) String() string {
	if !ts.valid {
		return ""
	}
	return ts.t.Format(time.RFC3339)
}

// Before reports whether ts occurs strictly before other. Invalid
// timestamps compare false to everything, including each other.
func (ts TimeStamp) Before(other TimeStamp) bool {
	if !ts.valid || !other.valid {
		return false
	}
	return ts.t.Before(other.t)
}

// After reports whether ts occurs strictly after other, now, with the
// same invalid-sentinel rule as Before.
func (ts TimeStamp) After(now time.Time) bool {
	if !ts.valid {
		return false
	}
	return ts.t.After(now)
}

// KeyType enumerates the supported public key algorithms.
type KeyType string

const (
	KeyTypeRSA2048 KeyType = "rsa2048"
	KeyTypeRSA3072 KeyType = "rsa3072"
	KeyTypeRSA4096 KeyType = "rsa4096"
	KeyTypeEd25519 KeyType = "ed25519"
)

// KeyId is the hex-encoded hash of a canonicalized public key.
type KeyId string

// PublicKey is a typed, opaque public key value.
type PublicKey struct {
	Type  KeyType
	Bytes []byte // canonical encoding for the given Type
}

// HashAlgorithm enumerates the supported content hash algorithms.
type HashAlgorithm string

const (
	HashSHA256 HashAlgorithm = "sha256"
	HashSHA512 HashAlgorithm = "sha512"
)

// Hash is a lowercase-hex digest under a named algorithm.
type Hash struct {
	Algorithm HashAlgorithm
	Hex       string
}

// EcuSerial uniquely identifies one ECU within the device.
type EcuSerial string

// HardwareIdentifier describes an ECU's hardware class.
type HardwareIdentifier string

// RoleKeys is the threshold and key set required to sign one role.
type RoleKeys struct {
	Threshold int
	KeyIds    map[KeyId]struct{}
}

// RoleMetadata is a parsed, verified role file as stored after
// acceptance. Body holds the role-specific decoded fields; for Root it
// additionally carries the full key-and-role registry used to
// validate other roles and future Roots.
type RoleMetadata struct {
	Repo       RepositoryId
	Role       Role
	Version    Version
	Expires    TimeStamp
	SignedJSON []byte // canonicalized "signed" body, as verified
	Signatures []Signature
	Body       RoleBody
}

type Signature struct {
	KeyId  KeyId
	Method string // "rsassa-pss-sha256" or "ed25519"
	Sig    []byte
}

// RoleBody is a sum type over the four role-specific payload shapes.
// Exactly one field is populated, selected by the owning RoleMetadata.Role.Kind.
type RoleBody struct {
	Root      *RootBody
	Timestamp *TimestampBody
	Snapshot  *SnapshotBody
	Targets   *TargetsBody
}

type RootBody struct {
	Keys  map[KeyId]PublicKey
	Roles map[RoleKind]RoleKeys
}

type TimestampBody struct {
	SnapshotVersion Version
	SnapshotHash    Hash
}

type SnapshotBody struct {
	// TargetsVersions maps a (possibly delegated) role name to the
	// version Snapshot asserts for it. The non-delegated Targets role
	// is keyed by "targets".
	TargetsVersions map[string]Version
}

type TargetsBody struct {
	Targets     []Target
	Delegations []Delegation
}

// Delegation names a delegated Targets role and the keys that sign it.
type Delegation struct {
	Name      string
	Keys      map[KeyId]PublicKey
	RoleKeys  RoleKeys
	Paths     []string // glob patterns the delegation is trusted for
	Terminate bool
}

// UpdateType distinguishes an OSTree-ref target from a plain binary
// blob; the package manager factory picks an install strategy from it.
type UpdateType string

const (
	UpdateTypeBinary UpdateType = "binary"
	UpdateTypeOSTree UpdateType = "ostree"
)

// Target is a named, hashed, sized artifact assigned to one or more ECUs.
type Target struct {
	Filename string
	Length   int64
	Hashes   []Hash
	Custom   TargetCustom
}

// TargetCustom carries the Uptane-specific custom fields of a target.
type TargetCustom struct {
	// EcuIdentifiers maps an assigned ECU to the hardware class the
	// Director asserts it has.
	EcuIdentifiers map[EcuSerial]HardwareIdentifier
	URI            string
	UpdateType     UpdateType
}

// Match reports whether two targets refer to the same artifact: equal
// filenames, at least one hash algorithm present in both, and
// agreement on every such shared algorithm.
func (t Target) Match(other Target) bool {
	if t.Filename != other.Filename {
		return false
	}
	mine := make(map[HashAlgorithm]string, len(t.Hashes))
	for _, h := range t.Hashes {
		mine[h.Algorithm] = h.Hex
	}
	shared := 0
	for _, h := range other.Hashes {
		if hex, ok := mine[h.Algorithm]; ok {
			shared++
			if hex != h.Hex {
				return false
			}
		}
	}
	return shared > 0
}

// InstallMode distinguishes the currently-running version from one
// awaiting a completion step (e.g. reboot).
type InstallMode string

const (
	InstallModeCurrent InstallMode = "current"
	InstallModePending InstallMode = "pending"
)

// InstalledVersion records, for one ECU, which Target is installed and
// in what mode.
type InstalledVersion struct {
	Target Target
	Ecu    EcuSerial
	Mode   InstallMode
}

// ResultCode is the outcome of a package manager install call.
type ResultCode int

const (
	ResultOk ResultCode = iota
	ResultAlreadyProcessed
	ResultVerificationFailed
	ResultInstallFailed
	ResultNeedCompletion
	ResultDownloadFailed
	ResultGeneralError
)

// InstallationResult carries a package-manager outcome plus enough
// detail for a Manifest to report it meaningfully.
type InstallationResult struct {
	Code        ResultCode
	Description string
}

// IsSuccess reports whether this result represents a completed (or
// completing) install, as opposed to an outright failure.
func (r InstallationResult) IsSuccess() bool {
	switch r.Code {
	case ResultOk, ResultAlreadyProcessed, ResultNeedCompletion:
		return true
	default:
		return false
	}
}

// IsFatal reports whether this result should be treated as
// unrecoverable for the current cycle (as opposed to retryable).
func (r InstallationResult) IsFatal() bool {
	switch r.Code {
	case ResultVerificationFailed, ResultInstallFailed, ResultGeneralError:
		return true
	default:
		return false
	}
}

// ProvisioningMode selects how the device obtains its initial identity.
type ProvisioningMode string

const (
	ProvisioningSharedCred ProvisioningMode = "shared-cred"
	ProvisioningDeviceCred ProvisioningMode = "device-cred"
)

// Campaign describes an optional update campaign offered by the backend.
type Campaign struct {
	ID                      string `json:"id"`
	Name                    string `json:"name"`
	Size                    int64  `json:"size"`
	AutoAccept              bool   `json:"autoAccept"`
	Description             string `json:"description"`
	EstPreparationDuration  int    `json:"estPreparationDuration"`
	EstInstallationDuration int    `json:"estInstallationDuration"`
}

// EcuManifestEntry is one ECU's contribution to a device Manifest.
type EcuManifestEntry struct {
	Ecu          EcuSerial
	Installed    Target
	LastResult   InstallationResult
	AttacksSeen  []string
	ReportedTime TimeStamp
}

// Manifest is the signed document enumerating, per ECU, the currently
// installed Target plus the latest install result.
type Manifest struct {
	PrimarySerial EcuSerial
	Entries       []EcuManifestEntry
	SignedJSON    []byte
	Signatures    []Signature
}
