package uptane

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cuemby/uptane-agent/pkg/types"
)

// envelope is the outer `{signed, signatures}` wrapper common to every
// role file on the wire. Signed is kept as raw bytes: a role's
// signatures are computed over exactly the bytes the signer
// serialized, not a re-derived canonical form, so verification must
// hash this slice as received rather than re-marshal it.
type envelope struct {
	Signed     json.RawMessage `json:"signed"`
	Signatures []wireSignature `json:"signatures"`
}

type wireSignature struct {
	KeyId  string `json:"keyid"`
	Method string `json:"method"`
	Sig    string `json:"sig"` // hex
}

// signedHeader is the subset of fields every role body shares, enough
// to dispatch parsing without knowing the full shape up front.
type signedHeader struct {
	Type    string `json:"_type"`
	Version uint64 `json:"version"`
	Expires string `json:"expires"`
}

type wireKey struct {
	KeyType string `json:"keytype"`
	KeyVal  struct {
		Public string `json:"public"` // hex
	} `json:"keyval"`
}

type wireRoleKeys struct {
	Threshold int      `json:"threshold"`
	KeyIds    []string `json:"keyids"`
}

type wireRootBody struct {
	signedHeader
	Keys  map[string]wireKey      `json:"keys"`
	Roles map[string]wireRoleKeys `json:"roles"`
}

type wireMetaEntry struct {
	Version uint64            `json:"version"`
	Hashes  map[string]string `json:"hashes,omitempty"`
}

type wireTimestampBody struct {
	signedHeader
	Meta map[string]wireMetaEntry `json:"meta"`
}

type wireSnapshotBody struct {
	signedHeader
	Meta map[string]wireMetaEntry `json:"meta"`
}

type wireTargetCustom struct {
	EcuIdentifiers map[string]string `json:"ecuIdentifiers,omitempty"`
	URI            string            `json:"uri,omitempty"`
	UpdateType     string            `json:"updateType,omitempty"`
}

type wireTargetEntry struct {
	Length int64             `json:"length"`
	Hashes map[string]string `json:"hashes"`
	Custom *wireTargetCustom `json:"custom,omitempty"`
}

type wireDelegatedRole struct {
	Name        string   `json:"name"`
	KeyIds      []string `json:"keyids"`
	Threshold   int      `json:"threshold"`
	Paths       []string `json:"paths,omitempty"`
	Terminating bool     `json:"terminating,omitempty"`
}

type wireDelegations struct {
	Keys  map[string]wireKey  `json:"keys"`
	Roles []wireDelegatedRole `json:"roles"`
}

type wireTargetsBody struct {
	signedHeader
	Targets     map[string]wireTargetEntry `json:"targets"`
	Delegations *wireDelegations           `json:"delegations,omitempty"`
}

func parseEnvelope(raw []byte) (envelope, signedHeader, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, signedHeader{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	var hdr signedHeader
	if err := json.Unmarshal(env.Signed, &hdr); err != nil {
		return envelope{}, signedHeader{}, fmt.Errorf("failed to unmarshal signed header: %w", err)
	}
	return env, hdr, nil
}

func decodeWireKey(id string, k wireKey) (types.KeyId, types.PublicKey, error) {
	bytes, err := hex.DecodeString(k.KeyVal.Public)
	if err != nil {
		return "", types.PublicKey{}, fmt.Errorf("failed to decode key %q: %w", id, err)
	}
	var kt types.KeyType
	switch k.KeyType {
	case "rsa2048":
		kt = types.KeyTypeRSA2048
	case "rsa3072":
		kt = types.KeyTypeRSA3072
	case "rsa4096":
		kt = types.KeyTypeRSA4096
	case "ed25519":
		kt = types.KeyTypeEd25519
	default:
		return "", types.PublicKey{}, fmt.Errorf("unsupported key type %q", k.KeyType)
	}
	return types.KeyId(id), types.PublicKey{Type: kt, Bytes: bytes}, nil
}

func decodeRoleKind(name string) (types.RoleKind, bool) {
	switch name {
	case "root":
		return types.RoleRoot, true
	case "timestamp":
		return types.RoleTimestamp, true
	case "snapshot":
		return types.RoleSnapshot, true
	case "targets":
		return types.RoleTargets, true
	default:
		return types.RoleDelegated, true
	}
}

func decodeHash(alg, hexDigest string) (types.Hash, error) {
	var a types.HashAlgorithm
	switch alg {
	case "sha256":
		a = types.HashSHA256
	case "sha512":
		a = types.HashSHA512
	default:
		return types.Hash{}, fmt.Errorf("unsupported hash algorithm %q", alg)
	}
	return types.Hash{Algorithm: a, Hex: hexDigest}, nil
}

func decodeHashes(m map[string]string) ([]types.Hash, error) {
	out := make([]types.Hash, 0, len(m))
	for alg, digest := range m {
		h, err := decodeHash(alg, digest)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
