// Package uptane implements the metadata verifier: role parsing,
// threshold signature verification, version monotonicity and
// expiration checks, Root rotation, and delegated Targets recursion.
// It is purely functional over the trust store — no network I/O lives
// here, only the §4.2 decision logic.
package uptane

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/uptane-agent/pkg/security"
	"github.com/cuemby/uptane-agent/pkg/store"
	"github.com/cuemby/uptane-agent/pkg/types"
	"github.com/cuemby/uptane-agent/pkg/uperrors"
)

const (
	// kMaxRotations caps how many consecutive Root versions one
	// update cycle will walk, mirroring aktualizr's bound of the same
	// purpose (avoids an unbounded loop against a hostile director).
	kMaxRotations = 1000

	// kMaxDelegationDepth matches aktualizr's kDelegationsMaxDepth.
	kMaxDelegationDepth = 5

	KMaxRootSize      = 1 << 20 // 1 MiB
	KMaxTimestampSize = 4 << 10
	KMaxSnapshotSize  = 1 << 20
	KMaxTargetsSize   = 1 << 20
)

// Verifier runs the §4.2 decision logic against a trust store.
type Verifier struct {
	store store.Store
	now   func() time.Time
}

func NewVerifier(s store.Store) *Verifier {
	return &Verifier{store: s, now: time.Now}
}

// InitRoot installs the embedded initial Root if the store has none
// yet for repo. raw must self-verify: its own threshold of Root-role
// keys, as declared inside the same blob, must be met.
func (v *Verifier) InitRoot(repo types.RepositoryId, raw []byte) error {
	version, existing, err := v.store.GetMeta(repo, types.Role{Kind: types.RoleRoot})
	if err != nil {
		return uperrors.Wrap(uperrors.StorageError, err, "failed to read stored root")
	}
	if version > 0 && existing != nil {
		return nil // already bootstrapped
	}

	root, err := v.parseRoot(raw)
	if err != nil {
		return err
	}
	if err := v.verifyRootSelfSigned(raw, root); err != nil {
		return err
	}

	return v.installRoot(repo, raw, root)
}

func (v *Verifier) installRoot(repo types.RepositoryId, raw []byte, root *parsedRoot) error {
	if err := v.store.PutMeta(repo, types.Role{Kind: types.RoleRoot}, root.version, raw); err != nil {
		return uperrors.Wrap(uperrors.StorageError, err, "failed to store root")
	}
	for roleName, rk := range root.body.Roles {
		kind, _ := decodeRoleKind(roleName)
		keys := make(map[types.KeyId]types.PublicKey, len(rk.KeyIds))
		for _, kid := range rk.KeyIds {
			if pk, ok := root.body.Keys[kid]; ok {
				keys[pk.id] = pk.key
			}
		}
		if err := v.store.PutKeys(types.Role{Kind: kind}, keys); err != nil {
			return uperrors.Wrap(uperrors.StorageError, err, "failed to store role keys")
		}
	}
	if err := v.store.ClearNonRootMeta(repo); err != nil {
		return uperrors.Wrap(uperrors.StorageError, err, "failed to clear non-root metadata")
	}
	return nil
}

type decodedKey struct {
	id  types.KeyId
	key types.PublicKey
}

type parsedRoot struct {
	version types.Version
	expires types.TimeStamp
	body    struct {
		Keys  map[string]decodedKey
		Roles map[string]wireRoleKeys
	}
}

func (v *Verifier) parseRoot(raw []byte) (*parsedRoot, error) {
	env, hdr, err := parseEnvelope(raw)
	if err != nil {
		return nil, uperrors.NewMetadataErr(types.RepositoryId(""), types.Role{Kind: types.RoleRoot}, uperrors.ReasonInvalidMetadata, err.Error())
	}
	if hdr.Type != "Root" {
		return nil, uperrors.NewMetadataErr("", types.Role{Kind: types.RoleRoot}, uperrors.ReasonInvalidMetadata, "not a root file")
	}
	var body wireRootBody
	if err := unmarshalSigned(env, &body); err != nil {
		return nil, uperrors.NewMetadataErr("", types.Role{Kind: types.RoleRoot}, uperrors.ReasonInvalidMetadata, err.Error())
	}
	expires, err := types.ParseTimeStamp(body.Expires)
	if err != nil {
		return nil, uperrors.NewMetadataErr("", types.Role{Kind: types.RoleRoot}, uperrors.ReasonInvalidMetadata, "bad expires")
	}

	pr := &parsedRoot{version: types.Version(body.Version), expires: expires}
	pr.body.Keys = make(map[string]decodedKey, len(body.Keys))
	for id, k := range body.Keys {
		kid, pk, err := decodeWireKey(id, k)
		if err != nil {
			return nil, uperrors.NewMetadataErr("", types.Role{Kind: types.RoleRoot}, uperrors.ReasonInvalidMetadata, err.Error())
		}
		pr.body.Keys[id] = decodedKey{id: kid, key: pk}
	}
	pr.body.Roles = body.Roles
	return pr, nil
}

// verifyRootSelfSigned checks raw's signatures against the Root-role
// keys and threshold declared inside raw itself.
func (v *Verifier) verifyRootSelfSigned(raw []byte, root *parsedRoot) error {
	return v.verifyThreshold(raw, root.rootRoleKeyset(), root.threshold("root"))
}

func (pr *parsedRoot) rootRoleKeyset() map[types.KeyId]types.PublicKey {
	out := make(map[types.KeyId]types.PublicKey)
	rk, ok := pr.body.Roles["root"]
	if !ok {
		return out
	}
	for _, kid := range rk.KeyIds {
		if k, ok := pr.body.Keys[kid]; ok {
			out[k.id] = k.key
		}
	}
	return out
}

func (pr *parsedRoot) threshold(roleName string) int {
	if rk, ok := pr.body.Roles[roleName]; ok {
		return rk.Threshold
	}
	return 1
}

// verifyAgainst checks that raw's signatures meet the threshold using
// keys, without assuming a particular role threshold (callers pass
// the threshold-aware variant below for non-root roles).
func (v *Verifier) verifyAgainst(raw []byte, keys map[types.KeyId]types.PublicKey) error {
	return v.verifyThreshold(raw, keys, 1)
}

func (v *Verifier) verifyThreshold(raw []byte, keys map[types.KeyId]types.PublicKey, threshold int) error {
	env, _, err := parseEnvelope(raw)
	if err != nil {
		return uperrors.NewMetadataErr("", types.Role{}, uperrors.ReasonInvalidMetadata, err.Error())
	}
	met := 0
	seen := make(map[types.KeyId]bool)
	for _, sig := range env.Signatures {
		kid := types.KeyId(sig.KeyId)
		if seen[kid] {
			continue
		}
		pub, ok := keys[kid]
		if !ok {
			continue
		}
		sigBytes, err := hex.DecodeString(sig.Sig)
		if err != nil {
			continue
		}
		err = security.VerifySignature(pub, env.Signed, types.Signature{KeyId: kid, Method: sig.Method, Sig: sigBytes})
		if err == nil {
			seen[kid] = true
			met++
		}
	}
	if met < threshold {
		return uperrors.NewMetadataErr("", types.Role{}, uperrors.ReasonUnmetThreshold, fmt.Sprintf("met %d of required %d signatures", met, threshold))
	}
	return nil
}

func unmarshalSigned(env envelope, v interface{}) error {
	return json.Unmarshal(env.Signed, v)
}
