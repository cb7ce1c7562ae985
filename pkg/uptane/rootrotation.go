package uptane

import (
	"fmt"

	"github.com/cuemby/uptane-agent/pkg/metrics"
	"github.com/cuemby/uptane-agent/pkg/types"
	"github.com/cuemby/uptane-agent/pkg/uperrors"
)

// FetchRootFunc retrieves the raw bytes of root version n for repo.
// found is false when the repository has no such version (the normal
// way the rotation loop terminates).
type FetchRootFunc func(repo types.RepositoryId, n types.Version) (raw []byte, found bool, err error)

// RotateRoot walks consecutive Root versions starting just after the
// stored version, verifying each against both the outgoing and
// incoming Root's key quorum.
func (v *Verifier) RotateRoot(repo types.RepositoryId, fetch FetchRootFunc) error {
	version, raw, err := v.store.GetMeta(repo, types.Role{Kind: types.RoleRoot})
	if err != nil {
		return uperrors.Wrap(uperrors.StorageError, err, "failed to read stored root")
	}
	if version == 0 || raw == nil {
		return uperrors.New(uperrors.MetadataError, "no root bootstrapped; call InitRoot first")
	}

	current, err := v.parseRoot(raw)
	if err != nil {
		return err
	}

	for n := version + 1; n <= version+kMaxRotations; n++ {
		newRaw, found, err := fetch(repo, n)
		if err != nil {
			return uperrors.Wrap(uperrors.NetworkError, err, "failed to fetch root")
		}
		if !found {
			break
		}
		if len(newRaw) > KMaxRootSize {
			return uperrors.NewMetadataErr(repo, types.Role{Kind: types.RoleRoot}, uperrors.ReasonSizeExceeded, "root exceeds size cap")
		}

		next, err := v.parseRoot(newRaw)
		if err != nil {
			return err
		}
		if next.version != n {
			return uperrors.NewMetadataErr(repo, types.Role{Kind: types.RoleRoot}, uperrors.ReasonVersionMismatch,
				fmt.Sprintf("expected version %d, got %d", n, next.version))
		}

		// Must simultaneously meet the threshold of keys declared by
		// the outgoing Root and by the incoming Root itself.
		if err := v.verifyThreshold(newRaw, current.rootRoleKeyset(), current.threshold("root")); err != nil {
			return uperrors.NewMetadataErr(repo, types.Role{Kind: types.RoleRoot}, uperrors.ReasonRootRotationError, "not signed by outgoing root keys: "+err.Error())
		}
		if err := v.verifyThreshold(newRaw, next.rootRoleKeyset(), next.threshold("root")); err != nil {
			return uperrors.NewMetadataErr(repo, types.Role{Kind: types.RoleRoot}, uperrors.ReasonRootRotationError, "not signed by incoming root keys: "+err.Error())
		}

		if err := v.installRoot(repo, newRaw, next); err != nil {
			return err
		}
		metrics.RootRotations.Inc()
		current = next
	}

	if current.expires.Valid() && !current.expires.After(v.now()) {
		return uperrors.NewMetadataErr(repo, types.Role{Kind: types.RoleRoot}, uperrors.ReasonExpiredMetadata, "current root is expired")
	}
	return nil
}
