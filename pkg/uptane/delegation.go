package uptane

import (
	"path"

	"github.com/cuemby/uptane-agent/pkg/types"
	"github.com/cuemby/uptane-agent/pkg/uperrors"
)

// FetchDelegatedFunc retrieves the raw bytes of a named delegated
// Targets role file from the Image repository.
type FetchDelegatedFunc func(roleName string) (raw []byte, err error)

// ResolveImageTarget looks up filename in the Image repository's
// Targets tree, descending into delegations in declaration order: a
// delegation is only followed when one of its Paths glob-matches
// filename, and a terminating delegation that matched stops the
// search whether or not it produced a result.
func (v *Verifier) ResolveImageTarget(filename string, top types.TargetsBody, snap types.SnapshotBody, fetch FetchDelegatedFunc) (types.Target, bool, error) {
	return v.resolveDelegation(filename, top.Targets, top.Delegations, snap, fetch, 1)
}

func (v *Verifier) resolveDelegation(filename string, targets []types.Target, delegations []types.Delegation, snap types.SnapshotBody, fetch FetchDelegatedFunc, depth int) (types.Target, bool, error) {
	for _, t := range targets {
		if t.Filename == filename {
			return t, true, nil
		}
	}
	if depth > kMaxDelegationDepth {
		return types.Target{}, false, nil
	}

	for _, d := range delegations {
		if !delegationCoversPath(d, filename) {
			continue
		}

		raw, err := fetch(d.Name)
		if err != nil {
			return types.Target{}, false, uperrors.Wrap(uperrors.NetworkError, err, "failed to fetch delegated targets "+d.Name)
		}

		body, err := v.VerifyTargets(types.RepoImage, raw, snap, d.Name, d.Keys, d.RoleKeys.Threshold, depth)
		if err != nil {
			return types.Target{}, false, err
		}

		if target, found, err := v.resolveDelegation(filename, body.Targets, body.Delegations, snap, fetch, depth+1); err != nil {
			return types.Target{}, false, err
		} else if found {
			return target, true, nil
		}

		if d.Terminate {
			return types.Target{}, false, nil
		}
	}
	return types.Target{}, false, nil
}

// ResolveStoredImageTarget resolves filename against the Image
// repository's last-accepted Targets tree without any network I/O:
// used on cycles where Timestamp reported no change and there is
// nothing fresh to fetch or re-verify, only the previously accepted
// metadata already sitting in the trust store.
func (v *Verifier) ResolveStoredImageTarget(filename string, top types.TargetsBody) (types.Target, bool, error) {
	return v.resolveStoredDelegation(filename, top.Targets, top.Delegations, 1)
}

func (v *Verifier) resolveStoredDelegation(filename string, targets []types.Target, delegations []types.Delegation, depth int) (types.Target, bool, error) {
	for _, t := range targets {
		if t.Filename == filename {
			return t, true, nil
		}
	}
	if depth > kMaxDelegationDepth {
		return types.Target{}, false, nil
	}

	for _, d := range delegations {
		if !delegationCoversPath(d, filename) {
			continue
		}

		body, err := v.LoadStoredTargets(types.RepoImage, d.Name)
		if err != nil {
			return types.Target{}, false, nil
		}

		if target, found, err := v.resolveStoredDelegation(filename, body.Targets, body.Delegations, depth+1); err != nil {
			return types.Target{}, false, err
		} else if found {
			return target, true, nil
		}

		if d.Terminate {
			return types.Target{}, false, nil
		}
	}
	return types.Target{}, false, nil
}

// delegationCoversPath reports whether d is declared to cover
// filename: an empty Paths list covers everything, matching TUF's
// "no paths restriction" convention.
func delegationCoversPath(d types.Delegation, filename string) bool {
	if len(d.Paths) == 0 {
		return true
	}
	for _, pattern := range d.Paths {
		if ok, err := path.Match(pattern, filename); err == nil && ok {
			return true
		}
	}
	return false
}
