package uptane

import (
	"github.com/cuemby/uptane-agent/pkg/types"
	"github.com/cuemby/uptane-agent/pkg/uperrors"
)

// currentRoot loads and parses the stored Root for repo; callers use
// it to source the key registry for verifying every other role.
func (v *Verifier) currentRoot(repo types.RepositoryId) (*parsedRoot, error) {
	version, raw, err := v.store.GetMeta(repo, types.Role{Kind: types.RoleRoot})
	if err != nil {
		return nil, uperrors.Wrap(uperrors.StorageError, err, "failed to read stored root")
	}
	if version == 0 || raw == nil {
		return nil, uperrors.New(uperrors.MetadataError, "no root bootstrapped")
	}
	return v.parseRoot(raw)
}

func roleKeyset(root *parsedRoot, roleName string) (map[types.KeyId]types.PublicKey, int) {
	out := make(map[types.KeyId]types.PublicKey)
	rk, ok := root.body.Roles[roleName]
	if !ok {
		return out, 1
	}
	for _, kid := range rk.KeyIds {
		if k, ok := root.body.Keys[kid]; ok {
			out[k.id] = k.key
		}
	}
	return out, rk.Threshold
}

// VerifyTimestamp verifies and, on success, stores a Timestamp role
// file. It returns the Snapshot version/hash it asserts so the caller
// can short-circuit the cycle when unchanged.
func (v *Verifier) VerifyTimestamp(repo types.RepositoryId, raw []byte) (types.TimestampBody, error) {
	root, err := v.currentRoot(repo)
	if err != nil {
		return types.TimestampBody{}, err
	}
	role := types.Role{Kind: types.RoleTimestamp}
	if len(raw) > KMaxTimestampSize {
		return types.TimestampBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonSizeExceeded, "timestamp exceeds size cap")
	}

	env, hdr, err := parseEnvelope(raw)
	if err != nil || hdr.Type != "Timestamp" {
		return types.TimestampBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonInvalidMetadata, "not a timestamp file")
	}
	keys, threshold := roleKeyset(root, "timestamp")
	if err := v.verifyThreshold(raw, keys, threshold); err != nil {
		return types.TimestampBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonUnmetThreshold, err.Error())
	}

	var body wireTimestampBody
	if err := unmarshalSigned(env, &body); err != nil {
		return types.TimestampBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonInvalidMetadata, err.Error())
	}

	stored, _, err := v.store.GetMeta(repo, role)
	if err != nil {
		return types.TimestampBody{}, uperrors.Wrap(uperrors.StorageError, err, "failed to read stored timestamp")
	}
	if types.Version(body.Version) <= stored {
		return types.TimestampBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonVersionMismatch, "version not strictly greater than stored")
	}

	expires, err := types.ParseTimeStamp(body.Expires)
	if err != nil || !expires.After(v.now()) {
		return types.TimestampBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonExpiredMetadata, "timestamp expired or unparseable")
	}

	snapEntry, ok := body.Meta["snapshot.json"]
	if !ok {
		return types.TimestampBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonInvalidMetadata, "timestamp missing snapshot.json meta")
	}
	var snapHash types.Hash
	for alg, digest := range snapEntry.Hashes {
		h, err := decodeHash(alg, digest)
		if err == nil {
			snapHash = h
			break
		}
	}

	if err := v.store.PutMeta(repo, role, types.Version(body.Version), raw); err != nil {
		return types.TimestampBody{}, uperrors.Wrap(uperrors.StorageError, err, "failed to store timestamp")
	}

	return types.TimestampBody{SnapshotVersion: types.Version(snapEntry.Version), SnapshotHash: snapHash}, nil
}

// VerifySnapshot verifies and stores a Snapshot role file, returning
// the per-role versions it asserts for cross-checking against Targets.
func (v *Verifier) VerifySnapshot(repo types.RepositoryId, raw []byte, tsBody types.TimestampBody) (types.SnapshotBody, error) {
	root, err := v.currentRoot(repo)
	if err != nil {
		return types.SnapshotBody{}, err
	}
	role := types.Role{Kind: types.RoleSnapshot}
	if len(raw) > KMaxSnapshotSize {
		return types.SnapshotBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonSizeExceeded, "snapshot exceeds size cap")
	}

	env, hdr, err := parseEnvelope(raw)
	if err != nil || hdr.Type != "Snapshot" {
		return types.SnapshotBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonInvalidMetadata, "not a snapshot file")
	}
	keys, threshold := roleKeyset(root, "snapshot")
	if err := v.verifyThreshold(raw, keys, threshold); err != nil {
		return types.SnapshotBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonUnmetThreshold, err.Error())
	}

	var body wireSnapshotBody
	if err := unmarshalSigned(env, &body); err != nil {
		return types.SnapshotBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonInvalidMetadata, err.Error())
	}

	stored, _, err := v.store.GetMeta(repo, role)
	if err != nil {
		return types.SnapshotBody{}, uperrors.Wrap(uperrors.StorageError, err, "failed to read stored snapshot")
	}
	if types.Version(body.Version) <= stored {
		return types.SnapshotBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonVersionMismatch, "version not strictly greater than stored")
	}
	expires, err := types.ParseTimeStamp(body.Expires)
	if err != nil || !expires.After(v.now()) {
		return types.SnapshotBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonExpiredMetadata, "snapshot expired or unparseable")
	}

	// Cross-check: Timestamp must list the exact version we just
	// verified for Snapshot.
	if tsBody.SnapshotVersion != types.Version(body.Version) {
		return types.SnapshotBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonVersionMismatch, "timestamp/snapshot version mismatch")
	}

	versions := make(map[string]types.Version, len(body.Meta))
	for name, entry := range body.Meta {
		versions[name] = types.Version(entry.Version)
	}

	if err := v.store.PutMeta(repo, role, types.Version(body.Version), raw); err != nil {
		return types.SnapshotBody{}, uperrors.Wrap(uperrors.StorageError, err, "failed to store snapshot")
	}

	return types.SnapshotBody{TargetsVersions: versions}, nil
}

// VerifyTargets verifies and stores a Targets role file (top-level or
// delegated), returning the decoded target list. depth is 0 for the
// top-level Targets role and increases by one per delegation hop.
func (v *Verifier) VerifyTargets(repo types.RepositoryId, raw []byte, snap types.SnapshotBody, roleName string, delegationKeys map[types.KeyId]types.PublicKey, threshold int, depth int) (types.TargetsBody, error) {
	if depth > kMaxDelegationDepth {
		return types.TargetsBody{}, uperrors.NewMetadataErr(repo, types.Role{Kind: types.RoleDelegated, Name: roleName}, uperrors.ReasonInvalidMetadata, "delegation depth exceeded")
	}

	role := types.Role{Kind: types.RoleTargets}
	if depth > 0 {
		role = types.Role{Kind: types.RoleDelegated, Name: roleName}
	}

	if len(raw) > KMaxTargetsSize {
		return types.TargetsBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonSizeExceeded, "targets exceeds size cap")
	}

	env, hdr, err := parseEnvelope(raw)
	if err != nil || hdr.Type != "Targets" {
		return types.TargetsBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonInvalidMetadata, "not a targets file")
	}

	keys, keysThreshold := delegationKeys, threshold
	if depth == 0 {
		root, err := v.currentRoot(repo)
		if err != nil {
			return types.TargetsBody{}, err
		}
		keys, keysThreshold = roleKeyset(root, "targets")
	}
	if err := v.verifyThreshold(raw, keys, keysThreshold); err != nil {
		return types.TargetsBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonUnmetThreshold, err.Error())
	}

	var body wireTargetsBody
	if err := unmarshalSigned(env, &body); err != nil {
		return types.TargetsBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonInvalidMetadata, err.Error())
	}

	stored, _, err := v.store.GetMeta(repo, role)
	if err != nil {
		return types.TargetsBody{}, uperrors.Wrap(uperrors.StorageError, err, "failed to read stored targets")
	}
	if types.Version(body.Version) <= stored {
		return types.TargetsBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonVersionMismatch, "version not strictly greater than stored")
	}
	expires, err := types.ParseTimeStamp(body.Expires)
	if err != nil || !expires.After(v.now()) {
		return types.TargetsBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonExpiredMetadata, "targets expired or unparseable")
	}

	snapRoleName := roleName
	if depth == 0 {
		snapRoleName = "targets"
	}
	if wantVersion, ok := snap.TargetsVersions[snapRoleName+".json"]; ok {
		if wantVersion != types.Version(body.Version) {
			return types.TargetsBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonVersionMismatch, "snapshot/targets version mismatch")
		}
	}

	decoded, err := decodeTargetsBody(body)
	if err != nil {
		return types.TargetsBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonInvalidMetadata, err.Error())
	}

	if err := v.store.PutMeta(repo, role, types.Version(body.Version), raw); err != nil {
		return types.TargetsBody{}, uperrors.Wrap(uperrors.StorageError, err, "failed to store targets")
	}

	return decoded, nil
}

// decodeTargetsBody converts the wire shape into the domain shape;
// shared by VerifyTargets and LoadStoredTargets so both paths decode
// identically.
func decodeTargetsBody(body wireTargetsBody) (types.TargetsBody, error) {
	decoded := types.TargetsBody{}
	for filename, entry := range body.Targets {
		hashes, err := decodeHashes(entry.Hashes)
		if err != nil {
			return types.TargetsBody{}, err
		}
		custom := types.TargetCustom{UpdateType: types.UpdateTypeBinary}
		if entry.Custom != nil {
			if entry.Custom.UpdateType == "ostree" {
				custom.UpdateType = types.UpdateTypeOSTree
			}
			custom.URI = entry.Custom.URI
			if len(entry.Custom.EcuIdentifiers) > 0 {
				custom.EcuIdentifiers = make(map[types.EcuSerial]types.HardwareIdentifier, len(entry.Custom.EcuIdentifiers))
				for serial, hwid := range entry.Custom.EcuIdentifiers {
					custom.EcuIdentifiers[types.EcuSerial(serial)] = types.HardwareIdentifier(hwid)
				}
			}
		}
		decoded.Targets = append(decoded.Targets, types.Target{
			Filename: filename,
			Length:   entry.Length,
			Hashes:   hashes,
			Custom:   custom,
		})
	}

	if body.Delegations != nil {
		delegatedKeys := make(map[string]decodedKey, len(body.Delegations.Keys))
		for id, k := range body.Delegations.Keys {
			kid, pk, err := decodeWireKey(id, k)
			if err != nil {
				return types.TargetsBody{}, err
			}
			delegatedKeys[id] = decodedKey{id: kid, key: pk}
		}
		for _, dr := range body.Delegations.Roles {
			keyset := make(map[types.KeyId]types.PublicKey, len(dr.KeyIds))
			keyIdSet := make(map[types.KeyId]struct{}, len(dr.KeyIds))
			for _, kid := range dr.KeyIds {
				if k, ok := delegatedKeys[kid]; ok {
					keyset[k.id] = k.key
					keyIdSet[k.id] = struct{}{}
				}
			}
			decoded.Delegations = append(decoded.Delegations, types.Delegation{
				Name:      dr.Name,
				Keys:      keyset,
				RoleKeys:  types.RoleKeys{Threshold: dr.Threshold, KeyIds: keyIdSet},
				Paths:     dr.Paths,
				Terminate: dr.Terminating,
			})
		}
	}
	return decoded, nil
}

// LoadStoredTargets decodes the already-verified, previously stored
// Targets role for repo without re-running signature/version checks —
// used when a cycle's Timestamp is unchanged and the caller still
// needs the last-accepted Targets body for reconciliation.
func (v *Verifier) LoadStoredTargets(repo types.RepositoryId, roleName string) (types.TargetsBody, error) {
	role := types.Role{Kind: types.RoleTargets}
	if roleName != "targets" {
		role = types.Role{Kind: types.RoleDelegated, Name: roleName}
	}
	_, raw, err := v.store.GetMeta(repo, role)
	if err != nil {
		return types.TargetsBody{}, uperrors.Wrap(uperrors.StorageError, err, "failed to read stored targets")
	}
	if raw == nil {
		return types.TargetsBody{}, uperrors.New(uperrors.MetadataError, "no stored targets for "+roleName)
	}
	env, _, err := parseEnvelope(raw)
	if err != nil {
		return types.TargetsBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonInvalidMetadata, err.Error())
	}
	var body wireTargetsBody
	if err := unmarshalSigned(env, &body); err != nil {
		return types.TargetsBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonInvalidMetadata, err.Error())
	}
	decoded, err := decodeTargetsBody(body)
	if err != nil {
		return types.TargetsBody{}, uperrors.NewMetadataErr(repo, role, uperrors.ReasonInvalidMetadata, err.Error())
	}
	return decoded, nil
}
