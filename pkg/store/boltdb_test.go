package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/uptane-agent/pkg/types"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestMetaRoundTrip(t *testing.T) {
	s := openTestStore(t)
	role := types.Role{Kind: types.RoleTargets}

	version, raw, err := s.GetMeta(types.RepoDirector, role)
	require.NoError(t, err)
	require.Equal(t, types.Version(0), version)
	require.Nil(t, raw)

	require.NoError(t, s.PutMeta(types.RepoDirector, role, 2, []byte(`{"hello":"world"}`)))
	version, raw, err = s.GetMeta(types.RepoDirector, role)
	require.NoError(t, err)
	require.Equal(t, types.Version(2), version)
	require.Equal(t, []byte(`{"hello":"world"}`), raw)
}

func TestClearNonRootMetaKeepsRoot(t *testing.T) {
	s := openTestStore(t)
	rootRole := types.Role{Kind: types.RoleRoot}
	tsRole := types.Role{Kind: types.RoleTimestamp}
	targetsRole := types.Role{Kind: types.RoleTargets}

	require.NoError(t, s.PutMeta(types.RepoDirector, rootRole, 1, []byte("root-v1")))
	require.NoError(t, s.PutMeta(types.RepoDirector, tsRole, 5, []byte("ts-v5")))
	require.NoError(t, s.PutMeta(types.RepoDirector, targetsRole, 5, []byte("targets-v5")))
	// A different repository's metadata must be untouched.
	require.NoError(t, s.PutMeta(types.RepoImage, tsRole, 9, []byte("image-ts-v9")))

	require.NoError(t, s.ClearNonRootMeta(types.RepoDirector))

	version, raw, err := s.GetMeta(types.RepoDirector, rootRole)
	require.NoError(t, err)
	require.Equal(t, types.Version(1), version)
	require.Equal(t, []byte("root-v1"), raw)

	version, raw, err = s.GetMeta(types.RepoDirector, tsRole)
	require.NoError(t, err)
	require.Equal(t, types.Version(0), version)
	require.Nil(t, raw)

	version, raw, err = s.GetMeta(types.RepoDirector, targetsRole)
	require.NoError(t, err)
	require.Equal(t, types.Version(0), version)
	require.Nil(t, raw)

	version, raw, err = s.GetMeta(types.RepoImage, tsRole)
	require.NoError(t, err)
	require.Equal(t, types.Version(9), version)
	require.Equal(t, []byte("image-ts-v9"), raw)
}

func TestECURegistryRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, _, found, err := s.GetECU("ecu-1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.PutECU("ecu-1", "hw-1", true))
	require.NoError(t, s.PutECU("ecu-2", "hw-2", false))

	hwid, isPrimary, found, err := s.GetECU("ecu-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.HardwareIdentifier("hw-1"), hwid)
	require.True(t, isPrimary)

	all, err := s.ListECUs()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestInstalledVersionCurrentAndPending(t *testing.T) {
	s := openTestStore(t)
	target := types.Target{Filename: "firmware.bin"}

	_, found, err := s.GetCurrentInstalledVersion("ecu-1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.PutInstalledVersion(types.InstalledVersion{Target: target, Ecu: "ecu-1", Mode: types.InstallModePending}))
	cur, found, err := s.GetCurrentInstalledVersion("ecu-1")
	require.NoError(t, err)
	require.False(t, found)
	require.Empty(t, cur.Target.Filename)

	require.NoError(t, s.PutInstalledVersion(types.InstalledVersion{Target: target, Ecu: "ecu-1", Mode: types.InstallModeCurrent}))
	cur, found, err = s.GetCurrentInstalledVersion("ecu-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "firmware.bin", cur.Target.Filename)

	versions, err := s.ListInstalledVersions("ecu-1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
}

func TestKeysRoundTrip(t *testing.T) {
	s := openTestStore(t)
	role := types.Role{Kind: types.RoleTargets}

	keys, err := s.GetKeys(role)
	require.NoError(t, err)
	require.Empty(t, keys)

	want := map[types.KeyId]types.PublicKey{
		"key-1": {Type: types.KeyTypeEd25519, Bytes: []byte{1, 2, 3}},
	}
	require.NoError(t, s.PutKeys(role, want))
	got, err := s.GetKeys(role)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestProvisioningRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, found, err := s.GetProvisioning()
	require.NoError(t, err)
	require.False(t, found)

	rec := ProvisioningRecord{
		TLSCA:        []byte("ca"),
		TLSCert:      []byte("cert"),
		TLSKeyEnc:    []byte("key-enc"),
		UptanePublic: types.PublicKey{Type: types.KeyTypeEd25519, Bytes: []byte{4, 5, 6}},
		UptaneKeyEnc: []byte("uptane-key-enc"),
	}
	require.NoError(t, s.PutProvisioning(rec))

	got, found, err := s.GetProvisioning()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rec, got)
}

func TestTargetFileRoundTrip(t *testing.T) {
	s := openTestStore(t)
	hash := types.Hash{Algorithm: types.HashSHA256, Hex: "deadbeef"}

	_, found, err := s.GetTargetFile(hash)
	require.NoError(t, err)
	require.False(t, found)

	path := filepath.Join(t.TempDir(), "deadbeef")
	require.NoError(t, s.PutTargetFile(hash, 1024, path))

	rec, found, err := s.GetTargetFile(hash)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, hash, rec.Hash)
	require.Equal(t, int64(1024), rec.Length)
	require.Equal(t, path, rec.Path)
}
