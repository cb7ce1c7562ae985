package secondary

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/uptane-agent/pkg/types"
)

func TestVirtualIdentity(t *testing.T) {
	pub := types.PublicKey{Type: types.KeyTypeEd25519, Bytes: []byte{1, 2, 3}}
	v := NewVirtual("ecu-1", "hw-1", pub, t.TempDir())

	serial, err := v.GetSerial()
	require.NoError(t, err)
	require.Equal(t, types.EcuSerial("ecu-1"), serial)

	hwid, err := v.GetHardwareId()
	require.NoError(t, err)
	require.Equal(t, types.HardwareIdentifier("hw-1"), hwid)

	got, err := v.GetPublicKey()
	require.NoError(t, err)
	require.Equal(t, pub, got)
}

func TestVirtualSendFirmwareWritesFile(t *testing.T) {
	dataDir := t.TempDir()
	v := NewVirtual("ecu-1", "hw-1", types.PublicKey{}, dataDir)

	ok, err := v.SendFirmware(t.Context(), []byte("firmware-bytes"))
	require.NoError(t, err)
	require.True(t, ok)

	path := filepath.Join(dataDir, "ecu-1.bin")
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "firmware-bytes", string(contents))
}

func TestVirtualGetManifestReflectsLastFirmware(t *testing.T) {
	v := NewVirtual("ecu-1", "hw-1", types.PublicKey{}, t.TempDir())

	raw, err := v.GetManifest(t.Context())
	require.NoError(t, err)
	var before map[string]string
	require.NoError(t, json.Unmarshal(raw, &before))
	require.Equal(t, "", before["installed_file"])

	_, err = v.SendFirmware(t.Context(), []byte("data"))
	require.NoError(t, err)

	raw, err = v.GetManifest(t.Context())
	require.NoError(t, err)
	var after map[string]string
	require.NoError(t, json.Unmarshal(raw, &after))
	require.Contains(t, after["installed_file"], "ecu-1.bin")
}

func TestVirtualPutMetadataStoresPack(t *testing.T) {
	v := NewVirtual("ecu-1", "hw-1", types.PublicKey{}, t.TempDir())
	pack := MetaPack{ImageRoot: []byte("root"), DirectorTargets: []byte("targets")}

	ok, err := v.PutMetadata(t.Context(), pack)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pack, v.lastMeta)
}

func TestVirtualPutRootAndGetRootVersionAreNoops(t *testing.T) {
	v := NewVirtual("ecu-1", "hw-1", types.PublicKey{}, t.TempDir())

	ok, err := v.PutRoot(t.Context(), types.RepoImage, []byte("root-bytes"))
	require.NoError(t, err)
	require.True(t, ok)

	version, err := v.GetRootVersion(t.Context(), types.RepoImage)
	require.NoError(t, err)
	require.Equal(t, types.Version(0), version)
}
