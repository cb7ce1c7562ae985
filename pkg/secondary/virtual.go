package secondary

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/uptane-agent/pkg/types"
)

// Virtual is an in-process Secondary that writes firmware to a local
// file named after its serial and records that file's path, for
// devices that run their Secondaries as local processes rather than
// across a network. SendFirmware receives only the firmware bytes, so
// the target's name is not recorded.
type Virtual struct {
	serial   types.EcuSerial
	hwid     types.HardwareIdentifier
	pub      types.PublicKey
	dataDir  string

	mu       sync.Mutex
	lastMeta MetaPack
	lastFile string
}

func NewVirtual(serial types.EcuSerial, hwid types.HardwareIdentifier, pub types.PublicKey, dataDir string) *Virtual {
	return &Virtual{serial: serial, hwid: hwid, pub: pub, dataDir: dataDir}
}

func (v *Virtual) GetSerial() (types.EcuSerial, error)               { return v.serial, nil }
func (v *Virtual) GetHardwareId() (types.HardwareIdentifier, error)  { return v.hwid, nil }
func (v *Virtual) GetPublicKey() (types.PublicKey, error)            { return v.pub, nil }

func (v *Virtual) PutMetadata(ctx context.Context, pack MetaPack) (bool, error) {
	v.mu.Lock()
	v.lastMeta = pack
	v.mu.Unlock()
	return true, nil
}

func (v *Virtual) SendFirmware(ctx context.Context, data []byte) (bool, error) {
	if err := os.MkdirAll(v.dataDir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create secondary data dir: %w", err)
	}
	path := filepath.Join(v.dataDir, string(v.serial)+".bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("failed to write firmware: %w", err)
	}
	v.mu.Lock()
	v.lastFile = path
	v.mu.Unlock()
	return true, nil
}

func (v *Virtual) GetManifest(ctx context.Context) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return []byte(fmt.Sprintf(`{"ecu_serial":%q,"installed_file":%q}`, v.serial, v.lastFile)), nil
}

func (v *Virtual) PutRoot(ctx context.Context, repo types.RepositoryId, raw []byte) (bool, error) {
	return true, nil
}

func (v *Virtual) GetRootVersion(ctx context.Context, repo types.RepositoryId) (types.Version, error) {
	return 0, nil
}
