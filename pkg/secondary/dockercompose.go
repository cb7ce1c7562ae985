package secondary

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/cuemby/uptane-agent/pkg/types"
)

// DockerCompose is an in-process Secondary that writes the delivered
// payload as its docker-compose.yml and shells out to bring it up,
// for Secondaries that are themselves docker-compose stacks on the
// same host as the Primary.
type DockerCompose struct {
	serial     types.EcuSerial
	hwid       types.HardwareIdentifier
	pub        types.PublicKey
	composeDir string
	composeBin string

	mu sync.Mutex
}

func NewDockerCompose(serial types.EcuSerial, hwid types.HardwareIdentifier, pub types.PublicKey, composeDir, composeBin string) *DockerCompose {
	if composeBin == "" {
		composeBin = "docker-compose"
	}
	return &DockerCompose{serial: serial, hwid: hwid, pub: pub, composeDir: composeDir, composeBin: composeBin}
}

func (d *DockerCompose) GetSerial() (types.EcuSerial, error)              { return d.serial, nil }
func (d *DockerCompose) GetHardwareId() (types.HardwareIdentifier, error) { return d.hwid, nil }
func (d *DockerCompose) GetPublicKey() (types.PublicKey, error)           { return d.pub, nil }

func (d *DockerCompose) PutMetadata(ctx context.Context, pack MetaPack) (bool, error) {
	return true, nil
}

func (d *DockerCompose) SendFirmware(ctx context.Context, data []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(d.composeDir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create compose dir: %w", err)
	}
	path := filepath.Join(d.composeDir, "docker-compose.yml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("failed to write compose file: %w", err)
	}

	cmd := exec.CommandContext(ctx, d.composeBin, "-f", path, "up", "-d")
	if out, err := cmd.CombinedOutput(); err != nil {
		return false, fmt.Errorf("compose up failed: %w (%s)", err, out)
	}
	return true, nil
}

func (d *DockerCompose) GetManifest(ctx context.Context) ([]byte, error) {
	return []byte(fmt.Sprintf(`{"ecu_serial":%q,"backend":"docker-compose"}`, d.serial)), nil
}

func (d *DockerCompose) PutRoot(ctx context.Context, repo types.RepositoryId, raw []byte) (bool, error) {
	return true, nil
}

func (d *DockerCompose) GetRootVersion(ctx context.Context, repo types.RepositoryId) (types.Version, error) {
	return 0, nil
}
