package secondary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/uptane-agent/pkg/pacman"
	"github.com/cuemby/uptane-agent/pkg/types"
)

// PacmanBacked is a Secondary that stages the delivered firmware blob
// to disk and hands it to a real pkg/pacman.Manager, for off-box
// Secondaries whose install step is the same package-manager logic
// the Primary itself can run, as the standalone secondaryd does.
type PacmanBacked struct {
	serial  types.EcuSerial
	hwid    types.HardwareIdentifier
	pub     types.PublicKey
	pm      pacman.Manager
	blobDir string

	mu       sync.Mutex
	lastMeta MetaPack
}

func NewPacmanBacked(serial types.EcuSerial, hwid types.HardwareIdentifier, pub types.PublicKey, pm pacman.Manager, blobDir string) *PacmanBacked {
	return &PacmanBacked{serial: serial, hwid: hwid, pub: pub, pm: pm, blobDir: blobDir}
}

func (p *PacmanBacked) GetSerial() (types.EcuSerial, error)              { return p.serial, nil }
func (p *PacmanBacked) GetHardwareId() (types.HardwareIdentifier, error) { return p.hwid, nil }
func (p *PacmanBacked) GetPublicKey() (types.PublicKey, error)           { return p.pub, nil }

func (p *PacmanBacked) PutMetadata(ctx context.Context, pack MetaPack) (bool, error) {
	p.mu.Lock()
	p.lastMeta = pack
	p.mu.Unlock()
	return true, nil
}

// SendFirmware stages data under blobDir, content-addressed by its own
// hash since no per-target metadata accompanies the raw bytes over the
// wire, then hands the staged path to the package manager.
func (p *PacmanBacked) SendFirmware(ctx context.Context, data []byte) (bool, error) {
	if err := os.MkdirAll(p.blobDir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create blob dir: %w", err)
	}
	sum := sha256.Sum256(data)
	hexSum := hex.EncodeToString(sum[:])
	path := filepath.Join(p.blobDir, hexSum)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("failed to stage firmware: %w", err)
	}

	target := types.Target{
		Filename: hexSum,
		Length:   int64(len(data)),
		Hashes:   []types.Hash{{Algorithm: types.HashSHA256, Hex: hexSum}},
	}
	result := p.pm.Install(ctx, target, path)
	return result.IsSuccess() || result.Code == types.ResultNeedCompletion, nil
}

func (p *PacmanBacked) GetManifest(ctx context.Context) ([]byte, error) {
	entry, err := p.pm.GetManifest(p.serial)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf(`{"ecu_serial":%q,"filename":%q,"result_code":%d}`, entry.Ecu, entry.Installed.Filename, entry.LastResult.Code)), nil
}

func (p *PacmanBacked) PutRoot(ctx context.Context, repo types.RepositoryId, raw []byte) (bool, error) {
	return true, nil
}

func (p *PacmanBacked) GetRootVersion(ctx context.Context, repo types.RepositoryId) (types.Version, error) {
	return 0, nil
}
