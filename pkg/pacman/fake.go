package pacman

import (
	"context"
	"sync"

	"github.com/cuemby/uptane-agent/pkg/types"
)

func init() {
	register("fake", func(cfg Config) (Manager, error) { return NewFake(), nil })
	register("none", func(cfg Config) (Manager, error) { return &noneManager{}, nil })
}

// Fake is an in-memory Manager for tests and scenario fixtures: every
// install succeeds and is immediately "current".
type Fake struct {
	mu        sync.Mutex
	current   types.Target
	hasOne    bool
	installed []types.Target
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) Name() string { return "fake" }

func (f *Fake) GetCurrent() (types.Target, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.hasOne, nil
}

func (f *Fake) GetInstalledPackages() ([]types.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Target, len(f.installed))
	copy(out, f.installed)
	return out, nil
}

func (f *Fake) Install(ctx context.Context, target types.Target, blobPath string) types.InstallationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = target
	f.hasOne = true
	f.installed = append(f.installed, target)
	return types.InstallationResult{Code: types.ResultOk, Description: "installed by fake package manager"}
}

func (f *Fake) GetManifest(serial types.EcuSerial) (types.EcuManifestEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.EcuManifestEntry{
		Ecu:        serial,
		Installed:  f.current,
		LastResult: types.InstallationResult{Code: types.ResultOk},
	}, nil
}

// noneManager refuses every install; it exists for devices with no
// package manager configured.
type noneManager struct{}

func (n *noneManager) Name() string { return "none" }

func (n *noneManager) GetCurrent() (types.Target, bool, error) { return types.Target{}, false, nil }

func (n *noneManager) GetInstalledPackages() ([]types.Target, error) { return nil, nil }

func (n *noneManager) Install(ctx context.Context, target types.Target, blobPath string) types.InstallationResult {
	return types.InstallationResult{Code: types.ResultInstallFailed, Description: "no package manager configured"}
}

func (n *noneManager) GetManifest(serial types.EcuSerial) (types.EcuManifestEntry, error) {
	return types.EcuManifestEntry{Ecu: serial, LastResult: types.InstallationResult{Code: types.ResultInstallFailed}}, nil
}
