package pacman

import (
	"context"
	"os/exec"
	"strings"
	"sync"

	"github.com/cuemby/uptane-agent/pkg/types"
)

func init() {
	register("ostree", func(cfg Config) (Manager, error) {
		return &execManager{name: "ostree", sysroot: cfg.OSTreeSysroot, install: ostreeInstall}, nil
	})
	register("debian", func(cfg Config) (Manager, error) {
		bin := cfg.DebianAptGetBin
		if bin == "" {
			bin = "dpkg"
		}
		return &execManager{name: "debian", sysroot: bin, install: debianInstall}, nil
	})
}

// execManager is a thin os/exec wrapper around an external package
// tool; the tool's own behavior is out of scope here, only the
// Manager contract around invoking it.
type execManager struct {
	mu      sync.Mutex
	name    string
	sysroot string
	current types.Target
	hasOne  bool
	install func(ctx context.Context, sysroot string, target types.Target, blobPath string) error
}

func (e *execManager) Name() string { return e.name }

func (e *execManager) GetCurrent() (types.Target, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, e.hasOne, nil
}

func (e *execManager) GetInstalledPackages() ([]types.Target, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasOne {
		return nil, nil
	}
	return []types.Target{e.current}, nil
}

func (e *execManager) Install(ctx context.Context, target types.Target, blobPath string) types.InstallationResult {
	if err := e.install(ctx, e.sysroot, target, blobPath); err != nil {
		return types.InstallationResult{Code: types.ResultInstallFailed, Description: err.Error()}
	}
	e.mu.Lock()
	e.current = target
	e.hasOne = true
	e.mu.Unlock()
	return types.InstallationResult{Code: types.ResultNeedCompletion, Description: "install applied, pending reboot"}
}

func (e *execManager) GetManifest(serial types.EcuSerial) (types.EcuManifestEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return types.EcuManifestEntry{Ecu: serial, Installed: e.current, LastResult: types.InstallationResult{Code: types.ResultOk}}, nil
}

func ostreeInstall(ctx context.Context, sysroot string, target types.Target, blobPath string) error {
	args := []string{"deploy", "--sysroot=" + sysroot, target.Custom.URI}
	if target.Custom.URI == "" {
		args = []string{"deploy", "--sysroot=" + sysroot, strings.TrimSuffix(target.Filename, ".ostree")}
	}
	cmd := exec.CommandContext(ctx, "ostree", args...)
	return cmd.Run()
}

func debianInstall(ctx context.Context, bin string, target types.Target, blobPath string) error {
	cmd := exec.CommandContext(ctx, bin, "--install", blobPath)
	return cmd.Run()
}
