// Package pacman defines the Package Manager contract and a
// tag-selected factory over its backends: one registry, populated by
// each backend's own init().
package pacman

import (
	"context"
	"fmt"

	"github.com/cuemby/uptane-agent/pkg/types"
)

// Manager installs Targets onto the Primary device and reports on
// what is currently installed.
type Manager interface {
	Name() string
	GetCurrent() (types.Target, bool, error)
	GetInstalledPackages() ([]types.Target, error)
	Install(ctx context.Context, target types.Target, blobPath string) types.InstallationResult
	GetManifest(serial types.EcuSerial) (types.EcuManifestEntry, error)
}

// Config is the backend-agnostic configuration every Manager
// constructor accepts; backends ignore the fields they don't need.
type Config struct {
	OSTreeSysroot   string
	DebianAptGetBin string
	ContainerdSock  string
	ContainerImage  string
}

type factoryFunc func(cfg Config) (Manager, error)

var registry = map[string]factoryFunc{}

// register is called from each backend's init().
func register(tag string, f factoryFunc) {
	registry[tag] = f
}

// New selects a backend by configuration tag.
func New(tag string, cfg Config) (Manager, error) {
	f, ok := registry[tag]
	if !ok {
		return nil, fmt.Errorf("unknown package manager %q", tag)
	}
	return f(cfg)
}
