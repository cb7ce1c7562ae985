// Package secondary implements the Secondary Transport capability
// set: an in-process interface most variants satisfy directly, and an
// off-box IP-Uptane variant that carries the same capability set over
// a binary wire protocol.
package secondary

import (
	"context"

	"github.com/cuemby/uptane-agent/pkg/types"
)

// MetaPack bundles the role files a Secondary needs to verify an
// update on its own: the four Image roles plus the Director's Root
// and Targets.
type MetaPack struct {
	ImageRoot      []byte
	ImageTargets   []byte
	ImageSnapshot  []byte
	ImageTimestamp []byte
	DirectorRoot   []byte
	DirectorTargets []byte
}

// Secondary is the capability set the Orchestrator drives during
// Install, whether the ECU lives in-process or across a network.
type Secondary interface {
	GetSerial() (types.EcuSerial, error)
	GetHardwareId() (types.HardwareIdentifier, error)
	GetPublicKey() (types.PublicKey, error)

	PutMetadata(ctx context.Context, pack MetaPack) (bool, error)
	SendFirmware(ctx context.Context, data []byte) (bool, error)
	GetManifest(ctx context.Context) ([]byte, error)

	PutRoot(ctx context.Context, repo types.RepositoryId, raw []byte) (bool, error)
	GetRootVersion(ctx context.Context, repo types.RepositoryId) (types.Version, error)
}
