package secondary

import (
	"context"
	"fmt"

	"github.com/cuemby/uptane-agent/pkg/store"
	"github.com/cuemby/uptane-agent/pkg/types"
	"github.com/cuemby/uptane-agent/pkg/uptane"
)

// PartialVerification wraps another Secondary and additionally
// verifies the Director's Targets signatures itself before accepting
// metadata; the Primary still delivers the full meta pack, but this
// variant does not trust the Primary's own verification of it.
type PartialVerification struct {
	inner    Secondary
	verifier *uptane.Verifier
}

// NewPartialVerification wraps inner with its own trust store, scoped
// to this ECU, so it can independently verify the Director role files
// in every PutMetadata call.
func NewPartialVerification(inner Secondary, s store.Store) *PartialVerification {
	return &PartialVerification{inner: inner, verifier: uptane.NewVerifier(s)}
}

func (p *PartialVerification) GetSerial() (types.EcuSerial, error)              { return p.inner.GetSerial() }
func (p *PartialVerification) GetHardwareId() (types.HardwareIdentifier, error) { return p.inner.GetHardwareId() }
func (p *PartialVerification) GetPublicKey() (types.PublicKey, error)           { return p.inner.GetPublicKey() }

func (p *PartialVerification) PutMetadata(ctx context.Context, pack MetaPack) (bool, error) {
	if err := p.verifier.InitRoot(types.RepoDirector, pack.DirectorRoot); err != nil {
		return false, fmt.Errorf("director root rejected: %w", err)
	}
	// A delegated-free Targets file can be checked directly against
	// the just-installed Root's targets key; snapshot/timestamp are
	// the Primary's concern, not re-verified here.
	if _, err := p.verifier.VerifyTargets(types.RepoDirector, pack.DirectorTargets, types.SnapshotBody{}, "targets", nil, 0, 0); err != nil {
		return false, fmt.Errorf("director targets rejected: %w", err)
	}
	return p.inner.PutMetadata(ctx, pack)
}

func (p *PartialVerification) SendFirmware(ctx context.Context, data []byte) (bool, error) {
	return p.inner.SendFirmware(ctx, data)
}

func (p *PartialVerification) GetManifest(ctx context.Context) ([]byte, error) {
	return p.inner.GetManifest(ctx)
}

func (p *PartialVerification) PutRoot(ctx context.Context, repo types.RepositoryId, raw []byte) (bool, error) {
	return p.inner.PutRoot(ctx, repo, raw)
}

func (p *PartialVerification) GetRootVersion(ctx context.Context, repo types.RepositoryId) (types.Version, error) {
	return p.inner.GetRootVersion(ctx, repo)
}
