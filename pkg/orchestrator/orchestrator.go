// Package orchestrator implements the Check -> Download -> Install ->
// Report state machine: one cycle per pass, fanning out per-ECU work,
// publishing phase-transition events, and tolerating partial failures
// without aborting the process. The cycle loop is a ticker plus a stop
// channel, each cycle timed and logged; a phase error is logged and
// returned from Cycle, and the loop logs the failed cycle and keeps
// polling.
package orchestrator

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/uptane-agent/pkg/events"
	"github.com/cuemby/uptane-agent/pkg/log"
	"github.com/cuemby/uptane-agent/pkg/metrics"
	"github.com/cuemby/uptane-agent/pkg/pacman"
	"github.com/cuemby/uptane-agent/pkg/repo"
	"github.com/cuemby/uptane-agent/pkg/secondary"
	"github.com/cuemby/uptane-agent/pkg/security"
	"github.com/cuemby/uptane-agent/pkg/store"
	"github.com/cuemby/uptane-agent/pkg/types"
	"github.com/cuemby/uptane-agent/pkg/uptane"
)

// Mode selects how far one invocation of Run carries the pipeline.
type Mode string

const (
	ModeFull     Mode = "full"     // Check -> Download -> Install -> Report, repeating on a timer
	ModeOnce     Mode = "once"     // one full cycle then stop
	ModeCheck    Mode = "check"    // stop after Check
	ModeDownload Mode = "download" // stop after Download
	ModeInstall  Mode = "install"  // stop after Install, no Report
)

// Config is the orchestrator's runtime configuration, sourced from
// pkg/config's [uptane]/[bootloader] sections.
type Config struct {
	Mode               Mode
	PollingInterval    time.Duration
	PrimarySerial      types.EcuSerial
	RebootSentinelPath string        // full path; absence means no pending completion
	CancelMaskTimeout  time.Duration // not read by the orchestrator; no critical section holds off a shutdown signal
}

// Orchestrator drives one device's update cycles.
type Orchestrator struct {
	cfg Config

	store       store.Store
	director    *repo.Client
	image       *repo.Client
	verifier    *uptane.Verifier
	primaryPM   pacman.Manager
	secondaries map[types.EcuSerial]secondary.Secondary
	bus         *events.Broker
	keys        *security.KeyManager
	blobDir     string

	logger zerolog.Logger

	mu      sync.Mutex // serializes cycle execution; only one cycle runs at a time
	stopCh  chan struct{}
	stopped chan struct{}

	inFlight sync.Map // hash string -> struct{}, at-most-one writer per blob
}

// New constructs an Orchestrator. secondaries maps each Secondary's
// serial to its transport; blobDir is where downloaded target bodies
// are content-addressed by their verified hash (SHA-256, falling back
// to SHA-512).
func New(cfg Config, s store.Store, director, image *repo.Client, v *uptane.Verifier, pm pacman.Manager, secondaries map[types.EcuSerial]secondary.Secondary, bus *events.Broker, keys *security.KeyManager, blobDir string) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		store:       s,
		director:    director,
		image:       image,
		verifier:    v,
		primaryPM:   pm,
		secondaries: secondaries,
		bus:         bus,
		keys:        keys,
		blobDir:     blobDir,
		logger:      log.WithComponent("orchestrator"),
	}
}

// Run starts the polling loop for ModeFull and blocks until Stop is
// called; for every other Mode it runs exactly one cycle and returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.Mode != ModeFull {
		return o.Cycle(ctx)
	}

	o.stopCh = make(chan struct{})
	o.stopped = make(chan struct{})
	defer close(o.stopped)

	interval := o.cfg.PollingInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Info().Dur("interval", interval).Msg("orchestrator started")

	for {
		select {
		case <-ticker.C:
			if err := o.Cycle(ctx); err != nil {
				o.logger.Error().Err(err).Msg("cycle failed")
			}
		case <-o.stopCh:
			o.logger.Info().Msg("orchestrator stopped")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop requests the polling loop to exit after its current cycle
// finishes; cancellation is cooperative — the current phase finishes
// and subsequent phases are skipped.
func (o *Orchestrator) Stop() {
	if o.stopCh == nil {
		return
	}
	close(o.stopCh)
	<-o.stopped
}

// Cycle runs one pass of the state machine, honoring cfg.Mode's stop
// point and the reboot-sentinel short-circuit.
func (o *Orchestrator) Cycle(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.CycleDuration)
		metrics.CyclesTotal.Inc()
	}()

	if o.sentinelPresent() {
		o.logger.Info().Msg("reboot sentinel present; skipping check/download/install")
		o.bus.Publish(&events.Event{Type: events.EventUpdateCheckComplete, Payload: CheckResult{Outcome: NoUpdatesAvailable}})
		return nil
	}

	if pending, ok, err := o.pendingCompletion(); err != nil {
		o.logger.Error().Err(err).Msg("failed to check pending completion")
	} else if ok {
		o.logger.Info().Str("ecu", string(pending.Ecu)).Msg("sentinel cleared; finalizing pending install")
		return o.finalizePending(ctx, pending)
	}

	check, err := o.CheckUpdates(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("check failed")
		return err
	}
	if o.cfg.Mode == ModeCheck || check.Outcome != UpdatesAvailable || o.stopRequested() {
		return nil
	}

	dl, err := o.Download(ctx, check.Targets)
	if err != nil {
		o.logger.Error().Err(err).Msg("download phase failed")
		return err
	}
	if o.cfg.Mode == ModeDownload || o.stopRequested() {
		return nil
	}

	inst, err := o.Install(ctx, check.Targets, dl)
	if err != nil {
		o.logger.Error().Err(err).Msg("install phase failed")
		return err
	}
	if o.cfg.Mode == ModeInstall || o.stopRequested() {
		return nil
	}

	if err := o.Report(ctx, inst); err != nil {
		o.logger.Error().Err(err).Msg("report failed")
		return err
	}
	return nil
}

func (o *Orchestrator) sentinelPresent() bool {
	if o.cfg.RebootSentinelPath == "" {
		return false
	}
	_, err := os.Stat(o.cfg.RebootSentinelPath)
	return err == nil
}

// stopRequested reports whether Stop has been called, so Cycle can
// skip the phases after the one that just finished.
func (o *Orchestrator) stopRequested() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

// pendingCompletion reports the Primary's InstalledVersion if it is
// still in Pending mode (a NeedCompletion install awaiting this
// finalize pass). A Pending record whose Target already matches the
// Current one has been finalized and is not reported again.
func (o *Orchestrator) pendingCompletion() (types.InstalledVersion, bool, error) {
	versions, err := o.store.ListInstalledVersions(o.cfg.PrimarySerial)
	if err != nil {
		return types.InstalledVersion{}, false, err
	}
	cur, hasCur, err := o.store.GetCurrentInstalledVersion(o.cfg.PrimarySerial)
	if err != nil {
		return types.InstalledVersion{}, false, err
	}
	for _, v := range versions {
		if v.Mode == types.InstallModePending && !(hasCur && cur.Target.Match(v.Target)) {
			return v, true, nil
		}
	}
	return types.InstalledVersion{}, false, nil
}

// finalizePending promotes a pending install to Current and reports a
// completion manifest, transitioning directly to Reporting and
// skipping Check/Download/Install entirely.
func (o *Orchestrator) finalizePending(ctx context.Context, pending types.InstalledVersion) error {
	pending.Mode = types.InstallModeCurrent
	if err := o.store.PutInstalledVersion(pending); err != nil {
		return err
	}
	o.bus.Publish(&events.Event{Type: events.EventUpdateCheckComplete, Payload: CheckResult{Outcome: NoUpdatesAvailable}})
	return o.Report(ctx, AllInstallsResult{
		EcuReports: map[types.EcuSerial]InstallOutcome{
			pending.Ecu: {
				Ecu:     pending.Ecu,
				Target:  pending.Target,
				Result:  types.InstallationResult{Code: types.ResultOk, Description: "install completed after reboot"},
				Success: true,
			},
		},
	})
}
