package orchestrator

import (
	"context"
	"os"

	"github.com/cuemby/uptane-agent/pkg/events"
	"github.com/cuemby/uptane-agent/pkg/metrics"
	"github.com/cuemby/uptane-agent/pkg/secondary"
	"github.com/cuemby/uptane-agent/pkg/types"
)

// Install drives each ECU's install step in assignment order,
// tolerating per-ECU failure without aborting the rest of the cycle.
// NeedsReboot is set whenever any package manager reports
// ResultNeedCompletion, which also records a Pending InstalledVersion
// for the finalize pass after reboot.
func (o *Orchestrator) Install(ctx context.Context, assignments []TargetAssignment, dl AllDownloadsResult) (AllInstallsResult, error) {
	paths := dl.SucceededTargets()
	reports := make(map[types.EcuSerial]InstallOutcome, len(assignments))
	needsReboot := false

	o.bus.Publish(&events.Event{Type: events.EventInstallStarted})

	for _, a := range assignments {
		path, ok := paths[a.Target.Filename]
		if !ok {
			reports[a.Ecu] = InstallOutcome{
				Ecu:    a.Ecu,
				Target: a.Target,
				Result: types.InstallationResult{Code: types.ResultDownloadFailed, Description: "target was not downloaded"},
			}
			continue
		}

		var result types.InstallationResult
		if a.Ecu == o.cfg.PrimarySerial {
			result = o.primaryPM.Install(ctx, a.Target, path)
		} else {
			result = o.installSecondary(ctx, a.Ecu, a.Target, path)
		}

		outcome := InstallOutcome{Ecu: a.Ecu, Target: a.Target, Result: result, Success: result.IsSuccess()}
		reports[a.Ecu] = outcome

		switch {
		case result.Code == types.ResultNeedCompletion:
			needsReboot = true
			if err := o.store.PutInstalledVersion(types.InstalledVersion{Target: a.Target, Ecu: a.Ecu, Mode: types.InstallModePending}); err != nil {
				o.logger.Error().Err(err).Str("ecu", string(a.Ecu)).Msg("failed to record pending install")
			}
		case outcome.Success:
			if err := o.store.PutInstalledVersion(types.InstalledVersion{Target: a.Target, Ecu: a.Ecu, Mode: types.InstallModeCurrent}); err != nil {
				o.logger.Error().Err(err).Str("ecu", string(a.Ecu)).Msg("failed to record installed version")
			}
		}

		label := "success"
		if !outcome.Success {
			label = "failure"
		}
		metrics.InstallsTotal.WithLabelValues(label).Inc()
		o.bus.Publish(&events.Event{Type: events.EventInstallTargetComplete, Payload: outcome})
	}

	result := AllInstallsResult{EcuReports: reports, NeedsReboot: needsReboot}
	if needsReboot && o.cfg.RebootSentinelPath != "" {
		if err := os.WriteFile(o.cfg.RebootSentinelPath, []byte("pending\n"), 0o644); err != nil {
			o.logger.Error().Err(err).Msg("failed to write reboot sentinel")
		}
	}
	o.bus.Publish(&events.Event{Type: events.EventAllInstallsComplete, Payload: result})
	return result, nil
}

// installSecondary pushes metadata and firmware to an off-Primary ECU
// over its registered transport, reducing its capability-set responses
// to a single InstallationResult.
func (o *Orchestrator) installSecondary(ctx context.Context, ecu types.EcuSerial, target types.Target, path string) types.InstallationResult {
	sec, ok := o.secondaries[ecu]
	if !ok {
		return types.InstallationResult{Code: types.ResultGeneralError, Description: "no transport registered for ecu"}
	}

	pack, err := o.buildMetaPack()
	if err != nil {
		return types.InstallationResult{Code: types.ResultGeneralError, Description: "failed to assemble metadata: " + err.Error()}
	}
	if accepted, err := sec.PutMetadata(ctx, pack); err != nil || !accepted {
		return types.InstallationResult{Code: types.ResultVerificationFailed, Description: "secondary rejected metadata"}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return types.InstallationResult{Code: types.ResultGeneralError, Description: "failed to read blob: " + err.Error()}
	}
	accepted, err := sec.SendFirmware(ctx, data)
	if err != nil {
		return types.InstallationResult{Code: types.ResultInstallFailed, Description: err.Error()}
	}
	if !accepted {
		return types.InstallationResult{Code: types.ResultInstallFailed, Description: "secondary reported install failure"}
	}
	return types.InstallationResult{Code: types.ResultOk, Description: "installed via secondary transport"}
}

// buildMetaPack assembles the metadata bundle a Secondary needs to
// verify an update on its own, read straight from the trust store
// rather than re-fetched.
func (o *Orchestrator) buildMetaPack() (secondary.MetaPack, error) {
	imageRoot, err := o.readMeta(types.RepoImage, types.Role{Kind: types.RoleRoot})
	if err != nil {
		return secondary.MetaPack{}, err
	}
	imageTargets, err := o.readMeta(types.RepoImage, types.Role{Kind: types.RoleTargets})
	if err != nil {
		return secondary.MetaPack{}, err
	}
	imageSnapshot, err := o.readMeta(types.RepoImage, types.Role{Kind: types.RoleSnapshot})
	if err != nil {
		return secondary.MetaPack{}, err
	}
	imageTimestamp, err := o.readMeta(types.RepoImage, types.Role{Kind: types.RoleTimestamp})
	if err != nil {
		return secondary.MetaPack{}, err
	}
	directorRoot, err := o.readMeta(types.RepoDirector, types.Role{Kind: types.RoleRoot})
	if err != nil {
		return secondary.MetaPack{}, err
	}
	directorTargets, err := o.readMeta(types.RepoDirector, types.Role{Kind: types.RoleTargets})
	if err != nil {
		return secondary.MetaPack{}, err
	}

	return secondary.MetaPack{
		ImageRoot:       imageRoot,
		ImageTargets:    imageTargets,
		ImageSnapshot:   imageSnapshot,
		ImageTimestamp:  imageTimestamp,
		DirectorRoot:    directorRoot,
		DirectorTargets: directorTargets,
	}, nil
}

func (o *Orchestrator) readMeta(repo types.RepositoryId, role types.Role) ([]byte, error) {
	_, raw, err := o.store.GetMeta(repo, role)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
