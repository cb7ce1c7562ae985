package orchestrator

import (
	"context"

	"github.com/cuemby/uptane-agent/pkg/events"
	"github.com/cuemby/uptane-agent/pkg/reconcile"
	"github.com/cuemby/uptane-agent/pkg/types"
)

// CheckUpdates refreshes both repositories' metadata and reconciles
// the Director's assignments against the Image repository and the
// device's ECU registry. A repository whose Timestamp is unchanged
// this cycle still contributes its last-accepted Targets tree via the
// trust store, so an unchanged Image repository never blocks a
// Director-only update.
func (o *Orchestrator) CheckUpdates(ctx context.Context) (CheckResult, error) {
	dirChanged, dirTargets, _, err := o.director.UpdateMeta(ctx, o.verifier)
	if err != nil {
		return o.failCheck(err)
	}
	if !dirChanged {
		dirTargets, err = o.verifier.LoadStoredTargets(types.RepoDirector, "targets")
		if err != nil {
			result := CheckResult{Outcome: NoUpdatesAvailable}
			o.bus.Publish(&events.Event{Type: events.EventUpdateCheckComplete, Payload: result})
			return result, nil
		}
	}

	imgChanged, imgTargets, imgSnap, err := o.image.UpdateMeta(ctx, o.verifier)
	if err != nil {
		return o.failCheck(err)
	}

	var lookup reconcile.ImageLookup
	if imgChanged {
		lookup = func(filename string) (types.Target, bool, error) {
			return o.verifier.ResolveImageTarget(filename, imgTargets, imgSnap, o.image.FetchDelegated(ctx))
		}
	} else {
		storedImgTargets, err := o.verifier.LoadStoredTargets(types.RepoImage, "targets")
		if err != nil {
			return o.failCheck(err)
		}
		lookup = func(filename string) (types.Target, bool, error) {
			return o.verifier.ResolveStoredImageTarget(filename, storedImgTargets)
		}
	}

	ecus, err := o.store.ListECUs()
	if err != nil {
		return o.failCheck(err)
	}

	installed := make(map[types.EcuSerial]types.InstalledVersion, len(ecus))
	for _, e := range ecus {
		if cur, found, err := o.store.GetCurrentInstalledVersion(e.Serial); err == nil && found {
			installed[e.Serial] = cur
		}
	}

	plan, err := reconcile.Reconcile(dirTargets.Targets, ecus, installed, lookup)
	if err != nil {
		return o.failCheck(err)
	}

	for _, s := range plan.Skipped {
		o.logger.Debug().Str("ecu", string(s.Ecu)).Str("target", s.Target.Filename).Str("reason", s.Reason).Msg("target skipped during reconciliation")
	}

	result := CheckResult{Outcome: NoUpdatesAvailable}
	if len(plan.Assignments) > 0 {
		result.Outcome = UpdatesAvailable
		result.Targets = make([]TargetAssignment, 0, len(plan.Assignments))
		for _, a := range plan.Assignments {
			result.Targets = append(result.Targets, TargetAssignment{Ecu: a.Ecu, Target: a.Target})
		}
	}
	o.bus.Publish(&events.Event{Type: events.EventUpdateCheckComplete, Payload: result})
	return result, nil
}

func (o *Orchestrator) failCheck(err error) (CheckResult, error) {
	result := CheckResult{Outcome: CheckError, Err: err}
	o.bus.Publish(&events.Event{Type: events.EventUpdateCheckComplete, Payload: result})
	return result, err
}
