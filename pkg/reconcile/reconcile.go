// Package reconcile cross-checks Director-assigned Targets against
// the Image repository and the device's registered ECUs, producing
// the final per-ECU update plan the orchestrator downloads and
// installs. It performs no I/O: everything it needs is passed in
// already verified.
package reconcile

import (
	"github.com/cuemby/uptane-agent/pkg/store"
	"github.com/cuemby/uptane-agent/pkg/types"
)

// Assignment is one ECU's resolved update: the Director's Target,
// cross-verified against the Image repository's copy of the same
// artifact.
type Assignment struct {
	Ecu    types.EcuSerial
	Target types.Target
}

// Skipped explains why a Director-assigned target produced no
// Assignment.
type Skipped struct {
	Ecu    types.EcuSerial
	Target types.Target
	Reason string
}

// Plan is the reconciled result of one Check cycle.
type Plan struct {
	Assignments []Assignment
	Skipped     []Skipped
}

// ImageLookup resolves a Director-named target to its Image-repository
// counterpart, following delegations as needed. found is false if no
// such target exists anywhere in the Image repository's tree.
type ImageLookup func(filename string) (types.Target, bool, error)

// Reconcile walks the Director's top-level Targets, assigns each to
// the ECU(s) named in its custom metadata, confirms the ECU is
// registered and the hardware identifier matches, confirms the Image
// repository carries an identical artifact (same filename, agreeing
// hashes), and drops any target whose ECU already has it installed.
func Reconcile(directorTargets []types.Target, ecus []store.EcuRecord, installed map[types.EcuSerial]types.InstalledVersion, lookupImage ImageLookup) (Plan, error) {
	ecuIndex := make(map[types.EcuSerial]store.EcuRecord, len(ecus))
	for _, e := range ecus {
		ecuIndex[e.Serial] = e
	}

	var plan Plan
	for _, dt := range directorTargets {
		if len(dt.Custom.EcuIdentifiers) == 0 {
			plan.Skipped = append(plan.Skipped, Skipped{Target: dt, Reason: "no ecu assignment in custom metadata"})
			continue
		}
		for ecu, hwid := range dt.Custom.EcuIdentifiers {
			rec, known := ecuIndex[ecu]
			if !known {
				plan.Skipped = append(plan.Skipped, Skipped{Ecu: ecu, Target: dt, Reason: "unregistered ecu"})
				continue
			}
			if rec.HWID != hwid {
				plan.Skipped = append(plan.Skipped, Skipped{Ecu: ecu, Target: dt, Reason: "hardware identifier mismatch"})
				continue
			}

			imageTarget, found, err := lookupImage(dt.Filename)
			if err != nil {
				return Plan{}, err
			}
			if !found {
				plan.Skipped = append(plan.Skipped, Skipped{Ecu: ecu, Target: dt, Reason: "not present in image repository"})
				continue
			}
			if !dt.Match(imageTarget) {
				plan.Skipped = append(plan.Skipped, Skipped{Ecu: ecu, Target: dt, Reason: "director/image target mismatch"})
				continue
			}

			if cur, ok := installed[ecu]; ok && cur.Target.Match(dt) {
				plan.Skipped = append(plan.Skipped, Skipped{Ecu: ecu, Target: dt, Reason: "already installed"})
				continue
			}

			plan.Assignments = append(plan.Assignments, Assignment{Ecu: ecu, Target: dt})
		}
	}
	return plan, nil
}
