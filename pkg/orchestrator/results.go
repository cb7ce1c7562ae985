package orchestrator

import "github.com/cuemby/uptane-agent/pkg/types"

// CheckOutcome discriminates the three ways a Check phase can end.
type CheckOutcome int

const (
	NoUpdatesAvailable CheckOutcome = iota
	UpdatesAvailable
	CheckError
)

// CheckResult is the payload of an UpdateCheckComplete event.
type CheckResult struct {
	Outcome CheckOutcome
	Targets []TargetAssignment
	Err     error
}

// TargetAssignment is one ECU's resolved update, carried from
// pkg/reconcile into the download/install phases.
type TargetAssignment struct {
	Ecu    types.EcuSerial
	Target types.Target
}

// DownloadProgress is the payload of a DownloadProgress event, emitted
// as a target's bytes arrive.
type DownloadProgress struct {
	Target  types.Target
	Percent int
}

// DownloadOutcome is one target's terminal download state.
type DownloadOutcome struct {
	Target  types.Target
	Success bool
	Path    string
	Err     error
}

// AllDownloadsResult is the payload of an AllDownloadsComplete event.
type AllDownloadsResult struct {
	Outcomes []DownloadOutcome
}

func (r AllDownloadsResult) SucceededTargets() map[string]string {
	out := make(map[string]string, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.Success {
			out[o.Target.Filename] = o.Path
		}
	}
	return out
}

// InstallOutcome is one ECU's terminal install state.
type InstallOutcome struct {
	Ecu     types.EcuSerial
	Target  types.Target
	Result  types.InstallationResult
	Success bool
}

// AllInstallsResult is the payload of an AllInstallsComplete event.
type AllInstallsResult struct {
	EcuReports     map[types.EcuSerial]InstallOutcome
	NeedsReboot    bool
}
