package orchestrator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/cuemby/uptane-agent/pkg/events"
	"github.com/cuemby/uptane-agent/pkg/types"
	"github.com/cuemby/uptane-agent/pkg/uperrors"
)

// Report assembles a signed device manifest with one entry per
// registered ECU that has an install outcome this cycle or a Current
// installed version, then PUTs it to the Director. An ECU untouched
// this cycle contributes its Current installed Target; an ECU with
// neither is left out of the manifest.
func (o *Orchestrator) Report(ctx context.Context, inst AllInstallsResult) error {
	ecus, err := o.store.ListECUs()
	if err != nil {
		return uperrors.Wrap(uperrors.StorageError, err, "failed to list ecus")
	}

	now := types.NewTimeStamp(time.Now())
	entries := make([]types.EcuManifestEntry, 0, len(ecus))
	for _, e := range ecus {
		if outcome, ok := inst.EcuReports[e.Serial]; ok {
			entries = append(entries, types.EcuManifestEntry{
				Ecu:          e.Serial,
				Installed:    outcome.Target,
				LastResult:   outcome.Result,
				ReportedTime: now,
			})
			continue
		}
		if cur, found, err := o.store.GetCurrentInstalledVersion(e.Serial); err == nil && found {
			entries = append(entries, types.EcuManifestEntry{
				Ecu:          e.Serial,
				Installed:    cur.Target,
				LastResult:   types.InstallationResult{Code: types.ResultOk, Description: "no change this cycle"},
				ReportedTime: now,
			})
		}
	}

	signedBody, err := json.Marshal(wireManifestSignedBody{
		Type:             "Manifest",
		PrimaryEcuSerial: string(o.cfg.PrimarySerial),
		Time:             now.String(),
		Ecus:             toWireEntries(entries),
	})
	if err != nil {
		return uperrors.Wrap(uperrors.ReportError, err, "failed to encode manifest body")
	}

	sig, err := o.keys.SignUptane(signedBody)
	if err != nil {
		return uperrors.Wrap(uperrors.ReportError, err, "failed to sign manifest")
	}

	raw, err := json.Marshal(wireEnvelope{
		Signed: json.RawMessage(signedBody),
		Signatures: []wireSig{{
			KeyId:  string(sig.KeyId),
			Method: sig.Method,
			Sig:    hex.EncodeToString(sig.Sig),
		}},
	})
	if err != nil {
		return uperrors.Wrap(uperrors.ReportError, err, "failed to encode manifest envelope")
	}

	if err := o.director.PutManifest(ctx, raw); err != nil {
		return err
	}

	manifest := types.Manifest{
		PrimarySerial: o.cfg.PrimarySerial,
		Entries:       entries,
		SignedJSON:    signedBody,
		Signatures:    []types.Signature{sig},
	}
	o.bus.Publish(&events.Event{Type: events.EventPutManifestComplete, Payload: manifest})
	return nil
}

type wireEnvelope struct {
	Signed     json.RawMessage `json:"signed"`
	Signatures []wireSig       `json:"signatures"`
}

type wireSig struct {
	KeyId  string `json:"keyid"`
	Method string `json:"method"`
	Sig    string `json:"sig"`
}

type wireManifestSignedBody struct {
	Type             string            `json:"_type"`
	PrimaryEcuSerial string            `json:"primary_ecu_serial"`
	Time             string            `json:"time"`
	Ecus             []wireEcuManifest `json:"ecu_version_manifests"`
}

type wireEcuManifest struct {
	Ecu        string            `json:"ecu_serial"`
	Filename   string            `json:"filename"`
	Length     int64             `json:"length"`
	Hashes     map[string]string `json:"hashes"`
	ResultCode string            `json:"result_code"`
	ResultDesc string            `json:"result_description"`
}

func toWireEntries(entries []types.EcuManifestEntry) []wireEcuManifest {
	out := make([]wireEcuManifest, 0, len(entries))
	for _, e := range entries {
		hashes := make(map[string]string, len(e.Installed.Hashes))
		for _, h := range e.Installed.Hashes {
			hashes[string(h.Algorithm)] = h.Hex
		}
		out = append(out, wireEcuManifest{
			Ecu:        string(e.Ecu),
			Filename:   e.Installed.Filename,
			Length:     e.Installed.Length,
			Hashes:     hashes,
			ResultCode: resultCodeName(e.LastResult.Code),
			ResultDesc: e.LastResult.Description,
		})
	}
	return out
}

func resultCodeName(c types.ResultCode) string {
	switch c {
	case types.ResultOk:
		return "OK"
	case types.ResultAlreadyProcessed:
		return "ALREADY_PROCESSED"
	case types.ResultVerificationFailed:
		return "VERIFICATION_FAILED"
	case types.ResultInstallFailed:
		return "INSTALL_FAILED"
	case types.ResultNeedCompletion:
		return "NEEDS_COMPLETION"
	case types.ResultDownloadFailed:
		return "DOWNLOAD_FAILED"
	default:
		return "GENERAL_ERROR"
	}
}
