package orchestrator

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/uptane-agent/pkg/events"
	"github.com/cuemby/uptane-agent/pkg/pacman"
	"github.com/cuemby/uptane-agent/pkg/repo"
	"github.com/cuemby/uptane-agent/pkg/secondary"
	"github.com/cuemby/uptane-agent/pkg/security"
	"github.com/cuemby/uptane-agent/pkg/store"
	"github.com/cuemby/uptane-agent/pkg/types"
	"github.com/cuemby/uptane-agent/pkg/uptane"
)

// --- signed fixture construction, mirroring pkg/uptane's test helpers
// but built against the real HTTP+BoltDB path rather than a memStore,
// since these tests exercise the orchestrator end to end. ---

type testKey struct {
	id   string
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newTestKey() testKey {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	return testKey{id: hex.EncodeToString(pub)[:16], pub: pub, priv: priv}
}

func (k testKey) wireKey() map[string]interface{} {
	return map[string]interface{}{
		"keytype": "ed25519",
		"keyval":  map[string]string{"public": hex.EncodeToString(k.pub)},
	}
}

func sign(priv ed25519.PrivateKey, keyID string, signed []byte) map[string]interface{} {
	sig := ed25519.Sign(priv, signed)
	return map[string]interface{}{"keyid": keyID, "method": "ed25519", "sig": hex.EncodeToString(sig)}
}

func envelopeBytes(signed json.RawMessage, sigs ...map[string]interface{}) []byte {
	out, err := json.Marshal(map[string]interface{}{"signed": signed, "signatures": sigs})
	if err != nil {
		panic(err)
	}
	return out
}

func futureExpiry() string { return time.Now().Add(365 * 24 * time.Hour).UTC().Format(time.RFC3339) }

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type chain struct{ root, ts, snap, tgt testKey }

func newChain() chain {
	return chain{root: newTestKey(), ts: newTestKey(), snap: newTestKey(), tgt: newTestKey()}
}

type fixtureTarget struct {
	filename string
	length   int64
	sha256   string
	ecus     map[string]string
}

func buildRoot(signer chain) []byte {
	signedBody := map[string]interface{}{
		"_type":   "Root",
		"version": 1,
		"expires": futureExpiry(),
		"keys": map[string]interface{}{
			signer.root.id: signer.root.wireKey(),
			signer.ts.id:   signer.ts.wireKey(),
			signer.snap.id: signer.snap.wireKey(),
			signer.tgt.id:  signer.tgt.wireKey(),
		},
		"roles": map[string]interface{}{
			"root":      map[string]interface{}{"threshold": 1, "keyids": []string{signer.root.id}},
			"timestamp": map[string]interface{}{"threshold": 1, "keyids": []string{signer.ts.id}},
			"snapshot":  map[string]interface{}{"threshold": 1, "keyids": []string{signer.snap.id}},
			"targets":   map[string]interface{}{"threshold": 1, "keyids": []string{signer.tgt.id}},
		},
	}
	raw, err := json.Marshal(signedBody)
	if err != nil {
		panic(err)
	}
	return envelopeBytes(raw, sign(signer.root.priv, signer.root.id, raw))
}

func buildTargets(version int, targets []fixtureTarget, signer testKey) []byte {
	wireTargets := map[string]interface{}{}
	for _, t := range targets {
		entry := map[string]interface{}{
			"length": t.length,
			"hashes": map[string]string{"sha256": t.sha256},
		}
		if len(t.ecus) > 0 {
			entry["custom"] = map[string]interface{}{"ecuIdentifiers": t.ecus}
		}
		wireTargets[t.filename] = entry
	}
	signedBody := map[string]interface{}{
		"_type":   "Targets",
		"version": version,
		"expires": futureExpiry(),
		"targets": wireTargets,
	}
	raw, err := json.Marshal(signedBody)
	if err != nil {
		panic(err)
	}
	return envelopeBytes(raw, sign(signer.priv, signer.id, raw))
}

func buildSnapshot(version int, signer testKey) []byte {
	signedBody := map[string]interface{}{
		"_type":   "Snapshot",
		"version": version,
		"expires": futureExpiry(),
		"meta": map[string]interface{}{
			"targets.json": map[string]interface{}{"version": version},
		},
	}
	raw, err := json.Marshal(signedBody)
	if err != nil {
		panic(err)
	}
	return envelopeBytes(raw, sign(signer.priv, signer.id, raw))
}

func buildTimestamp(version int, snapRaw []byte, signer testKey) []byte {
	signedBody := map[string]interface{}{
		"_type":   "Timestamp",
		"version": version,
		"expires": futureExpiry(),
		"meta": map[string]interface{}{
			"snapshot.json": map[string]interface{}{
				"version": version,
				"hashes":  map[string]string{"sha256": sha256Hex(snapRaw)},
			},
		},
	}
	raw, err := json.Marshal(signedBody)
	if err != nil {
		panic(err)
	}
	return envelopeBytes(raw, sign(signer.priv, signer.id, raw))
}

// fixtureRepo bundles one repository's full signed metadata chain at a
// single version, ready to be served over HTTP.
type fixtureRepo struct {
	root, ts, snap, targets []byte
}

func buildFixtureRepo(version int, targets []fixtureTarget) (fixtureRepo, chain) {
	c := newChain()
	root := buildRoot(c)
	targetsRaw := buildTargets(version, targets, c.tgt)
	snapRaw := buildSnapshot(version, c.snap)
	tsRaw := buildTimestamp(version, snapRaw, c.ts)
	return fixtureRepo{root: root, ts: tsRaw, snap: snapRaw, targets: targetsRaw}, c
}

// newRepoServer serves one repository's metadata and, when binaries is
// non-nil, its target bodies under targets/<filename>; when
// manifestOut is non-nil, it captures a PUT /director/manifest body.
func newRepoServer(t *testing.T, meta map[string][]byte, binaries map[string][]byte, manifestOut *[]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimPrefix(r.URL.Path, "/")
		switch {
		case r.Method == http.MethodPut && p == "director/manifest":
			body, _ := io.ReadAll(r.Body)
			if manifestOut != nil {
				*manifestOut = body
			}
			w.WriteHeader(http.StatusNoContent)
		case strings.HasPrefix(p, "targets/"):
			data, ok := binaries[strings.TrimPrefix(p, "targets/")]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(data)
		default:
			raw, ok := meta[p]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(raw)
		}
	}))
}

func metaMap(fr fixtureRepo) map[string][]byte {
	return map[string][]byte{
		"1.root.json":    fr.root,
		"timestamp.json": fr.ts,
		"snapshot.json":  fr.snap,
		"targets.json":   fr.targets,
	}
}

// TestOrchestratorHappyPathCycle covers a single Primary target
// assigned, downloaded, installed, and reported.
func TestOrchestratorHappyPathCycle(t *testing.T) {
	firmware := []byte("firmware-binary-content")
	hash := sha256Hex(firmware)

	dirTargets := []fixtureTarget{{filename: "firmware.bin", length: int64(len(firmware)), sha256: hash, ecus: map[string]string{"primary-ecu": "hw-primary"}}}
	imgTargets := []fixtureTarget{{filename: "firmware.bin", length: int64(len(firmware)), sha256: hash}}

	dirRepo, _ := buildFixtureRepo(2, dirTargets)
	imgRepo, _ := buildFixtureRepo(2, imgTargets)

	var manifestBody []byte
	dirSrv := newRepoServer(t, metaMap(dirRepo), nil, &manifestBody)
	defer dirSrv.Close()
	imgSrv := newRepoServer(t, metaMap(imgRepo), map[string][]byte{"firmware.bin": firmware}, nil)
	defer imgSrv.Close()

	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	v := uptane.NewVerifier(s)
	require.NoError(t, v.InitRoot(types.RepoDirector, dirRepo.root))
	require.NoError(t, v.InitRoot(types.RepoImage, imgRepo.root))
	require.NoError(t, s.PutECU("primary-ecu", "hw-primary", true))

	km := security.NewKeyManager()
	require.NoError(t, km.GenerateUptaneKey())
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	dirClient := repo.NewClient(dirSrv.URL, types.RepoDirector)
	imgClient := repo.NewClient(imgSrv.URL, types.RepoImage)
	pm := pacman.NewFake()

	o := New(Config{Mode: ModeFull, PrimarySerial: "primary-ecu"}, s, dirClient, imgClient, v, pm, nil, bus, km, t.TempDir())

	require.NoError(t, o.Cycle(context.Background()))

	cur, found, err := s.GetCurrentInstalledVersion("primary-ecu")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "firmware.bin", cur.Target.Filename)

	require.NotEmpty(t, manifestBody)
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(manifestBody, &env))
	require.Contains(t, env, "signed")
	require.Contains(t, env, "signatures")
}

// rebootPM always reports that an install needs a reboot to complete.
type rebootPM struct{ installs int }

func (r *rebootPM) Name() string                                     { return "reboot" }
func (r *rebootPM) GetCurrent() (types.Target, bool, error)           { return types.Target{}, false, nil }
func (r *rebootPM) GetInstalledPackages() ([]types.Target, error)     { return nil, nil }
func (r *rebootPM) GetManifest(types.EcuSerial) (types.EcuManifestEntry, error) {
	return types.EcuManifestEntry{}, nil
}
func (r *rebootPM) Install(ctx context.Context, target types.Target, path string) types.InstallationResult {
	r.installs++
	return types.InstallationResult{Code: types.ResultNeedCompletion, Description: "reboot required"}
}

// TestOrchestratorNeedCompletionFinalizesAfterReboot covers an install
// that needs a reboot writing a sentinel and a Pending installed
// version; while the sentinel is present, cycles skip straight past
// Check/Download/Install; once it's cleared, the next cycle finalizes
// the Pending install via Report without re-running
// Check/Download/Install.
func TestOrchestratorNeedCompletionFinalizesAfterReboot(t *testing.T) {
	firmware := []byte("firmware-needing-reboot")
	hash := sha256Hex(firmware)
	dirTargets := []fixtureTarget{{filename: "firmware.bin", length: int64(len(firmware)), sha256: hash, ecus: map[string]string{"primary-ecu": "hw-primary"}}}
	imgTargets := []fixtureTarget{{filename: "firmware.bin", length: int64(len(firmware)), sha256: hash}}

	dirRepo, _ := buildFixtureRepo(2, dirTargets)
	imgRepo, _ := buildFixtureRepo(2, imgTargets)

	var manifestBody []byte
	dirSrv := newRepoServer(t, metaMap(dirRepo), nil, &manifestBody)
	defer dirSrv.Close()
	imgSrv := newRepoServer(t, metaMap(imgRepo), map[string][]byte{"firmware.bin": firmware}, nil)
	defer imgSrv.Close()

	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	v := uptane.NewVerifier(s)
	require.NoError(t, v.InitRoot(types.RepoDirector, dirRepo.root))
	require.NoError(t, v.InitRoot(types.RepoImage, imgRepo.root))
	require.NoError(t, s.PutECU("primary-ecu", "hw-primary", true))

	km := security.NewKeyManager()
	require.NoError(t, km.GenerateUptaneKey())
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	sentinel := filepath.Join(t.TempDir(), "reboot-required")
	pm := &rebootPM{}
	o := New(Config{Mode: ModeFull, PrimarySerial: "primary-ecu", RebootSentinelPath: sentinel},
		s, repo.NewClient(dirSrv.URL, types.RepoDirector), repo.NewClient(imgSrv.URL, types.RepoImage),
		v, pm, nil, bus, km, t.TempDir())

	require.NoError(t, o.Cycle(context.Background()))
	require.Equal(t, 1, pm.installs)
	_, err = os.Stat(sentinel)
	require.NoError(t, err, "a NeedCompletion install must write the reboot sentinel")

	versions, err := s.ListInstalledVersions("primary-ecu")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, types.InstallModePending, versions[0].Mode)

	// While the sentinel is present, a second cycle must not re-run
	// install (the package manager call count stays at 1).
	require.NoError(t, o.Cycle(context.Background()))
	require.Equal(t, 1, pm.installs)

	// Simulate the reboot completing: the sentinel is cleared.
	require.NoError(t, os.Remove(sentinel))
	manifestBody = nil
	require.NoError(t, o.Cycle(context.Background()))
	require.Equal(t, 1, pm.installs, "finalize must not re-invoke the package manager")

	cur, found, err := s.GetCurrentInstalledVersion("primary-ecu")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.InstallModeCurrent, cur.Mode)
	require.NotEmpty(t, manifestBody, "finalize must still report the completed install")
}

// failingSecondary always rejects firmware, simulating an
// unreachable or malfunctioning off-Primary ECU.
type failingSecondary struct {
	serial types.EcuSerial
	hwid   types.HardwareIdentifier
}

func (f *failingSecondary) GetSerial() (types.EcuSerial, error)              { return f.serial, nil }
func (f *failingSecondary) GetHardwareId() (types.HardwareIdentifier, error) { return f.hwid, nil }
func (f *failingSecondary) GetPublicKey() (types.PublicKey, error)           { return types.PublicKey{}, nil }
func (f *failingSecondary) PutMetadata(ctx context.Context, pack secondary.MetaPack) (bool, error) {
	return true, nil
}
func (f *failingSecondary) SendFirmware(ctx context.Context, data []byte) (bool, error) {
	return false, nil
}
func (f *failingSecondary) GetManifest(ctx context.Context) ([]byte, error) { return []byte("{}"), nil }
func (f *failingSecondary) PutRoot(ctx context.Context, repo types.RepositoryId, raw []byte) (bool, error) {
	return true, nil
}
func (f *failingSecondary) GetRootVersion(ctx context.Context, repo types.RepositoryId) (types.Version, error) {
	return 0, nil
}

// TestOrchestratorPartialSecondaryFailureToleratesAndReports covers
// two Secondaries assigned updates where one fails and the other
// succeeds; the cycle still reaches Report for both.
func TestOrchestratorPartialSecondaryFailureToleratesAndReports(t *testing.T) {
	fwA := []byte("primary-firmware")
	fwB := []byte("secondary-ok-firmware")
	fwC := []byte("secondary-fail-firmware")
	hashA, hashB, hashC := sha256Hex(fwA), sha256Hex(fwB), sha256Hex(fwC)

	dirTargets := []fixtureTarget{
		{filename: "a.bin", length: int64(len(fwA)), sha256: hashA, ecus: map[string]string{"primary-ecu": "hw-primary"}},
		{filename: "b.bin", length: int64(len(fwB)), sha256: hashB, ecus: map[string]string{"secondary-ok": "hw-ok"}},
		{filename: "c.bin", length: int64(len(fwC)), sha256: hashC, ecus: map[string]string{"secondary-fail": "hw-fail"}},
	}
	imgTargets := []fixtureTarget{
		{filename: "a.bin", length: int64(len(fwA)), sha256: hashA},
		{filename: "b.bin", length: int64(len(fwB)), sha256: hashB},
		{filename: "c.bin", length: int64(len(fwC)), sha256: hashC},
	}

	dirRepo, _ := buildFixtureRepo(2, dirTargets)
	imgRepo, _ := buildFixtureRepo(2, imgTargets)

	var manifestBody []byte
	dirSrv := newRepoServer(t, metaMap(dirRepo), nil, &manifestBody)
	defer dirSrv.Close()
	imgSrv := newRepoServer(t, metaMap(imgRepo), map[string][]byte{"a.bin": fwA, "b.bin": fwB, "c.bin": fwC}, nil)
	defer imgSrv.Close()

	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	v := uptane.NewVerifier(s)
	require.NoError(t, v.InitRoot(types.RepoDirector, dirRepo.root))
	require.NoError(t, v.InitRoot(types.RepoImage, imgRepo.root))
	require.NoError(t, s.PutECU("primary-ecu", "hw-primary", true))
	require.NoError(t, s.PutECU("secondary-ok", "hw-ok", false))
	require.NoError(t, s.PutECU("secondary-fail", "hw-fail", false))

	km := security.NewKeyManager()
	require.NoError(t, km.GenerateUptaneKey())
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	secondaries := map[types.EcuSerial]secondary.Secondary{
		"secondary-ok":   secondary.NewVirtual("secondary-ok", "hw-ok", types.PublicKey{}, t.TempDir()),
		"secondary-fail": &failingSecondary{serial: "secondary-fail", hwid: "hw-fail"},
	}

	o := New(Config{Mode: ModeFull, PrimarySerial: "primary-ecu"}, s,
		repo.NewClient(dirSrv.URL, types.RepoDirector), repo.NewClient(imgSrv.URL, types.RepoImage),
		v, pacman.NewFake(), secondaries, bus, km, t.TempDir())

	require.NoError(t, o.Cycle(context.Background()))

	_, found, err := s.GetCurrentInstalledVersion("primary-ecu")
	require.NoError(t, err)
	require.True(t, found, "primary install must succeed")

	_, found, err = s.GetCurrentInstalledVersion("secondary-ok")
	require.NoError(t, err)
	require.True(t, found, "the healthy secondary must succeed")

	_, found, err = s.GetCurrentInstalledVersion("secondary-fail")
	require.NoError(t, err)
	require.False(t, found, "the failing secondary must not record an installed version")

	require.NotEmpty(t, manifestBody, "report must still run despite a partial install failure")
}
