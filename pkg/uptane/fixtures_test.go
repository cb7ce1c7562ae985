package uptane

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/uptane-agent/pkg/store"
	"github.com/cuemby/uptane-agent/pkg/types"
)

// memStore is a minimal in-memory store.Store used to exercise the
// verifier without BoltDB.
type memMetaRecord struct {
	Version types.Version
	Raw     []byte
}

type memStore struct {
	mu         sync.Mutex
	meta       map[string]memMetaRecord
	keys       map[string]map[types.KeyId]types.PublicKey
	installed  map[string][]types.InstalledVersion
	ecus       map[types.EcuSerial]store.EcuRecord
	provision  store.ProvisioningRecord
	hasProvis  bool
	targetFile map[string]store.TargetFileRecord
}

func newMemStore() *memStore {
	return &memStore{
		meta:       make(map[string]memMetaRecord),
		keys:       make(map[string]map[types.KeyId]types.PublicKey),
		installed:  make(map[string][]types.InstalledVersion),
		ecus:       make(map[types.EcuSerial]store.EcuRecord),
		targetFile: make(map[string]store.TargetFileRecord),
	}
}

func metaStrKey(repo types.RepositoryId, role types.Role) string {
	return string(repo) + "/" + role.String()
}

func (m *memStore) PutMeta(repo types.RepositoryId, role types.Role, version types.Version, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[metaStrKey(repo, role)] = memMetaRecord{Version: version, Raw: raw}
	return nil
}

func (m *memStore) GetMeta(repo types.RepositoryId, role types.Role) (types.Version, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.meta[metaStrKey(repo, role)]
	if !ok {
		return 0, nil, nil
	}
	return rec.Version, rec.Raw, nil
}

func (m *memStore) ClearNonRootMeta(repo types.RepositoryId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rootKey := metaStrKey(repo, types.Role{Kind: types.RoleRoot})
	prefix := string(repo) + "/"
	for k := range m.meta {
		if k == rootKey {
			continue
		}
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.meta, k)
		}
	}
	return nil
}

func (m *memStore) PutECU(serial types.EcuSerial, hwid types.HardwareIdentifier, isPrimary bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ecus[serial] = store.EcuRecord{Serial: serial, HWID: hwid, IsPrimary: isPrimary}
	return nil
}

func (m *memStore) GetECU(serial types.EcuSerial) (types.HardwareIdentifier, bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.ecus[serial]
	return rec.HWID, rec.IsPrimary, ok, nil
}

func (m *memStore) ListECUs() ([]store.EcuRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.EcuRecord, 0, len(m.ecus))
	for _, rec := range m.ecus {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStore) PutInstalledVersion(iv types.InstalledVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(iv.Ecu)
	var kept []types.InstalledVersion
	for _, existing := range m.installed[key] {
		if existing.Mode != iv.Mode {
			kept = append(kept, existing)
		}
	}
	m.installed[key] = append(kept, iv)
	return nil
}

func (m *memStore) GetCurrentInstalledVersion(serial types.EcuSerial) (types.InstalledVersion, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, iv := range m.installed[string(serial)] {
		if iv.Mode == types.InstallModeCurrent {
			return iv, true, nil
		}
	}
	return types.InstalledVersion{}, false, nil
}

func (m *memStore) ListInstalledVersions(serial types.EcuSerial) ([]types.InstalledVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.InstalledVersion(nil), m.installed[string(serial)]...), nil
}

func (m *memStore) PutKeys(role types.Role, keys map[types.KeyId]types.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[role.String()] = keys
	return nil
}

func (m *memStore) GetKeys(role types.Role) (map[types.KeyId]types.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[role.String()], nil
}

func (m *memStore) PutProvisioning(rec store.ProvisioningRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provision = rec
	m.hasProvis = true
	return nil
}

func (m *memStore) GetProvisioning() (store.ProvisioningRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provision, m.hasProvis, nil
}

func (m *memStore) PutTargetFile(hash types.Hash, length int64, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targetFile[hash.Hex] = store.TargetFileRecord{Hash: hash, Length: length, Path: path}
	return nil
}

func (m *memStore) GetTargetFile(hash types.Hash) (store.TargetFileRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.targetFile[hash.Hex]
	return rec, ok, nil
}

func (m *memStore) Close() error { return nil }

// --- signed fixture construction ---

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
	return map[string]interface{}{
		"keyid":  keyID,
		"method": "ed25519",
		"sig":    hex.EncodeToString(sig),
	}
}

func envelopeBytes(signed json.RawMessage, sigs ...map[string]interface{}) []byte {
	out, err := json.Marshal(map[string]interface{}{
		"signed":     signed,
		"signatures": sigs,
	})
	if err != nil {
		panic(err)
	}
	return out
}

func futureExpiry() string {
	return time.Now().Add(365 * 24 * time.Hour).UTC().Format(time.RFC3339)
}

func pastExpiry() string {
	return time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339)
}

// buildRoot constructs a signed Root body at the given version, signed
// by signer, declaring one key per role.
func buildRoot(version int, expires string, rootKey, timestampKey, snapshotKey, targetsKey testKey, signer testKey) []byte {
	signedBody := map[string]interface{}{
		"_type":   "Root",
		"version": version,
		"expires": expires,
		"keys": map[string]interface{}{
			rootKey.id:      rootKey.wireKey(),
			timestampKey.id: timestampKey.wireKey(),
			snapshotKey.id:  snapshotKey.wireKey(),
			targetsKey.id:   targetsKey.wireKey(),
		},
		"roles": map[string]interface{}{
			"root":      map[string]interface{}{"threshold": 1, "keyids": []string{rootKey.id}},
			"timestamp": map[string]interface{}{"threshold": 1, "keyids": []string{timestampKey.id}},
			"snapshot":  map[string]interface{}{"threshold": 1, "keyids": []string{snapshotKey.id}},
			"targets":   map[string]interface{}{"threshold": 1, "keyids": []string{targetsKey.id}},
		},
	}
	raw, err := json.Marshal(signedBody)
	if err != nil {
		panic(err)
	}
	return envelopeBytes(raw, sign(signer.priv, signer.id, raw))
}

func buildTimestamp(version int, expires string, snapVersion int, snapHashAlg, snapHashHex string, signer testKey) []byte {
	signedBody := map[string]interface{}{
		"_type":   "Timestamp",
		"version": version,
		"expires": expires,
		"meta": map[string]interface{}{
			"snapshot.json": map[string]interface{}{
				"version": snapVersion,
				"hashes":  map[string]string{snapHashAlg: snapHashHex},
			},
		},
	}
	raw, _ := json.Marshal(signedBody)
	return envelopeBytes(raw, sign(signer.priv, signer.id, raw))
}

func buildSnapshot(version int, expires string, targetsVersion int, signer testKey) []byte {
	signedBody := map[string]interface{}{
		"_type":   "Snapshot",
		"version": version,
		"expires": expires,
		"meta": map[string]interface{}{
			"targets.json": map[string]interface{}{"version": targetsVersion},
		},
	}
	raw, _ := json.Marshal(signedBody)
	return envelopeBytes(raw, sign(signer.priv, signer.id, raw))
}

type fixtureTarget struct {
	filename string
	length   int64
	sha256   string
	ecus     map[string]string
}

func buildTargets(version int, expires string, targets []fixtureTarget, signer testKey) []byte {
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
		"expires": expires,
		"targets": wireTargets,
	}
	raw, _ := json.Marshal(signedBody)
	return envelopeBytes(raw, sign(signer.priv, signer.id, raw))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
