package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/uptane-agent/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta        = []byte("meta")
	bucketECU         = []byte("ecu")
	bucketInstalled   = []byte("installed_version")
	bucketKeys        = []byte("keys")
	bucketProvision   = []byte("provisioning")
	bucketTargetFiles = []byte("target_file")
)

const provisioningKey = "provisioning"

// BoltStore is the Store implementation backed by a single BoltDB
// file, one bucket per logical table.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the trust store database
// under dataDir and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "uptane-agent.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open trust store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketECU, bucketInstalled, bucketKeys, bucketProvision, bucketTargetFiles} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func metaKey(repo types.RepositoryId, role types.Role) []byte {
	return []byte(fmt.Sprintf("%s/%s", repo, role))
}

type metaRecord struct {
	Version types.Version
	Raw     []byte
}

func (s *BoltStore) PutMeta(repo types.RepositoryId, role types.Role, version types.Version, raw []byte) error {
	rec := metaRecord{Version: version, Raw: raw}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal meta record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.Put(metaKey(repo, role), data)
	})
}

func (s *BoltStore) GetMeta(repo types.RepositoryId, role types.Role) (types.Version, []byte, error) {
	var rec metaRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		data := b.Get(metaKey(repo, role))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get meta: %w", err)
	}
	return rec.Version, rec.Raw, nil
}

// ClearNonRootMeta deletes every stored role for repo except Root.
func (s *BoltStore) ClearNonRootMeta(repo types.RepositoryId) error {
	prefix := []byte(fmt.Sprintf("%s/", repo))
	rootKey := metaKey(repo, types.Role{Kind: types.RoleRoot})
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if string(k) == string(rootKey) {
				continue
			}
			// copy: cursor keys are only valid during the transaction
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *BoltStore) PutECU(serial types.EcuSerial, hwid types.HardwareIdentifier, isPrimary bool) error {
	rec := EcuRecord{Serial: serial, HWID: hwid, IsPrimary: isPrimary}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal ecu record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketECU).Put([]byte(serial), data)
	})
}

func (s *BoltStore) GetECU(serial types.EcuSerial) (types.HardwareIdentifier, bool, bool, error) {
	var rec EcuRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketECU).Get([]byte(serial))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return "", false, false, fmt.Errorf("failed to get ecu: %w", err)
	}
	return rec.HWID, rec.IsPrimary, found, nil
}

func (s *BoltStore) ListECUs() ([]EcuRecord, error) {
	var records []EcuRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketECU).ForEach(func(_, data []byte) error {
			var rec EcuRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list ecus: %w", err)
	}
	return records, nil
}

func installedKey(serial types.EcuSerial, mode types.InstallMode) []byte {
	return []byte(fmt.Sprintf("%s/%s", serial, mode))
}

func (s *BoltStore) PutInstalledVersion(iv types.InstalledVersion) error {
	data, err := json.Marshal(iv)
	if err != nil {
		return fmt.Errorf("failed to marshal installed version: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstalled).Put(installedKey(iv.Ecu, iv.Mode), data)
	})
}

func (s *BoltStore) GetCurrentInstalledVersion(serial types.EcuSerial) (types.InstalledVersion, bool, error) {
	var iv types.InstalledVersion
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstalled).Get(installedKey(serial, types.InstallModeCurrent))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &iv)
	})
	if err != nil {
		return types.InstalledVersion{}, false, fmt.Errorf("failed to get installed version: %w", err)
	}
	return iv, found, nil
}

func (s *BoltStore) ListInstalledVersions(serial types.EcuSerial) ([]types.InstalledVersion, error) {
	var out []types.InstalledVersion
	for _, mode := range []types.InstallMode{types.InstallModeCurrent, types.InstallModePending} {
		var iv types.InstalledVersion
		err := s.db.View(func(tx *bolt.Tx) error {
			data := tx.Bucket(bucketInstalled).Get(installedKey(serial, mode))
			if data == nil {
				return nil
			}
			if err := json.Unmarshal(data, &iv); err != nil {
				return err
			}
			out = append(out, iv)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list installed versions: %w", err)
		}
	}
	return out, nil
}

func (s *BoltStore) PutKeys(role types.Role, keys map[types.KeyId]types.PublicKey) error {
	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Put([]byte(role.String()), data)
	})
}

func (s *BoltStore) GetKeys(role types.Role) (map[types.KeyId]types.PublicKey, error) {
	keys := make(map[types.KeyId]types.PublicKey)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKeys).Get([]byte(role.String()))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &keys)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get keys: %w", err)
	}
	return keys, nil
}

func (s *BoltStore) PutProvisioning(rec ProvisioningRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal provisioning record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProvision).Put([]byte(provisioningKey), data)
	})
}

func (s *BoltStore) GetProvisioning() (ProvisioningRecord, bool, error) {
	var rec ProvisioningRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProvision).Get([]byte(provisioningKey))
		if data == nil {
			return nil
		}
		found = true
		// BoltDB data is only valid for the lifetime of the transaction;
		// json.Unmarshal copies everything it needs out of it before
		// returning, so no defensive copy is required here.
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return ProvisioningRecord{}, false, fmt.Errorf("failed to get provisioning record: %w", err)
	}
	return rec, found, nil
}

func (s *BoltStore) PutTargetFile(hash types.Hash, length int64, path string) error {
	rec := TargetFileRecord{Hash: hash, Length: length, Path: path}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal target file record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTargetFiles).Put(targetFileKey(hash), data)
	})
}

func targetFileKey(hash types.Hash) []byte {
	return []byte(string(hash.Algorithm) + ":" + hash.Hex)
}

func (s *BoltStore) GetTargetFile(hash types.Hash) (TargetFileRecord, bool, error) {
	var rec TargetFileRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTargetFiles).Get(targetFileKey(hash))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return TargetFileRecord{}, false, fmt.Errorf("failed to get target file record: %w", err)
	}
	return rec, found, nil
}
