// Package bolt implements the local durable store on bbolt. Usage records
// are append-only facts with an unuploaded index consumed by the
// reconciliation engine; preferences are per-owner key-value entries.
package bolt

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goodtune/screenpact/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketRecords    = "usage_records"
	bucketByPackage  = "records_by_package"
	bucketUnuploaded = "records_unuploaded"
	bucketPrefs      = "prefs"
)

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db      *bbolt.DB
	records *recordStore
	prefs   *prefsStore
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	store.records = newRecordStore(db)
	store.prefs = &prefsStore{db: db}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			[]byte(bucketRecords),
			[]byte(bucketByPackage),
			[]byte(bucketUnuploaded),
			[]byte(bucketPrefs),
		}

		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}

		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Records returns the usage record store.
func (s *Store) Records() storage.RecordStore { return s.records }

// Prefs returns the preference store.
func (s *Store) Prefs() storage.PrefsStore { return s.prefs }
