package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/screenpact/internal/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.etcd.io/bbolt"
)

const (
	sumCacheSize = 512
	sumCacheTTL  = 30 * time.Second
)

type recordStore struct {
	db *bbolt.DB

	// sumCache serves the range sums the tracker asks for every polling
	// tick. Entries are keyed with a per-(owner, package) generation that
	// is bumped on insert, so stale sums are never returned.
	sumCache *expirable.LRU[string, time.Duration]
	genMu    sync.Mutex
	gens     map[string]uint64
}

func newRecordStore(db *bbolt.DB) *recordStore {
	return &recordStore{
		db:       db,
		sumCache: expirable.NewLRU[string, time.Duration](sumCacheSize, nil, sumCacheTTL),
		gens:     make(map[string]uint64),
	}
}

func (s *recordStore) generation(ownerID, pkg string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.gens[ownerID+"\x00"+pkg]
}

func (s *recordStore) bumpGeneration(ownerID, pkg string) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.gens[ownerID+"\x00"+pkg]++
}

// packageKey orders records of one owner and package by interval start.
// Layout: owner \x00 package \x00 startNanos(8) id(8).
func packageKey(ownerID, pkg string, start time.Time, id uint64) []byte {
	key := make([]byte, 0, len(ownerID)+len(pkg)+18)
	key = append(key, ownerID...)
	key = append(key, 0)
	key = append(key, pkg...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, uint64(start.UnixNano()))
	key = binary.BigEndian.AppendUint64(key, id)
	return key
}

// unuploadedKey orders pending records of one owner by interval start.
// Layout: owner \x00 startNanos(8) id(8).
func unuploadedKey(ownerID string, start time.Time, id uint64) []byte {
	key := make([]byte, 0, len(ownerID)+17)
	key = append(key, ownerID...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, uint64(start.UnixNano()))
	key = binary.BigEndian.AppendUint64(key, id)
	return key
}

func idKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, id)
}

// InsertRecords appends records in a single transaction and assigns IDs.
func (s *recordStore) InsertRecords(ctx context.Context, records []storage.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		recs := tx.Bucket([]byte(bucketRecords))
		byPkg := tx.Bucket([]byte(bucketByPackage))
		pending := tx.Bucket([]byte(bucketUnuploaded))

		for i := range records {
			id, err := recs.NextSequence()
			if err != nil {
				return fmt.Errorf("next record id: %w", err)
			}
			records[i].ID = id

			data, err := json.Marshal(records[i])
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}

			if err := recs.Put(idKey(id), data); err != nil {
				return err
			}

			rec := records[i]
			if err := byPkg.Put(packageKey(rec.OwnerID, rec.Package, rec.IntervalStart, id), idKey(id)); err != nil {
				return err
			}

			if !rec.Uploaded {
				if err := pending.Put(unuploadedKey(rec.OwnerID, rec.IntervalStart, id), idKey(id)); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, rec := range records {
		s.bumpGeneration(rec.OwnerID, rec.Package)
	}
	return nil
}

// SumDuration returns the total duration of records overlapping [start, end).
func (s *recordStore) SumDuration(ctx context.Context, ownerID, pkg string, start, end time.Time) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	gen := s.generation(ownerID, pkg)
	cacheKey := fmt.Sprintf("%s\x00%s\x00%d\x00%d\x00%d", ownerID, pkg, gen, start.UnixNano(), end.UnixNano())
	if cached, ok := s.sumCache.Get(cacheKey); ok {
		return cached, nil
	}

	var total time.Duration

	prefix := make([]byte, 0, len(ownerID)+len(pkg)+2)
	prefix = append(prefix, ownerID...)
	prefix = append(prefix, 0)
	prefix = append(prefix, pkg...)
	prefix = append(prefix, 0)

	// Keys past this point start at or after the window end and cannot
	// overlap it.
	limit := append(append([]byte{}, prefix...), binary.BigEndian.AppendUint64(nil, uint64(end.UnixNano()))...)

	err := s.db.View(func(tx *bbolt.Tx) error {
		byPkg := tx.Bucket([]byte(bucketByPackage))
		recs := tx.Bucket([]byte(bucketRecords))

		c := byPkg.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) && bytes.Compare(k, limit) < 0; k, v = c.Next() {
			data := recs.Get(v)
			if data == nil {
				continue
			}

			var rec storage.UsageRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("unmarshal record: %w", err)
			}

			if rec.IntervalStart.Before(end) && rec.IntervalEnd.After(start) {
				total += time.Duration(rec.Duration) * time.Millisecond
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.sumCache.Add(cacheKey, total)
	return total, nil
}

// FetchUnuploaded returns up to limit pending records ordered by time.
func (s *recordStore) FetchUnuploaded(ctx context.Context, ownerID string, limit int) ([]storage.UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := append([]byte(ownerID), 0)
	records := make([]storage.UsageRecord, 0, limit)

	err := s.db.View(func(tx *bbolt.Tx) error {
		pending := tx.Bucket([]byte(bucketUnuploaded))
		recs := tx.Bucket([]byte(bucketRecords))

		c := pending.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if len(records) >= limit {
				break
			}

			data := recs.Get(v)
			if data == nil {
				continue
			}

			var rec storage.UsageRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("unmarshal record: %w", err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// MarkUploaded flips the uploaded flag and drops the pending index entries,
// all in one transaction.
func (s *recordStore) MarkUploaded(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		recs := tx.Bucket([]byte(bucketRecords))
		pending := tx.Bucket([]byte(bucketUnuploaded))

		for _, id := range ids {
			data := recs.Get(idKey(id))
			if data == nil {
				return fmt.Errorf("record %d: %w", id, storage.ErrNotFound)
			}

			var rec storage.UsageRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("unmarshal record %d: %w", id, err)
			}

			rec.Uploaded = true
			updated, err := json.Marshal(rec)
			if err != nil {
				return err
			}

			if err := recs.Put(idKey(id), updated); err != nil {
				return err
			}
			if err := pending.Delete(unuploadedKey(rec.OwnerID, rec.IntervalStart, id)); err != nil {
				return err
			}
		}
		return nil
	})
}
