package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/goodtune/screenpact/internal/storage"
	"github.com/goodtune/screenpact/internal/study"
	"go.etcd.io/bbolt"
)

const (
	keyOwnerID     = "owner_id"
	keyGoal        = "goal"
	keyCondition   = "condition"
	keyPoints      = "points"
	keyAccumulator = "accumulator"
	keyOutcome     = "settlement_outcome"
)

type prefsStore struct {
	db *bbolt.DB
}

func prefKey(ownerID, name string) []byte {
	return []byte(ownerID + "/" + name)
}

func (s *prefsStore) get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketPrefs)).Get(key)
		if v == nil {
			return storage.ErrNotFound
		}
		data = append([]byte{}, v...)
		return nil
	})
	return data, err
}

func (s *prefsStore) put(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketPrefs)).Put(key, value)
	})
}

func (s *prefsStore) getJSON(ctx context.Context, key []byte, out interface{}) error {
	data, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal pref %s: %w", key, err)
	}
	return nil
}

func (s *prefsStore) putJSON(ctx context.Context, key []byte, in interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal pref %s: %w", key, err)
	}
	return s.put(ctx, key, data)
}

func (s *prefsStore) OwnerID(ctx context.Context) (string, error) {
	data, err := s.get(ctx, []byte(keyOwnerID))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *prefsStore) SetOwnerID(ctx context.Context, id string) error {
	return s.put(ctx, []byte(keyOwnerID), []byte(id))
}

func (s *prefsStore) Goal(ctx context.Context, ownerID string) (storage.Goal, error) {
	var goal storage.Goal
	err := s.getJSON(ctx, prefKey(ownerID, keyGoal), &goal)
	return goal, err
}

func (s *prefsStore) SetGoal(ctx context.Context, ownerID string, goal storage.Goal) error {
	return s.putJSON(ctx, prefKey(ownerID, keyGoal), goal)
}

func (s *prefsStore) ClearGoal(ctx context.Context, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketPrefs)).Delete(prefKey(ownerID, keyGoal))
	})
}

func (s *prefsStore) Condition(ctx context.Context, ownerID string) (study.Condition, error) {
	var cond study.Condition
	err := s.getJSON(ctx, prefKey(ownerID, keyCondition), &cond)
	return cond, err
}

func (s *prefsStore) SetCondition(ctx context.Context, ownerID string, cond study.Condition) error {
	return s.putJSON(ctx, prefKey(ownerID, keyCondition), cond)
}

func (s *prefsStore) PointsBalance(ctx context.Context, ownerID string) (int, error) {
	data, err := s.get(ctx, prefKey(ownerID, keyPoints))
	if err != nil {
		return 0, err
	}

	balance, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("parse points balance: %w", err)
	}
	return balance, nil
}

func (s *prefsStore) SetPointsBalance(ctx context.Context, ownerID string, balance int) error {
	return s.put(ctx, prefKey(ownerID, keyPoints), []byte(strconv.Itoa(balance)))
}

func (s *prefsStore) AccumulatorSnapshot(ctx context.Context, ownerID string) (storage.AccumulatorSnapshot, error) {
	var snap storage.AccumulatorSnapshot
	err := s.getJSON(ctx, prefKey(ownerID, keyAccumulator), &snap)
	return snap, err
}

func (s *prefsStore) SetAccumulatorSnapshot(ctx context.Context, ownerID string, snap storage.AccumulatorSnapshot) error {
	return s.putJSON(ctx, prefKey(ownerID, keyAccumulator), snap)
}

func (s *prefsStore) SettlementOutcome(ctx context.Context, ownerID string) (storage.SettlementOutcome, error) {
	var out storage.SettlementOutcome
	err := s.getJSON(ctx, prefKey(ownerID, keyOutcome), &out)
	return out, err
}

func (s *prefsStore) SetSettlementOutcome(ctx context.Context, ownerID string, out storage.SettlementOutcome) error {
	return s.putJSON(ctx, prefKey(ownerID, keyOutcome), out)
}
