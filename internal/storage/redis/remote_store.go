package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// usageTTL keeps 90 days of remote usage documents.
const usageTTL = 90 * 24 * 60 * 60

func dayKey(ownerID, day string) string {
	return fmt.Sprintf("screenpact:usage:%s:%s", ownerID, day)
}

func dayIndexKey(ownerID string) string {
	return fmt.Sprintf("screenpact:usage:days:%s", ownerID)
}

func pointsKey(ownerID string) string {
	return fmt.Sprintf("screenpact:points:%s", ownerID)
}

// MergeIncrement applies all (day, package) increments of a batch in a
// single script invocation.
func (s *Store) MergeIncrement(ctx context.Context, ownerID string, days map[string]map[string]time.Duration) error {
	if len(days) == 0 {
		return nil
	}

	script := redis.NewScript(mergeUsageScript)

	keys := []string{dayIndexKey(ownerID)}
	args := []interface{}{usageTTL}

	// Deterministic ordering keeps script calls reproducible.
	dayNames := make([]string, 0, len(days))
	for day := range days {
		dayNames = append(dayNames, day)
	}
	sort.Strings(dayNames)

	for _, day := range dayNames {
		keys = append(keys, dayKey(ownerID, day))
		keyIndex := len(keys)

		packages := make([]string, 0, len(days[day]))
		for pkg := range days[day] {
			packages = append(packages, pkg)
		}
		sort.Strings(packages)

		for _, pkg := range packages {
			args = append(args, keyIndex, day, pkg, days[day][pkg].Milliseconds())
		}
	}

	if err := script.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("merge usage increment: %w", err)
	}
	return nil
}

// SetPointsBalance writes the balance as a final value.
func (s *Store) SetPointsBalance(ctx context.Context, ownerID string, balance int) error {
	if err := s.client.Set(ctx, pointsKey(ownerID), balance, 0).Err(); err != nil {
		return fmt.Errorf("set points balance: %w", err)
	}
	return nil
}

// DayUsage returns the per-package durations of one remote day document.
func (s *Store) DayUsage(ctx context.Context, ownerID, day string) (map[string]time.Duration, error) {
	data, err := s.client.HGetAll(ctx, dayKey(ownerID, day)).Result()
	if err != nil {
		return nil, fmt.Errorf("get day usage: %w", err)
	}

	usage := make(map[string]time.Duration, len(data))
	for pkg, raw := range data {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse usage for %s: %w", pkg, err)
		}
		usage[pkg] = time.Duration(millis) * time.Millisecond
	}
	return usage, nil
}
