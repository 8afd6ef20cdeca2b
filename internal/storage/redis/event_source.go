package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/screenpact/internal/events"
	"github.com/redis/go-redis/v9"
)

// eventsKey holds device transition events in a sorted set scored by unix
// milliseconds. The device agent publishes, the poller consumes.
const eventsKey = "screenpact:events"

type eventDoc struct {
	TS   int64  `json:"ts"`
	Kind string `json:"kind"`
	Pkg  string `json:"pkg"`
}

// EventSource reads transition events published by the device agent.
type EventSource struct {
	client *redis.Client
}

// Events returns the store's event source view.
func (s *Store) Events() *EventSource {
	return &EventSource{client: s.client}
}

// Query returns events in [start, end) ordered by timestamp.
func (e *EventSource) Query(ctx context.Context, start, end time.Time) ([]events.Event, error) {
	members, err := e.client.ZRangeByScore(ctx, eventsKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(start.UnixMilli(), 10),
		Max: "(" + strconv.FormatInt(end.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", events.ErrUnavailable, err)
	}

	out := make([]events.Event, 0, len(members))
	for _, member := range members {
		var doc eventDoc
		if err := json.Unmarshal([]byte(member), &doc); err != nil {
			// A malformed entry must not wedge the poller on this
			// window forever.
			continue
		}
		out = append(out, events.Event{
			Timestamp: time.UnixMilli(doc.TS).UTC(),
			Kind:      parseKind(doc.Kind),
			Package:   doc.Pkg,
		})
	}
	return out, nil
}

// Publish appends one transition event. Used by the device agent and by
// tests; the daemon itself only reads.
func (e *EventSource) Publish(ctx context.Context, ev events.Event) error {
	doc := eventDoc{
		TS:   ev.Timestamp.UnixMilli(),
		Kind: kindName(ev.Kind),
		Pkg:  ev.Package,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	return e.client.ZAdd(ctx, eventsKey, redis.Z{
		Score:  float64(doc.TS),
		Member: string(payload),
	}).Err()
}

func parseKind(name string) events.Kind {
	switch name {
	case "enter":
		return events.KindForegroundEnter
	case "exit":
		return events.KindForegroundExit
	default:
		return events.KindOther
	}
}

func kindName(kind events.Kind) string {
	switch kind {
	case events.KindForegroundEnter:
		return "enter"
	case events.KindForegroundExit:
		return "exit"
	default:
		return "other"
	}
}
