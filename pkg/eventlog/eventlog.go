// Package eventlog keeps the append-only, globally sequenced record of every
// accepted command, with secondary indexes for filtered retrieval.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"chaoskey333/pkg/kvstore"
)

const (
	eventKeyPrefix = "events:log:"
	sequenceKey    = "events:sequence"
	allIndexKey    = "events:all"
	typeIndexFmt   = "events:index:type:%s"
	actorIndexFmt  = "events:index:actor:%s"
	hourIndexFmt   = "events:hour:%s"
	hourLayout     = "2006-01-02-15"
)

// Event is immutable once appended. Sequence numbers come from one atomic
// counter and are strictly increasing per store instance.
type Event struct {
	ID        string         `json:"id"`
	Sequence  int64          `json:"sequence"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Actor     string         `json:"actor"`
	Timestamp int64          `json:"timestamp"`
}

// Filter selects events for Query. Zero values mean "no constraint".
// Results are always newest-first.
type Filter struct {
	Type    string
	Actor   string
	FromSeq int64
	ToSeq   int64
	Limit   int
}

type Log struct {
	kv  kvstore.Store
	now func() time.Time
}

func New(kv kvstore.Store) *Log {
	return &Log{kv: kv, now: time.Now}
}

// Append records one accepted command. The sequence normally comes from an
// atomic counter increment; if the counter operation fails the event still
// gets logged under a wall-clock-derived sequence. That fallback can collide
// or go backwards across instances; losing strict ordering during a counter
// outage was judged better than losing the event.
func (l *Log) Append(ctx context.Context, eventType string, payload map[string]any, actor string) (Event, error) {
	now := l.now()
	seq, err := l.kv.Incr(ctx, sequenceKey)
	if err != nil {
		seq = now.UnixMilli()
		log.Printf("eventlog sequence counter unavailable, using time-derived seq=%d err=%v", seq, err)
	}
	evt := Event{
		ID:        uuid.New().String(),
		Sequence:  seq,
		Type:      eventType,
		Payload:   payload,
		Actor:     actor,
		Timestamp: now.UnixMilli(),
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event: %w", err)
	}
	if err := l.kv.Set(ctx, eventKeyPrefix+evt.ID, string(raw), 0); err != nil {
		return Event{}, fmt.Errorf("store event: %w", err)
	}
	// Index writes are best-effort: a half-indexed event is still durable
	// under its primary key.
	l.pushIndex(ctx, allIndexKey, evt.ID)
	l.pushIndex(ctx, fmt.Sprintf(typeIndexFmt, eventType), evt.ID)
	l.pushIndex(ctx, fmt.Sprintf(actorIndexFmt, actor), evt.ID)
	l.pushIndex(ctx, fmt.Sprintf(hourIndexFmt, now.UTC().Format(hourLayout)), evt.ID)
	return evt, nil
}

func (l *Log) pushIndex(ctx context.Context, key, id string) {
	if err := l.kv.ListPush(ctx, key, id); err != nil {
		log.Printf("eventlog index push failed key=%s err=%v", key, err)
	}
}

// Query returns matching events newest-first. When both Type and Actor are
// set, the type index is scanned and the actor applied as a filter.
func (l *Log) Query(ctx context.Context, f Filter) ([]Event, error) {
	indexKey := allIndexKey
	switch {
	case f.Type != "":
		indexKey = fmt.Sprintf(typeIndexFmt, f.Type)
	case f.Actor != "":
		indexKey = fmt.Sprintf(actorIndexFmt, f.Actor)
	}
	ids, err := l.kv.ListRange(ctx, indexKey, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read event index: %w", err)
	}

	events := make([]Event, 0, len(ids))
	for _, id := range ids {
		raw, err := l.kv.Get(ctx, eventKeyPrefix+id)
		if err != nil {
			continue // pruned or lost; skip
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			continue
		}
		if f.Type != "" && evt.Type != f.Type {
			continue
		}
		if f.Actor != "" && evt.Actor != f.Actor {
			continue
		}
		if f.FromSeq > 0 && evt.Sequence < f.FromSeq {
			continue
		}
		if f.ToSeq > 0 && evt.Sequence > f.ToSeq {
			continue
		}
		events = append(events, evt)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence > events[j].Sequence })
	if f.Limit > 0 && len(events) > f.Limit {
		events = events[:f.Limit]
	}
	return events, nil
}

// Latest is the "latest N" query.
func (l *Log) Latest(ctx context.Context, n int) ([]Event, error) {
	return l.Query(ctx, Filter{Limit: n})
}

// PruneOlderThan deletes events whose hour bucket is entirely older than the
// cutoff, along with the bucket index itself. Type/actor index entries for
// pruned events are left behind; Query tolerates dangling ids.
func (l *Log) PruneOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := l.now().UTC().Add(-age)
	buckets, err := l.kv.Keys(ctx, "events:hour:*")
	if err != nil {
		return 0, fmt.Errorf("list hour buckets: %w", err)
	}
	pruned := 0
	for _, bucket := range buckets {
		stamp := bucket[len("events:hour:"):]
		ts, err := time.Parse(hourLayout, stamp)
		if err != nil || !ts.Add(time.Hour).Before(cutoff) {
			continue
		}
		ids, err := l.kv.ListRange(ctx, bucket, 0, -1)
		if err != nil {
			continue
		}
		for _, id := range ids {
			if err := l.kv.Delete(ctx, eventKeyPrefix+id); err == nil {
				pruned++
			}
		}
		_ = l.kv.Delete(ctx, bucket)
	}
	return pruned, nil
}

// Sequence returns the current value of the global counter without
// incrementing it, or 0 when unset.
func (l *Log) Sequence(ctx context.Context) int64 {
	raw, err := l.kv.Get(ctx, sequenceKey)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n
}
