package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"chaoskey333/pkg/kvstore"
)

const (
	chainListKey = "audit:entries"
	headKey      = "audit:head"
)

// NewKVLog opens a chain persisted in the key-value store: entries appended
// to one list, plus a head pointer for chain continuation across restarts.
func NewKVLog(kv kvstore.Store) (*Log, error) {
	return newLog(&kvBackend{kv: kv})
}

type kvBackend struct {
	kv kvstore.Store
}

func (b *kvBackend) append(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := b.kv.ListPush(ctx, chainListKey, string(raw)); err != nil {
		return err
	}
	return b.kv.Set(ctx, headKey, e.Hash, 0)
}

func (b *kvBackend) recent(ctx context.Context, n int) ([]Entry, error) {
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	raws, err := b.kv.ListRange(ctx, chainListKey, start, -1)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raws))
	for i, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (b *kvBackend) lastHash(ctx context.Context) (string, error) {
	h, err := b.kv.Get(ctx, headKey)
	if err == kvstore.ErrNotFound {
		return GenesisHash, nil
	}
	if err != nil {
		return "", err
	}
	if h == "" {
		return GenesisHash, nil
	}
	return h, nil
}
