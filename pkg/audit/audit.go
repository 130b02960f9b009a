// Package audit keeps the tamper-evident ledger of security-relevant actions.
// Unlike the event log, it is optimized for integrity verification: every
// entry commits to the hash of its predecessor, so altering or deleting any
// historical entry is detectable by recomputing the chain.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// GenesisHash is the prevHash of the first entry in a chain.
const GenesisHash = "0"

// Entry is one link of the chain. Hash covers every other field including
// PrevHash.
type Entry struct {
	Timestamp int64          `json:"timestamp"`
	Type      string         `json:"type"`
	IP        string         `json:"ip,omitempty"`
	Path      string         `json:"path,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	Hash      string         `json:"hash"`
}

// Report is the outcome of a chain verification. FailedIndex is the position
// within the checked window (oldest first) of the first bad entry, or -1.
type Report struct {
	Valid       bool   `json:"valid"`
	Checked     int    `json:"checked"`
	FailedIndex int    `json:"failedIndex"`
	Expected    string `json:"expected,omitempty"`
	Actual      string `json:"actual,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// backend persists entries in append order and never reorders them.
type backend interface {
	append(ctx context.Context, e Entry) error
	// recent returns the last n entries in append order; n <= 0 means all.
	recent(ctx context.Context, n int) ([]Entry, error)
	// lastHash returns the hash of the newest entry, or GenesisHash for an
	// empty chain.
	lastHash(ctx context.Context) (string, error)
}

// Log serializes appends through one mutex, the single-writer point for the
// chain within this process. Two processes appending to one shared backend
// can still interleave; run one writer per backend.
type Log struct {
	mu    sync.Mutex
	store backend
	last  string
	now   func() time.Time
}

func newLog(store backend) (*Log, error) {
	last, err := store.lastHash(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load audit chain head: %w", err)
	}
	return &Log{store: store, last: last, now: time.Now}, nil
}

// Append creates, hashes, and persists one entry.
func (l *Log) Append(ctx context.Context, entryType, ip, path string, details map[string]any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Timestamp: l.now().UnixMilli(),
		Type:      entryType,
		IP:        ip,
		Path:      path,
		Details:   details,
		PrevHash:  l.last,
	}
	h, err := entryHash(e)
	if err != nil {
		return Entry{}, fmt.Errorf("hash audit entry: %w", err)
	}
	e.Hash = h
	if err := l.store.append(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("append audit entry: %w", err)
	}
	l.last = e.Hash
	return e, nil
}

// Recent returns up to n entries, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]Entry, error) {
	entries, err := l.store.recent(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out, nil
}

// VerifyChain recomputes hashes over the most recent n entries (all when the
// backend holds fewer, or when n <= 0) and reports the first mismatch. The
// oldest entry in a truncated window is checked against its own stored
// PrevHash only, since its predecessor is outside the window. The file
// backend is cheap to read end to end, so it always verifies the full chain.
func (l *Log) VerifyChain(ctx context.Context, n int) (Report, error) {
	if _, ok := l.store.(*fileBackend); ok {
		n = 0
	}
	entries, err := l.store.recent(ctx, n)
	if err != nil {
		return Report{}, fmt.Errorf("load audit entries: %w", err)
	}
	rep := Report{Valid: true, Checked: len(entries), FailedIndex: -1}
	for i, e := range entries {
		if i > 0 && e.PrevHash != entries[i-1].Hash {
			rep.Valid = false
			rep.FailedIndex = i
			rep.Expected = entries[i-1].Hash
			rep.Actual = e.PrevHash
			rep.Reason = "prevHash does not match predecessor"
			return rep, nil
		}
		recomputed, err := entryHash(e)
		if err != nil {
			return Report{}, fmt.Errorf("rehash audit entry: %w", err)
		}
		if recomputed != e.Hash {
			rep.Valid = false
			rep.FailedIndex = i
			rep.Expected = recomputed
			rep.Actual = e.Hash
			rep.Reason = "stored hash does not match recomputed digest"
			return rep, nil
		}
	}
	return rep, nil
}

func entryHash(e Entry) (string, error) {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%d|%s|%s|%s|%s|%s", e.Timestamp, e.Type, e.IP, e.Path, details, e.PrevHash)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:]), nil
}
