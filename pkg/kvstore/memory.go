package kvstore

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process implementation used when no Redis address is
// configured and as the test double. TTL handling matches Redis closely
// enough for the command core's needs: expired keys read as missing, Incr
// creates at 1, SetNX is atomic under the store mutex.
type MemoryStore struct {
	mu    sync.Mutex
	kv    map[string]memEntry
	lists map[string]*memList
	now   func() time.Time
}

type memEntry struct {
	value  string
	expiry time.Time // zero means no expiry
}

type memList struct {
	items  []string
	expiry time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:    make(map[string]memEntry),
		lists: make(map[string]*memList),
		now:   time.Now,
	}
}

// SetClock overrides the time source. Test hook for window expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) expired(exp time.Time) bool {
	return !exp.IsZero() && !s.now().Before(exp)
}

func (s *MemoryStore) liveEntry(key string) (memEntry, bool) {
	e, ok := s.kv[key]
	if !ok || s.expired(e.expiry) {
		delete(s.kv, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveEntry(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = memEntry{value: value, expiry: s.expiryFor(ttl)}
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveEntry(key); ok {
		return false, nil
	}
	s.kv[key] = memEntry{value: value, expiry: s.expiryFor(ttl)}
	return true, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if e, ok := s.liveEntry(key); ok {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	exp := time.Time{}
	if e, ok := s.kv[key]; ok {
		exp = e.expiry
	}
	s.kv[key] = memEntry{value: strconv.FormatInt(n, 10), expiry: exp}
	return n, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.liveEntry(key); ok {
		e.expiry = s.expiryFor(ttl)
		s.kv[key] = e
	}
	if l, ok := s.lists[key]; ok && !s.expired(l.expiry) {
		l.expiry = s.expiryFor(ttl)
	}
	return nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveEntry(key)
	if !ok {
		return -2 * time.Second, nil
	}
	if e.expiry.IsZero() {
		return -1 * time.Second, nil
	}
	return e.expiry.Sub(s.now()), nil
}

func (s *MemoryStore) ListPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[key]
	if !ok || s.expired(l.expiry) {
		l = &memList{}
		s.lists[key] = l
	}
	l.items = append(l.items, values...)
	return nil
}

func (s *MemoryStore) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[key]
	if !ok || s.expired(l.expiry) {
		return nil, nil
	}
	n := int64(len(l.items))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l.items[start:stop+1])
	return out, nil
}

func (s *MemoryStore) ListLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[key]
	if !ok || s.expired(l.expiry) {
		return 0, nil
	}
	return int64(len(l.items)), nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.kv, k)
		delete(s.lists, k)
	}
	return nil
}

// Keys supports the only pattern shape the core uses: a literal prefix
// followed by "*".
func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range s.kv {
		if _, ok := s.liveEntry(k); !ok {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	for k, l := range s.lists {
		if s.expired(l.expiry) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}
