package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"auth-core/internal/bucketing"
	"auth-core/internal/model"
)

type entry struct {
	value     []byte
	window    []int64 // millisecond timestamps
	members   map[string]struct{}
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type shard struct {
	mu   sync.Mutex
	data map[string]*entry
}

// Store is the in-process model.Store. Keys are spread across shards by
// murmur3 and each shard has its own mutex. Expired keys are dropped lazily
// on access and in bulk by Sweep.
type Store struct {
	shards  []*shard
	buckets *bucketing.Manager
	clock   func() time.Time
}

func NewStore(buckets *bucketing.Manager, shards int) *Store {
	if shards <= 0 {
		shards = 1
	}
	s := &Store{
		shards:  make([]*shard, shards),
		buckets: buckets,
		clock:   time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{data: make(map[string]*entry)}
	}
	return s
}

// WithClock replaces the time source used for TTL checks.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) Name() string { return "memory" }

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) shardFor(key string) *shard {
	return s.shards[s.buckets.Bucket(key, len(s.shards))]
}

// live returns the entry for key or nil, removing it if expired. Caller holds sh.mu.
func (sh *shard) live(key string, now time.Time) *entry {
	e, ok := sh.data[key]
	if !ok {
		return nil
	}
	if e.expired(now) {
		delete(sh.data, key)
		return nil
	}
	return e
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.live(key, s.clock())
	if e == nil || e.value == nil {
		return nil, model.ErrKeyNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	sh.data[key] = &entry{value: v, expiresAt: expiry(s.clock(), ttl)}
	return nil
}

func (s *Store) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.clock()
	if sh.live(key, now) != nil {
		return false, nil
	}
	v := make([]byte, len(value))
	copy(v, value)
	sh.data[key] = &entry{value: v, expiresAt: expiry(now, ttl)}
	return true, nil
}

func (s *Store) Delete(_ context.Context, keys ...string) (int64, error) {
	now := s.clock()
	var removed int64
	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.Lock()
		if sh.live(key, now) != nil {
			delete(sh.data, key)
			removed++
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

func (s *Store) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.clock()
	e := sh.live(key, now)
	if e == nil {
		sh.data[key] = &entry{value: []byte("1"), expiresAt: expiry(now, ttl)}
		return 1, nil
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %s is not an integer", key)
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	now := s.clock()
	var keys []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.data {
			if e.expired(now) {
				delete(sh.data, key)
				continue
			}
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
		sh.mu.Unlock()
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) SetAdd(_ context.Context, key string, ttl time.Duration, members ...string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.clock()
	e := sh.live(key, now)
	if e == nil {
		e = &entry{members: make(map[string]struct{})}
		sh.data[key] = e
	}
	if e.members == nil {
		return fmt.Errorf("value at %s is not a set", key)
	}
	for _, m := range members {
		e.members[m] = struct{}{}
	}
	e.expiresAt = expiry(now, ttl)
	return nil
}

func (s *Store) SetRemove(_ context.Context, key string, members ...string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.live(key, s.clock())
	if e == nil || e.members == nil {
		return nil
	}
	for _, m := range members {
		delete(e.members, m)
	}
	if len(e.members) == 0 {
		delete(sh.data, key)
	}
	return nil
}

func (s *Store) SetMembers(_ context.Context, key string) ([]string, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.live(key, s.clock())
	if e == nil || e.members == nil {
		return nil, nil
	}
	out := make([]string, 0, len(e.members))
	for m := range e.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// SlidingWindow prunes, counts and optionally records under the shard lock,
// so concurrent callers on one key can never admit more than Limit entries.
func (s *Store) SlidingWindow(_ context.Context, req model.WindowRequest) (*model.WindowState, error) {
	sh := s.shardFor(req.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := req.Now
	nowMs := now.UnixMilli()
	cutoff := nowMs - req.Window.Milliseconds()

	e := sh.live(req.Key, now)
	var window []int64
	if e != nil {
		for _, ts := range e.window {
			if ts > cutoff {
				window = append(window, ts)
			}
		}
	}

	state := &model.WindowState{Allowed: len(window) < req.Limit}
	if req.Record {
		if state.Allowed {
			window = append(window, nowMs)
		}
		if len(window) == 0 {
			delete(sh.data, req.Key)
		} else {
			sh.data[req.Key] = &entry{window: window, expiresAt: now.Add(req.Window)}
		}
	}

	state.Count = len(window)
	if len(window) > 0 {
		oldest := window[0]
		for _, ts := range window[1:] {
			if ts < oldest {
				oldest = ts
			}
		}
		state.Oldest = time.UnixMilli(oldest)
	}
	return state, nil
}

// Sweep drops every expired key and reports how many went.
func (s *Store) Sweep() int {
	now := s.clock()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.data {
			if e.expired(now) {
				delete(sh.data, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.data)
		sh.mu.Unlock()
	}
	return n
}
