package bucketing

import (
	"hash"
	"sync"
	"time"

	"auth-core/internal/config"

	"github.com/spaolacci/murmur3"
)

// Manager maps keys onto a fixed number of buckets with murmur3.
// The same key always lands in the same bucket for a given bucket count.
type Manager struct {
	userBuckets int
	hasherPool  sync.Pool
}

type BucketAssignment struct {
	UserBucket int    `json:"user_bucket"`
	DateBucket string `json:"date_bucket"`
}

func NewManager(cfg *config.Config) *Manager {
	return NewManagerWithBuckets(cfg.Bucketing.UserBuckets)
}

func NewManagerWithBuckets(userBuckets int) *Manager {
	if userBuckets <= 0 {
		userBuckets = 1
	}
	return &Manager{
		userBuckets: userBuckets,
		hasherPool: sync.Pool{
			New: func() interface{} {
				return murmur3.New64()
			},
		},
	}
}

// UserBucket partitions per-user rows (the Scylla tables key on it).
func (m *Manager) UserBucket(userID string) int {
	return m.Bucket(userID, m.userBuckets)
}

func (m *Manager) Bucket(key string, buckets int) int {
	if buckets <= 1 {
		return 0
	}
	return int(m.Hash(key) % uint64(buckets))
}

func (m *Manager) Hash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}

// DateBucket is the UTC day used to partition analytics rows.
func (m *Manager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (m *Manager) Assignment(userID string, at time.Time) *BucketAssignment {
	return &BucketAssignment{
		UserBucket: m.UserBucket(userID),
		DateBucket: m.DateBucket(at),
	}
}

func (m *Manager) UserBuckets() int {
	return m.userBuckets
}
