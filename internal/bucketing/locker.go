package bucketing

import "sync"

// Locker is a fixed pool of mutexes selected by key hash. Operations on the
// same key serialise; unrelated keys contend only when they share a stripe.
type Locker struct {
	manager *Manager
	stripes []sync.Mutex
}

func NewLocker(manager *Manager, stripes int) *Locker {
	if stripes <= 0 {
		stripes = 1
	}
	return &Locker{
		manager: manager,
		stripes: make([]sync.Mutex, stripes),
	}
}

// Lock acquires the stripe for key and returns its release func.
func (l *Locker) Lock(key string) func() {
	mu := &l.stripes[l.manager.Bucket(key, len(l.stripes))]
	mu.Lock()
	return mu.Unlock
}

// WithLock runs fn while holding key's stripe.
func (l *Locker) WithLock(key string, fn func() error) error {
	unlock := l.Lock(key)
	defer unlock()
	return fn()
}
