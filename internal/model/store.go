package model

import (
	"context"
	"errors"
	"time"
)

var ErrKeyNotFound = errors.New("key not found")

// WindowRequest asks for one atomic sliding-window step on Key.
// An entry recorded at e is counted at Now iff e > Now-Window.
type WindowRequest struct {
	Key    string
	Limit  int
	Window time.Duration
	Now    time.Time
	// Record admits the request into the window when there is room.
	// When false the call is a pure read.
	Record bool
}

type WindowState struct {
	Allowed bool
	// Count is the number of live entries after the step.
	Count int
	// Oldest is the earliest live entry; zero when the window is empty.
	Oldest time.Time
}

// Store is the key/value backend shared by the rate limiter, OTP manager and
// password reset tokens. Implementations must make SlidingWindow and Incr
// atomic per key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete returns how many of keys existed.
	Delete(ctx context.Context, keys ...string) (int64, error)
	// Incr applies ttl only when it creates the key.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	// SetAdd adds members to the set at key and resets its ttl.
	SetAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	// SetRemove drops members; an emptied set is deleted.
	SetRemove(ctx context.Context, key string, members ...string) error
	// SetMembers returns the members sorted; a missing key is an empty set.
	SetMembers(ctx context.Context, key string) ([]string, error)
	SlidingWindow(ctx context.Context, req WindowRequest) (*WindowState, error)
	Ping(ctx context.Context) error
	Name() string
}
