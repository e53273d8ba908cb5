package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when a key is absent or expired
	ErrNotFound = errors.New("storage: key not found")

	// ErrUnavailable marks a backend that could not serve the call (timeout, connection refused)
	ErrUnavailable = errors.New("storage: backend unavailable")

	// ErrClosed is returned by backends after Close
	ErrClosed = errors.New("storage: backend closed")
)

// KV is the key-value half of the backend contract
type KV interface {
	// Get returns the stored value or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key. A ttl <= 0 never expires.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutIfAbsent atomically stores value unless key already holds one.
	// It returns the value that ends up stored and whether this call created it.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, bool, error)
}

// Log is the append-only half of the backend contract
type Log interface {
	// Append adds record to the end of stream and returns its id
	Append(ctx context.Context, stream string, record []byte) (string, error)

	// Query returns the records of stream accepted by match, in append order.
	// A nil match returns every record.
	Query(ctx context.Context, stream string, match func([]byte) bool) ([][]byte, error)
}

// Backend is a storage substrate usable by the registry and the event store
type Backend interface {
	KV
	Log

	// Clear removes every key and stream owned by the backend in one step
	Clear(ctx context.Context) error

	// Name identifies the substrate in logs and metrics
	Name() string

	Close() error
}

// IsUnavailable reports whether err means the backend could not serve the call.
// ErrNotFound and caller cancellation are answers, not outages.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func matchAll(match func([]byte) bool) func([]byte) bool {
	if match == nil {
		return func([]byte) bool { return true }
	}
	return match
}

func expiry(ttl time.Duration, now time.Time) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(deadline time.Time, now time.Time) bool {
	return !deadline.IsZero() && !now.Before(deadline)
}
