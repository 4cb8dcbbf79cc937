package domain

import (
	"context"
	"time"
)

// SignalBus is the pub/sub channel used to push close-request status
// changes to interested consumers (the WebSocket hub, dashboards).
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// LockManager provides distributed locks so singleton workers (the
// reconciler) run on exactly one instance at a time. Acquire returns
// ErrLockHeld when another holder owns the key; the returned release
// function is safe to call more than once.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter throttles requests per key across all instances.
type RateLimiter interface {
	// Allow reports whether a request for key is permitted under the
	// sliding window, counting it when permitted.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
