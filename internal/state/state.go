// Package state holds the engine's only shared mutable data: the rate
// limiter's per-fingerprint counters and the repeat-click seen-set.
// Both live behind Store so a single process can use process memory
// while a distributed deployment swaps in redis; the contract is the
// same either way, concurrent updates lose nothing.
package state

import (
	"context"
	"time"
)

// Store is a concurrency-safe keyed counter and seen-set. Keys are
// fingerprints, which embed the link ID, so different links never
// contend.
type Store interface {
	// Incr adds one hit to the key's current fixed window and returns
	// the count including this hit. A fresh key starts a window that
	// expires after the given duration.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)

	// SeenOnce records the key in the seen-set and reports whether it
	// was already present within the horizon. The first caller for a
	// key gets false, every later caller true.
	SeenOnce(ctx context.Context, key string, horizon time.Duration) (bool, error)

	Close() error
}
