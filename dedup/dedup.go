// Package dedup coalesces concurrent operations that share a key onto a
// single in-flight future, guarding against thundering-herd amplification
// when many callers race for the same downstream read.
package dedup

import (
	"context"

	"github.com/7and1/volatile/internal/singleflight"
)

// Group deduplicates concurrent calls for the same key K. All concurrent
// callers for a given key observe the same result value or the same error;
// the supplied thunk runs exactly once per dedup episode.
type Group[K comparable, V any] struct {
	g singleflight.Group[K, V]
}

// Deduplicate runs thunk for key if no call is already in flight; otherwise
// it waits for the in-flight call's result. The in-flight marker is removed
// as soon as thunk resolves (success or failure), regardless of how many
// followers are still waiting on it.
func (d *Group[K, V]) Deduplicate(ctx context.Context, key K, thunk func() (V, error)) (V, error) {
	return d.g.Do(ctx, key, thunk)
}

// InflightCount reports the number of keys with a call currently in flight.
func (d *Group[K, V]) InflightCount() int { return d.g.Len() }

// Clear drops all in-flight markers. Test-only: it does not cancel a
// leader's thunk, it only forgets the bookkeeping so a fresh Deduplicate
// call for the same key starts a new leader.
func (d *Group[K, V]) Clear() { d.g.Clear() }
