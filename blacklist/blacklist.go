// Package blacklist tracks temporarily banned IPs: an authoritative
// in-memory map with lazy and scheduled pruning, fronted by a 2Q-policy
// cache (see github.com/7and1/volatile/cache) for hot lookups, and an
// optional non-authoritative Backend for cross-restart persistence.
package blacklist

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/7and1/volatile/cache"
	"github.com/7and1/volatile/policy/twoq"
)

// MaxSize triggers an eager sweep once the authoritative map grows past it.
const MaxSize = 1000

// CleanupInterval bounds how often a time-triggered sweep may run.
const CleanupInterval = 5 * time.Minute

// DefaultKVSyncInterval is how often RunSync pushes the authoritative map
// to an optional persistent Backend.
const DefaultKVSyncInterval = 60 * time.Second

// DefaultBanDuration is applied by callers that don't pick their own TTL
// (kept here since it's the spec default, not because this package enforces it).
const DefaultBanDuration = 24 * time.Hour

// Entry describes one active ban.
type Entry struct {
	Until  time.Time
	Reason string
}

func (e Entry) expired(now time.Time) bool { return !now.Before(e.Until) }

// Clock provides time.Now, overridable for deterministic tests.
type Clock interface{ Now() time.Time }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Backend persists bans outside the process. It is explicitly
// non-authoritative: in-memory state always wins, and backend errors are
// logged and swallowed rather than surfaced to callers.
type Backend interface {
	SaveAll(ctx context.Context, entries map[string]Entry) error
	LoadAll(ctx context.Context) (map[string]Entry, error)
}

// List is the blacklist itself. Zero value is not usable; construct with New.
type List struct {
	mu   sync.RWMutex
	bans map[string]Entry

	hot cache.Cache[string, Entry]

	clock      Clock
	lastSweep  time.Time
	lastSweepMu sync.Mutex

	backend Backend
	logger  *zerolog.Logger
}

// Option configures a List.
type Option func(*List)

func WithClock(c Clock) Option          { return func(l *List) { l.clock = c } }
func WithBackend(b Backend) Option      { return func(l *List) { l.backend = b } }
func WithLogger(log *zerolog.Logger) Option { return func(l *List) { l.logger = log } }

// New constructs an empty List. The hot cache uses the 2Q policy so a
// burst of repeated lookups against a small set of abusive IPs doesn't
// evict entries a plain LRU would thrash on single-scan traffic.
func New(opts ...Option) *List {
	l := &List{
		bans:  make(map[string]Entry),
		clock: systemClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	// The shard count is fixed so the 2Q queue sizes can be given per
	// shard, which is what twoq.New takes.
	const hotShards = 8
	l.hot = cache.New[string, Entry](cache.Options[string, Entry]{
		Capacity: MaxSize,
		Shards:   hotShards,
		Policy:   twoq.New[string, Entry](MaxSize/hotShards/4, MaxSize/hotShards),
	})
	l.lastSweep = l.clock.Now()
	return l
}

// IsBlacklisted reports whether ip is currently banned and, if so, why.
// A hit in the hot cache avoids touching the authoritative map's lock;
// hot-cache misses fall through to the authoritative map and repopulate
// the hot cache, mirroring the teacher's cache-aside pattern.
func (l *List) IsBlacklisted(ip string) (bool, string) {
	now := l.clock.Now()

	if e, ok := l.hot.Get(ip); ok {
		if e.expired(now) {
			l.hot.Remove(ip)
			l.removeExpiredAuthoritative(ip, now)
			return false, ""
		}
		return true, e.Reason
	}

	l.mu.RLock()
	e, ok := l.bans[ip]
	l.mu.RUnlock()
	if !ok {
		return false, ""
	}
	if e.expired(now) {
		l.removeExpiredAuthoritative(ip, now)
		return false, ""
	}
	l.hot.Set(ip, e)
	return true, e.Reason
}

// BlacklistIP bans ip for duration with the given reason. Size- and
// time-triggered sweeps run synchronously here since a ban write is
// already an uncommon, non-hot-path event.
func (l *List) BlacklistIP(ip, reason string, duration time.Duration) {
	now := l.clock.Now()
	e := Entry{Until: now.Add(duration), Reason: reason}

	l.mu.Lock()
	l.bans[ip] = e
	size := len(l.bans)
	l.mu.Unlock()

	l.hot.Set(ip, e)

	if size > MaxSize {
		l.sweep(now)
	} else {
		l.maybeTimeSweep(now)
	}
}

// maybeTimeSweep runs a sweep only if CleanupInterval has elapsed since
// the last one, matching spec.md's "at most once per interval" rule.
func (l *List) maybeTimeSweep(now time.Time) {
	l.lastSweepMu.Lock()
	due := now.Sub(l.lastSweep) >= CleanupInterval
	if due {
		l.lastSweep = now
	}
	l.lastSweepMu.Unlock()
	if due {
		l.sweep(now)
	}
}

// sweep removes every expired authoritative entry. Stale keys are
// collected under a read lock and deleted under a write lock with a
// re-check, the same two-phase shape the teacher's shard cleanup uses
// for TTL sweeps under contention.
func (l *List) sweep(now time.Time) {
	l.mu.RLock()
	stale := make([]string, 0)
	for ip, e := range l.bans {
		if e.expired(now) {
			stale = append(stale, ip)
		}
	}
	l.mu.RUnlock()

	if len(stale) == 0 {
		return
	}

	l.mu.Lock()
	for _, ip := range stale {
		if e, ok := l.bans[ip]; ok && e.expired(now) {
			delete(l.bans, ip)
		}
	}
	l.mu.Unlock()

	for _, ip := range stale {
		l.hot.Remove(ip)
	}
}

func (l *List) removeExpiredAuthoritative(ip string, now time.Time) {
	l.mu.Lock()
	if e, ok := l.bans[ip]; ok && e.expired(now) {
		delete(l.bans, ip)
	}
	l.mu.Unlock()
}

// Size returns the number of currently tracked (not necessarily
// unexpired) entries in the authoritative map.
func (l *List) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.bans)
}

// Snapshot copies the authoritative map, for backend persistence.
func (l *List) Snapshot() map[string]Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Entry, len(l.bans))
	for k, v := range l.bans {
		out[k] = v
	}
	return out
}

// LoadFromBackend hydrates the authoritative map from Backend at startup.
// A load failure is logged and otherwise ignored: the blacklist simply
// starts empty, which is safe (fail-open on bans, never fail-closed).
func (l *List) LoadFromBackend(ctx context.Context) {
	if l.backend == nil {
		return
	}
	entries, err := l.backend.LoadAll(ctx)
	if err != nil {
		l.warn(err, "blacklist: backend load failed, starting empty")
		return
	}
	now := l.clock.Now()
	l.mu.Lock()
	for ip, e := range entries {
		if !e.expired(now) {
			l.bans[ip] = e
		}
	}
	l.mu.Unlock()
}

// RunSync periodically pushes the authoritative map to Backend until ctx
// is cancelled. A single push failure is logged and retried on the next
// tick; Backend is advisory, so sync never blocks a caller of
// BlacklistIP/IsBlacklisted.
func (l *List) RunSync(ctx context.Context, interval time.Duration) {
	if l.backend == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.backend.SaveAll(ctx, l.Snapshot()); err != nil {
				l.warn(err, "blacklist: backend sync failed")
			}
		}
	}
}

func (l *List) warn(err error, msg string) {
	if l.logger != nil {
		l.logger.Warn().Err(err).Msg(msg)
	}
}
