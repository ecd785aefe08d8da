// Package ratelimit implements sharded fixed-window rate limiting keyed by
// (operation, client IP), with a short-TTL decision cache in front of the
// counter store, a circuit breaker guarding the counter store, and abuse
// escalation into a blacklist. Concurrent checks for the same key are not
// coalesced; each one is counted.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/7and1/volatile/breaker"
	"github.com/7and1/volatile/cache"
)

// Shards is the fixed number of counter shards, one per possible leading
// hash byte.
const Shards = 256

// Defaults mirror the spec's documented production configuration.
const (
	DefaultWindow              = time.Hour
	DefaultCreatePerWindow     = 100
	DefaultReadPerWindow       = 1000
	DefaultBanDuration         = 24 * time.Hour
	DefaultAbuseMultiplier     = 5
	decisionCacheTTL           = time.Second
	decisionCacheCapacity      = 100_000
)

// Clock provides time in UnixNano; overridable for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// Banner escalates an abusive IP. *blacklist.List satisfies this.
type Banner interface {
	BlacklistIP(ip, reason string, duration time.Duration)
	IsBlacklisted(ip string) (bool, string)
}

// Metrics observes decision outcomes. Nil-safe: the Limiter checks
// before every call, mirroring secret.Metrics' nil-safety.
type Metrics interface {
	Allowed()
	Denied()
	Banned()
}

// Decision is the outcome of a single Allow check.
type Decision struct {
	Allowed   bool
	Limit     int
	Count     int
	ResetAt   int64 // ms since epoch the current window ends
}

// Config sets per-operation limits and the shared window size.
type Config struct {
	Window          time.Duration
	CreatePerWindow int
	ReadPerWindow   int
	BanDuration     time.Duration
	// AbuseMultiplier: a window count reaching AbuseMultiplier*limit bans the IP.
	AbuseMultiplier int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:          DefaultWindow,
		CreatePerWindow: DefaultCreatePerWindow,
		ReadPerWindow:   DefaultReadPerWindow,
		BanDuration:     DefaultBanDuration,
		AbuseMultiplier: DefaultAbuseMultiplier,
	}
}

func (c Config) limitFor(operation string) int {
	if operation == "create" {
		return c.CreatePerWindow
	}
	return c.ReadPerWindow
}

// window is one fixed-window counter.
type window struct {
	mu          sync.Mutex
	windowStart int64 // ms, floor(now/windowMs)*windowMs
	count       int
}

// store is the sharded counter table: 256 shards, each a map keyed by the
// full (operation, hashed ip) composite so operations never share a
// window. Sharding by the IP hash's leading byte spreads contention the
// same way the teacher's cache shards by key hash.
type store struct {
	shards [Shards]struct {
		mu   sync.Mutex
		rows map[string]*window
	}
}

func newStore() *store {
	s := &store{}
	for i := range s.shards {
		s.shards[i].rows = make(map[string]*window)
	}
	return s
}

// increment advances key's fixed window (resetting it if now has moved
// into a new window boundary) and returns the post-increment count.
func (s *store) increment(shardIdx int, key string, now int64, windowMs int64) int {
	sh := &s.shards[shardIdx]
	sh.mu.Lock()
	w, ok := sh.rows[key]
	if !ok {
		w = &window{}
		sh.rows[key] = w
	}
	sh.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	currentStart := (now / windowMs) * windowMs
	if w.windowStart != currentStart {
		w.windowStart = currentStart
		w.count = 0
	}
	w.count++
	return w.count
}

// Limiter is the public entry point: Allow(ctx, operation, ip).
type Limiter struct {
	cfg Config

	store   *store
	decide  cache.Cache[string, Decision]
	breaker *breaker.Breaker[Decision]
	banner  Banner
	metrics Metrics
	clock   Clock
	logger  *zerolog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithConfig(cfg Config) Option          { return func(l *Limiter) { l.cfg = cfg } }
func WithClock(c Clock) Option              { return func(l *Limiter) { l.clock = c } }
func WithBanner(b Banner) Option            { return func(l *Limiter) { l.banner = b } }
func WithMetrics(m Metrics) Option          { return func(l *Limiter) { l.metrics = m } }
func WithLogger(log *zerolog.Logger) Option { return func(l *Limiter) { l.logger = log } }

// New constructs a Limiter. The decision cache and breaker are owned
// internally; both are sized for the rate limiter's own needs rather than
// reusing a caller-supplied instance, since their defaults (1s TTL, a few
// failures before opening) are specific to this component.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		cfg:   DefaultConfig(),
		store: newStore(),
		clock: systemClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.decide = cache.New[string, Decision](cache.Options[string, Decision]{
		Capacity:   decisionCacheCapacity,
		DefaultTTL: decisionCacheTTL,
		Clock:      l.clock,
	})
	l.breaker = breaker.New[Decision](breaker.Options{
		Name:   "ratelimit-store",
		Logger: l.logger,
	})
	return l
}

// shardKey hashes ip with SHA-256; the first byte selects the shard and
// the full hex digest, combined with operation, is the row key. Hashing
// the IP (rather than storing it verbatim) keeps no raw IPs resident in
// the counter table itself.
func shardKey(operation, ip string) (shardIdx int, rowKey string) {
	sum := sha256.Sum256([]byte(ip))
	shardIdx = int(sum[0])
	rowKey = operation + "|" + hex.EncodeToString(sum[:])
	return
}

// Allow records one attempt at operation by ip and reports whether it is
// within the configured window limit. On store/breaker failure the
// limiter fails open (allows the request) and logs a warning, since
// refusing traffic because the counter store is unhealthy is worse than
// temporarily under-enforcing the limit.
func (l *Limiter) Allow(ctx context.Context, operation, ip string) (Decision, error) {
	shardIdx, rowKey := shardKey(operation, ip)
	limit := l.cfg.limitFor(operation)

	if d, ok := l.decide.Get(rowKey); ok && !d.Allowed {
		// A cached deny within the last second is still a deny; no need
		// to touch the store again until the cache entry expires. Tradeoff:
		// this also caps how fast d.Count can climb toward the abuse-ban
		// threshold to once per decisionCacheTTL, not once per call.
		l.reportDecision(d)
		return d, nil
	}

	// Deliberately not coalesced through dedup: singleflight would let N
	// concurrent requests from the same IP share a single increment,
	// silently undercounting an abusive burst. Each call drives its own
	// increment; the store's per-window mutex (not a shared in-flight
	// call) is what makes concurrent increments safe.
	d, err := l.breaker.Execute(ctx, func(ctx context.Context) (Decision, error) {
		now := l.clock.NowUnixNano() / int64(time.Millisecond)
		windowMs := l.cfg.Window.Milliseconds()
		count := l.store.increment(shardIdx, rowKey, now, windowMs)
		currentStart := (now / windowMs) * windowMs
		dec := Decision{
			Allowed: count <= limit,
			Limit:   limit,
			Count:   count,
			ResetAt: currentStart + windowMs,
		}
		return dec, nil
	})
	if err != nil {
		l.warn(err, "rate limiter store unavailable, failing open")
		return Decision{Allowed: true, Limit: limit}, nil
	}

	l.decide.SetWithTTL(rowKey, d, decisionCacheTTL)
	l.reportDecision(d)

	if l.banner != nil && l.cfg.AbuseMultiplier > 0 && d.Count >= limit*l.cfg.AbuseMultiplier {
		if already, _ := l.banner.IsBlacklisted(ip); !already {
			l.banner.BlacklistIP(ip, "rate_limit_abuse", l.cfg.BanDuration)
			if l.metrics != nil {
				l.metrics.Banned()
			}
		}
	}

	return d, nil
}

func (l *Limiter) reportDecision(d Decision) {
	if l.metrics == nil {
		return
	}
	if d.Allowed {
		l.metrics.Allowed()
	} else {
		l.metrics.Denied()
	}
}

// BreakerState exposes the internal store breaker's state for health
// reporting.
func (l *Limiter) BreakerState() breaker.State { return l.breaker.State() }

func (l *Limiter) warn(err error, msg string) {
	if l.logger != nil {
		l.logger.Warn().Err(err).Msg(msg)
	}
}
