// Package api composes the ID generator, secret store, rate limiter,
// blacklist, and circuit breakers into the four operations an external
// transport exposes: Create, Read, Validate, Health. It knows nothing
// about HTTP; callers supply an already-extracted client IP and already
// structurally-validated request shape (see validate.ValidateRequest),
// so this package is reusable behind any transport.
package api

import (
	"context"
	"encoding/base64"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/7and1/volatile/breaker"
	"github.com/7and1/volatile/dedup"
	"github.com/7and1/volatile/ratelimit"
	"github.com/7and1/volatile/secret"
)

const (
	// MaxEncryptedLen bounds the ciphertext field, independent of C8's
	// generic request-body size cap.
	MaxEncryptedLen = 1_400_000
	// DefaultTTL is used when a Create request omits ttl.
	DefaultTTL = 24 * time.Hour
	// maxCreateCollisionRetries bounds how many fresh ids Create will try
	// before giving up with ID_GENERATION_FAILED.
	maxCreateCollisionRetries = 5
)

var idFormat = regexp.MustCompile(`^[A-Za-z0-9]{8,64}$`)

// Blacklist is the subset of *blacklist.List the API surface needs.
type Blacklist interface {
	IsBlacklisted(ip string) (bool, string)
}

// RateLimiter is the subset of *ratelimit.Limiter the API surface needs.
type RateLimiter interface {
	Allow(ctx context.Context, operation, ip string) (ratelimit.Decision, error)
	BreakerState() breaker.State
}

// SecretStore is the subset of *secret.Store the API surface needs.
type SecretStore interface {
	Create(id, encrypted, iv string, ttlMillis int64) error
	Read(id string) (encrypted, iv string, err error)
	Validate(id string) (secret.ValidateResult, error)
}

// IDGenerator produces candidate secret ids. idgen.New satisfies this.
type IDGenerator func() (string, error)

// Deps are the composed dependencies a Service is built from.
type Deps struct {
	Blacklist   Blacklist
	RateLimiter RateLimiter
	Secrets     SecretStore
	IDGen       IDGenerator
	Clock       Clock
	Logger      *zerolog.Logger
}

// Clock provides the current time in ms since epoch, overridable for tests.
type Clock interface{ NowMillis() int64 }

type systemClock struct{}

func (systemClock) NowMillis() int64 { return time.Now().UnixMilli() }

// Service is the API surface (C9). Construct with New.
type Service struct {
	deps Deps

	cellBreaker     *breaker.Breaker[ReadResult]
	validateBreaker *breaker.Breaker[secret.ValidateResult]
	validateDedup   dedup.Group[string, secret.ValidateResult]

	startedAt time.Time

	create opCounters
	read   opCounters
}

// New constructs a Service. Deps.Clock defaults to the system clock if nil.
func New(deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	return &Service{
		deps:            deps,
		cellBreaker:     breaker.New[ReadResult](breaker.Options{Name: "secret-cell-read", Logger: deps.Logger}),
		validateBreaker: breaker.New[secret.ValidateResult](breaker.Options{Name: "secret-cell-validate", Logger: deps.Logger}),
		startedAt:       time.Now(),
	}
}

// CreateResult is returned on a successful Create.
type CreateResult struct {
	ID        string
	ExpiresAt int64 // ms since epoch
}

// Create runs the blacklist and rate-limit gates, validates the
// ciphertext/iv/ttl fields, then allocates an id and stores the payload,
// retrying on the rare id collision.
func (s *Service) Create(ctx context.Context, ip, encrypted, iv string, ttlMillis *int64) (CreateResult, error) {
	s.create.recordAttempt()
	res, err := s.create_(ctx, ip, encrypted, iv, ttlMillis)
	if err != nil {
		s.create.recordFailure()
		return CreateResult{}, err
	}
	s.create.recordSuccess()
	return res, nil
}

func (s *Service) create_(ctx context.Context, ip, encrypted, iv string, ttlMillis *int64) (CreateResult, error) {
	if err := s.gate(ctx, "create", ip); err != nil {
		return CreateResult{}, err
	}

	if encrypted == "" || iv == "" {
		return CreateResult{}, ErrMissingFields
	}
	if !isBase64URL(encrypted) || !isBase64URL(iv) {
		return CreateResult{}, ErrInvalidEncoding
	}
	if len(encrypted) > MaxEncryptedLen {
		return CreateResult{}, ErrSecretTooLarge
	}
	ivRaw, err := base64.RawURLEncoding.DecodeString(iv)
	if err != nil || len(ivRaw) != secret.IVDecodedLen {
		return CreateResult{}, ErrInvalidIVLength
	}

	ttl := DefaultTTL.Milliseconds()
	if ttlMillis != nil {
		ttl = clamp(*ttlMillis, secret.MinTTLMillis, secret.MaxTTLMillis)
	}

	for attempt := 0; attempt < maxCreateCollisionRetries; attempt++ {
		id, err := s.deps.IDGen()
		if err != nil {
			return CreateResult{}, ErrIDGenerationFailed
		}
		err = s.deps.Secrets.Create(id, encrypted, iv, ttl)
		if err == nil {
			return CreateResult{ID: id, ExpiresAt: s.deps.Clock.NowMillis() + ttl}, nil
		}
		if err != secret.ErrIDCollision {
			return CreateResult{}, ErrStoreFailed
		}
	}
	return CreateResult{}, ErrIDGenerationFailed
}

// ReadResult is Read's breaker-wrapped value type.
type ReadResult struct {
	Encrypted string
	IV        string
}

// Read validates the id shape, runs the blacklist/rate-limit gates, then
// performs the atomic burn-read. Unlike Validate, Read must never
// coalesce concurrent calls for the same id through dedup: that would
// hand every caller the same winner's payload, disclosing the secret to
// more than one reader. Each call reaches the cell independently; the
// cell's own per-cell mutex (secret/store.go) is the single point of
// truth for single-winner semantics — exactly one caller observes ok,
// every other concurrent caller observes not_found.
func (s *Service) Read(ctx context.Context, ip, id string) (ReadResult, error) {
	s.read.recordAttempt()
	res, err := s.read_(ctx, ip, id)
	if err != nil {
		s.read.recordFailure()
		return ReadResult{}, err
	}
	s.read.recordSuccess()
	return res, nil
}

func (s *Service) read_(ctx context.Context, ip, id string) (ReadResult, error) {
	if err := s.gate(ctx, "read", ip); err != nil {
		return ReadResult{}, err
	}
	if !idFormat.MatchString(id) {
		return ReadResult{}, ErrInvalidID
	}

	// A missing or expired cell is an answer from a healthy store, not a
	// dependency failure, so it is carried out of the breaker as a success
	// and does not count toward opening it.
	var lookupErr error
	res, err := s.cellBreaker.Execute(ctx, func(ctx context.Context) (ReadResult, error) {
		enc, iv, err := s.deps.Secrets.Read(id)
		if err == secret.ErrNotFound || err == secret.ErrExpired {
			lookupErr = err
			return ReadResult{}, nil
		}
		if err != nil {
			return ReadResult{}, err
		}
		return ReadResult{Encrypted: enc, IV: iv}, nil
	})
	if err == nil && lookupErr != nil {
		err = lookupErr
	}
	if err != nil {
		return ReadResult{}, translateCellErr(err)
	}
	return res, nil
}

// ValidateResult is returned on a successful Validate.
type ValidateResult struct {
	Status    string
	CreatedAt int64
	ExpiresAt int64
	TTL       int64
}

// Validate is Read's non-destructive counterpart: same gates and id
// check, its own breaker instance, and it never burns the cell. Because Validate never
// returns the secret payload itself — only createdAt/expiresAt/ttl
// metadata identical for every concurrent caller — concurrent Validate
// calls for the same id are safely coalesced through dedup, unlike Read.
func (s *Service) Validate(ctx context.Context, ip, id string) (ValidateResult, error) {
	if err := s.gate(ctx, "read", ip); err != nil {
		return ValidateResult{}, err
	}
	if !idFormat.MatchString(id) {
		return ValidateResult{}, ErrInvalidID
	}

	r, err := s.validateDedup.Deduplicate(ctx, id, func() (secret.ValidateResult, error) {
		return s.validateBreaker.Execute(ctx, func(ctx context.Context) (secret.ValidateResult, error) {
			return s.deps.Secrets.Validate(id)
		})
	})
	if err != nil {
		return ValidateResult{}, translateCellErr(err)
	}
	return ValidateResult{Status: "ready", CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt, TTL: r.TTL}, nil
}

// HealthReport is the Health operation's result.
type HealthReport struct {
	Uptime time.Duration
	Breakers struct {
		SecretRead     breaker.State
		SecretValidate breaker.State
		RateLimiter    breaker.State
	}
	Create OpStats
	Read   OpStats
}

// Health reports uptime, every dependency circuit breaker's state, and
// lifetime create/read counters. It performs no gating of its own: health
// checks are meant to stay reachable even while other operations are
// being rate-limited or blacklisted.
func (s *Service) Health(ctx context.Context) HealthReport {
	var r HealthReport
	r.Uptime = time.Since(s.startedAt)
	r.Breakers.SecretRead = s.cellBreaker.State()
	r.Breakers.SecretValidate = s.validateBreaker.State()
	r.Breakers.RateLimiter = s.deps.RateLimiter.BreakerState()
	r.Create = s.create.snapshot()
	r.Read = s.read.snapshot()
	return r
}

type rateLimitObserverKey struct{}

// WithRateLimitObserver attaches fn to ctx; gate calls it with the
// Decision it obtained from the rate limiter, whenever one was obtained
// (not on a blacklist short-circuit). This lets a transport surface
// X-RateLimit-* response headers without the Service itself knowing
// anything about HTTP headers.
func WithRateLimitObserver(ctx context.Context, fn func(ratelimit.Decision)) context.Context {
	return context.WithValue(ctx, rateLimitObserverKey{}, fn)
}

func (s *Service) gate(ctx context.Context, operation, ip string) error {
	if banned, _ := s.deps.Blacklist.IsBlacklisted(ip); banned {
		return ErrBlacklisted
	}
	decision, err := s.deps.RateLimiter.Allow(ctx, operation, ip)
	if err != nil {
		return ErrServiceUnavailable
	}
	if fn, ok := ctx.Value(rateLimitObserverKey{}).(func(ratelimit.Decision)); ok {
		fn(decision)
	}
	if !decision.Allowed {
		return ErrRateLimited
	}
	return nil
}

func translateCellErr(err error) error {
	switch err {
	case secret.ErrNotFound:
		return ErrSecretNotFound
	case secret.ErrExpired:
		return ErrExpired
	case breaker.ErrOpen, breaker.ErrTimeout:
		return ErrServiceUnavailable
	default:
		return ErrStoreFailed
	}
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func isBase64URL(s string) bool {
	_, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil
}
