// Package secret implements burn-after-reading secret cells: per-ID
// single-slot state machines holding one encrypted payload with atomic
// read-and-delete semantics and a TTL deletion alarm.
package secret

import (
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

// Minimum and maximum TTL, inclusive, in milliseconds.
const (
	MinTTLMillis int64 = 300_000
	MaxTTLMillis int64 = 604_800_000
)

// IVDecodedLen is the required decoded length, in bytes, of the IV field.
const IVDecodedLen = 12

var (
	// ErrIDCollision is returned by Create when the ID is already occupied.
	ErrIDCollision = errors.New("secret: id collision")
	// ErrNotFound is returned by Read/Validate for an empty or already-burned cell.
	ErrNotFound = errors.New("secret: not found")
	// ErrExpired is returned by Read/Validate when the TTL has elapsed.
	ErrExpired = errors.New("secret: expired")
	// ErrInvalidTTL is returned by Create when ttl is outside [MinTTLMillis, MaxTTLMillis].
	ErrInvalidTTL = errors.New("secret: ttl out of range")
	// ErrEmptyField is returned by Create for a blank encrypted/iv field.
	ErrEmptyField = errors.New("secret: empty field")
	// ErrInvalidEncoding is returned by Create when a field is not valid base64url.
	ErrInvalidEncoding = errors.New("secret: invalid base64url encoding")
	// ErrInvalidIVLength is returned by Create when iv does not decode to 12 bytes.
	ErrInvalidIVLength = errors.New("secret: iv must decode to 12 bytes")
)

// Clock provides time in UnixNano; overridable for deterministic tests.
// Shape matches cache.Clock (see cache/options.go) by convention.
type Clock interface{ NowUnixNano() int64 }

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// Timer is the handle returned by Scheduler.AfterFunc.
type Timer interface{ Stop() bool }

// Scheduler schedules a one-shot callback after a duration. The default
// implementation wraps time.AfterFunc; tests may substitute a fake that
// lets the alarm be fired manually instead of waiting on a real clock.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Metrics receives lifecycle counters. A nil Metrics is valid; Store checks
// before every call.
type Metrics interface {
	Created()
	Burned()
	Expired()
	Collision()
}

type state int

const (
	stateOccupied state = iota
	stateBurned
	stateExpired
)

type cell struct {
	mu        sync.Mutex
	state     state
	encrypted string
	iv        string
	createdAt int64 // ms since epoch
	expiresAt int64 // ms since epoch
	timer     Timer
}

// ValidateResult is the non-destructive snapshot returned by Store.Validate.
type ValidateResult struct {
	CreatedAt int64 // ms since epoch
	ExpiresAt int64 // ms since epoch
	TTL       int64 // ms remaining, expiresAt - now
}

// Store holds all resident secret cells, keyed by ID. It is process-wide
// and safe for concurrent use; the map mutex only ever guards creation and
// deletion of map entries, never the payload transaction itself, which is
// serialized by each cell's own mutex (see spec.md §5, "per-ID singletons").
type Store struct {
	mu    sync.Mutex
	cells map[string]*cell

	clock     Clock
	scheduler Scheduler
	metrics   Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(c Clock) Option { return func(s *Store) { s.clock = c } }

// WithScheduler overrides the alarm scheduler (tests).
func WithScheduler(sch Scheduler) Option { return func(s *Store) { s.scheduler = sch } }

// WithMetrics attaches a lifecycle-counter sink.
func WithMetrics(m Metrics) Option { return func(s *Store) { s.metrics = m } }

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		cells:     make(map[string]*cell),
		clock:     systemClock{},
		scheduler: realScheduler{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) now() int64 { return s.clock.NowUnixNano() / int64(time.Millisecond) }

// Create stores encrypted/iv under id with the given TTL (milliseconds).
// Preconditions (non-empty, base64url-valid, 12-byte IV, TTL range) are
// enforced here so every caller gets the same validation regardless of
// transport. Two concurrent Create calls for the same id race exactly
// once: the loser observes ErrIDCollision.
func (s *Store) Create(id, encrypted, iv string, ttlMillis int64) error {
	if encrypted == "" || iv == "" {
		return ErrEmptyField
	}
	if !isBase64URL(encrypted) || !isBase64URL(iv) {
		return ErrInvalidEncoding
	}
	ivRaw, err := base64.RawURLEncoding.DecodeString(iv)
	if err != nil || len(ivRaw) != IVDecodedLen {
		return ErrInvalidIVLength
	}
	if ttlMillis < MinTTLMillis || ttlMillis > MaxTTLMillis {
		return ErrInvalidTTL
	}

	s.mu.Lock()
	c, exists := s.cells[id]
	if !exists {
		c = &cell{}
		s.cells[id] = c
	}
	s.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if exists {
		// The map slot already had a cell for this id: either still
		// occupied (genuine collision) or terminal-but-not-yet-reaped.
		// Both report collision; the spec never reuses ids within a
		// process lifetime so this path is exercised only by concurrent
		// racers targeting the same freshly generated id.
		s.metricCollision()
		return ErrIDCollision
	}

	now := s.now()
	c.state = stateOccupied
	c.encrypted = encrypted
	c.iv = iv
	c.createdAt = now
	c.expiresAt = now + ttlMillis
	c.timer = s.scheduler.AfterFunc(time.Duration(ttlMillis)*time.Millisecond, func() { s.alarm(id) })
	s.metricCreated()
	return nil
}

// Read atomically returns and deletes the payload for id. At most one
// Read call in a cell's lifetime returns successfully.
func (s *Store) Read(id string) (encrypted, iv string, err error) {
	s.mu.Lock()
	c, exists := s.cells[id]
	s.mu.Unlock()
	if !exists {
		return "", "", ErrNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateBurned, stateExpired:
		return "", "", ErrNotFound
	}

	if s.now() > c.expiresAt {
		c.state = stateExpired
		s.stopTimerLocked(c)
		s.deleteEntry(id)
		s.metricExpired()
		return "", "", ErrExpired
	}

	encrypted, iv = c.encrypted, c.iv
	c.state = stateBurned
	s.stopTimerLocked(c)
	s.deleteEntry(id)
	s.metricBurned()
	return encrypted, iv, nil
}

// Validate non-destructively reports a cell's status, deleting it only if
// found expired (idempotent with the TTL alarm).
func (s *Store) Validate(id string) (ValidateResult, error) {
	s.mu.Lock()
	c, exists := s.cells[id]
	s.mu.Unlock()
	if !exists {
		return ValidateResult{}, ErrNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateBurned, stateExpired:
		return ValidateResult{}, ErrNotFound
	}

	now := s.now()
	if now > c.expiresAt {
		c.state = stateExpired
		s.stopTimerLocked(c)
		s.deleteEntry(id)
		s.metricExpired()
		return ValidateResult{}, ErrExpired
	}

	return ValidateResult{CreatedAt: c.createdAt, ExpiresAt: c.expiresAt, TTL: c.expiresAt - now}, nil
}

// alarm unconditionally removes any current payload for id. Firing after
// the cell was already burned or expired by a Read/Validate race is a
// documented no-op.
func (s *Store) alarm(id string) {
	s.mu.Lock()
	c, exists := s.cells[id]
	s.mu.Unlock()
	if !exists {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateOccupied {
		return
	}
	c.state = stateExpired
	s.deleteEntry(id)
	s.metricExpired()
}

// deleteEntry removes id from the map. Caller must hold c.mu for the
// corresponding cell (not s.mu) to keep the locking order consistent with
// Read/Validate/Create/alarm.
func (s *Store) deleteEntry(id string) {
	s.mu.Lock()
	delete(s.cells, id)
	s.mu.Unlock()
}

// stopTimerLocked best-effort cancels c's alarm. Caller must hold c.mu.
func (s *Store) stopTimerLocked(c *cell) {
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (s *Store) metricCreated() {
	if s.metrics != nil {
		s.metrics.Created()
	}
}

func (s *Store) metricBurned() {
	if s.metrics != nil {
		s.metrics.Burned()
	}
}

func (s *Store) metricExpired() {
	if s.metrics != nil {
		s.metrics.Expired()
	}
}

func (s *Store) metricCollision() {
	if s.metrics != nil {
		s.metrics.Collision()
	}
}

func isBase64URL(s string) bool {
	_, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil
}
