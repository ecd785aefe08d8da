package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/7and1/volatile/breaker"
	"github.com/7and1/volatile/ratelimit"
	"github.com/7and1/volatile/secret"
)

// SecretsAdapter implements secret.Metrics and exports Prometheus counters
// for the secret cell lifecycle.
type SecretsAdapter struct {
	created    prometheus.Counter
	burned     prometheus.Counter
	expired    prometheus.Counter
	collisions prometheus.Counter
}

// NewSecrets constructs a Prometheus metrics adapter for the secret store.
func NewSecrets(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *SecretsAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &SecretsAdapter{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "created_total",
			Help: "Secrets created", ConstLabels: constLabels,
		}),
		burned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "burned_total",
			Help: "Secrets read and destroyed", ConstLabels: constLabels,
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "expired_total",
			Help: "Secrets that expired unread", ConstLabels: constLabels,
		}),
		collisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "id_collisions_total",
			Help: "ID generation collisions on create", ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.created, a.burned, a.expired, a.collisions)
	return a
}

func (a *SecretsAdapter) Created()   { a.created.Inc() }
func (a *SecretsAdapter) Burned()    { a.burned.Inc() }
func (a *SecretsAdapter) Expired()   { a.expired.Inc() }
func (a *SecretsAdapter) Collision() { a.collisions.Inc() }

// Compile-time check: ensure SecretsAdapter implements secret.Metrics.
var _ secret.Metrics = (*SecretsAdapter)(nil)

// RateLimitAdapter exports rate-limiter decision and abuse-escalation
// counters.
type RateLimitAdapter struct {
	allowed prometheus.Counter
	denied  prometheus.Counter
	banned  prometheus.Counter
}

// NewRateLimit constructs a Prometheus metrics adapter for the rate
// limiter, wired via ratelimit.WithMetrics.
func NewRateLimit(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *RateLimitAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &RateLimitAdapter{
		allowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "decisions_allowed_total",
			Help: "Rate limit decisions that allowed the request", ConstLabels: constLabels,
		}),
		denied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "decisions_denied_total",
			Help: "Rate limit decisions that denied the request", ConstLabels: constLabels,
		}),
		banned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "abuse_bans_total",
			Help: "IPs escalated to the blacklist for abusive request rates", ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.allowed, a.denied, a.banned)
	return a
}

func (a *RateLimitAdapter) Allowed() { a.allowed.Inc() }
func (a *RateLimitAdapter) Denied()  { a.denied.Inc() }
func (a *RateLimitAdapter) Banned()  { a.banned.Inc() }

// Compile-time check: ensure RateLimitAdapter implements ratelimit.Metrics.
var _ ratelimit.Metrics = (*RateLimitAdapter)(nil)

// BlacklistAdapter exports the live blacklist size as a gauge.
type BlacklistAdapter struct {
	size prometheus.Gauge
}

// NewBlacklist constructs a Prometheus gauge for blacklist size. Callers
// update it periodically (e.g. alongside blacklist.List.RunSync) since
// the blacklist has no change-notification hook of its own.
func NewBlacklist(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *BlacklistAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &BlacklistAdapter{
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "size",
			Help: "Number of banned IPs currently resident", ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.size)
	return a
}

func (a *BlacklistAdapter) Set(n int) { a.size.Set(float64(n)) }

// BreakerAdapter exports a circuit breaker's state as a gauge (0=closed,
// 1=half_open, 2=open) under a fixed "breaker" label identifying the
// instance.
type BreakerAdapter struct {
	state *prometheus.GaugeVec
}

// NewBreakers constructs a single gauge vector shared by every breaker
// instance in the process; call Report once per instance per scrape tick,
// or wire it behind a periodic collector.
func NewBreakers(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *BreakerAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &BreakerAdapter{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns, Subsystem: sub, Name: "breaker_state",
				Help:        "Circuit breaker state (0=closed, 1=half_open, 2=open)",
				ConstLabels: constLabels,
			},
			[]string{"breaker"},
		),
	}
	reg.MustRegister(a.state)
	return a
}

// Report records one breaker instance's current state under name.
func (a *BreakerAdapter) Report(name string, s breaker.State) {
	var v float64
	switch s {
	case breaker.Closed:
		v = 0
	case breaker.HalfOpen:
		v = 1
	case breaker.Open:
		v = 2
	}
	a.state.WithLabelValues(name).Set(v)
}
