// Package resilience implements the unified circuit-breaker + retry
// failure envelope backends execute behind: one consecutive-failure
// breaker, one jittered-exponential retry, per backend name.
package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BreakerState is the circuit breaker's discrete state.
type BreakerState string

const (
	Closed   BreakerState = "closed"
	Open     BreakerState = "open"
	HalfOpen BreakerState = "half_open"
)

// Config parameterizes a Policy's breaker threshold and retry curve.
type Config struct {
	FailureThreshold int           // consecutive failures before Open
	OpenCooldown     time.Duration // time in Open before probing HalfOpen
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	Jitter           float64 // fraction, e.g. 0.2 => +/-10%
}

// DefaultConfig is the default breaker/retry curve: 3 attempts, 1s
// initial delay, 300s max delay, 2x multiplier.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenCooldown:     30 * time.Second,
		MaxAttempts:      3,
		BaseDelay:        time.Second,
		MaxDelay:         300 * time.Second,
		Multiplier:       2.0,
		Jitter:           0.2,
	}
}

// Metrics is a point-in-time snapshot of one Policy's call counters and
// breaker history.
type Metrics struct {
	State            BreakerState
	TotalCalls       int64
	Successes        int64
	Failures         int64
	Rejected         int64 // calls turned away while Open / probing
	OpenTransitions  int64
	CloseTransitions int64
	TimeInOpen       time.Duration
}

// Policy is one backend's breaker+retry state machine.
type Policy struct {
	name                string
	cfg                 Config
	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
	nextEligibleAt      time.Time
	calls               Metrics

	openTransitions  metric.Int64Counter
	closeTransitions metric.Int64Counter
	retryAttempts    metric.Int64Counter
}

// New builds a Policy for the named backend.
func New(name string, cfg Config) *Policy {
	meter := otel.Meter("taskmesh-resilience")
	openCtr, _ := meter.Int64Counter("taskmesh_circuit_open_total")
	closeCtr, _ := meter.Int64Counter("taskmesh_circuit_closed_total")
	retryCtr, _ := meter.Int64Counter("taskmesh_retry_attempts_total")
	return &Policy{
		name:             name,
		cfg:              cfg,
		state:            Closed,
		openTransitions:  openCtr,
		closeTransitions: closeCtr,
		retryAttempts:    retryCtr,
	}
}

// State returns the breaker's current state.
func (p *Policy) State() BreakerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Allow reports whether a call may proceed right now, transitioning
// Open -> HalfOpen once the cooldown has elapsed. Only one probe may be
// in flight while HalfOpen.
func (p *Policy) Allow(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case Closed:
		return true
	case Open:
		if now.Sub(p.openedAt) >= p.cfg.OpenCooldown {
			p.state = HalfOpen
			p.probeInFlight = false
			p.calls.TimeInOpen += now.Sub(p.openedAt)
		} else {
			p.calls.Rejected++
			return false
		}
		fallthrough
	case HalfOpen:
		if p.probeInFlight {
			p.calls.Rejected++
			return false
		}
		p.probeInFlight = true
		return true
	}
	return false
}

// RecordResult updates the breaker on a call's outcome.
func (p *Policy) RecordResult(ctx context.Context, success bool, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls.TotalCalls++
	if success {
		p.calls.Successes++
		if p.state != Closed {
			p.calls.CloseTransitions++
			p.closeTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", p.name)))
		}
		p.state = Closed
		p.consecutiveFailures = 0
		p.probeInFlight = false
		return
	}

	p.calls.Failures++
	p.probeInFlight = false
	p.consecutiveFailures++
	if p.state == HalfOpen || p.consecutiveFailures >= p.cfg.FailureThreshold {
		if p.state != Open {
			p.calls.OpenTransitions++
			p.openTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", p.name)))
		}
		p.state = Open
		p.openedAt = now
	}
}

// Metrics snapshots the policy's call counters. TimeInOpen includes the
// currently-running open period, if the breaker is Open right now.
func (p *Policy) Metrics(now time.Time) Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.calls
	m.State = p.state
	if p.state == Open {
		m.TimeInOpen += now.Sub(p.openedAt)
	}
	return m
}

// NextDelay computes the effective retry delay for the given 1-based
// attempt number:
//
//	backoff   = base_delay * multiplier^(attempt-1), capped at max_delay
//	jitter    = uniform in [-Jitter/2, +Jitter/2]
//	effective = backoff * (1 + jitter)
func (p *Policy) NextDelay(attempt int) time.Duration {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          p.cfg.Multiplier,
		MaxInterval:         p.cfg.MaxDelay,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()
	if attempt < 1 {
		attempt = 1
	}
	var cur time.Duration
	for i := 0; i < attempt; i++ {
		cur = eb.NextBackOff()
	}
	if cur > p.cfg.MaxDelay {
		cur = p.cfg.MaxDelay
	}
	jitter := (rand.Float64() - 0.5) * p.cfg.Jitter
	effective := float64(cur) * (1 + jitter)
	if effective < 0 {
		effective = 0
	}
	return time.Duration(effective)
}

// MaxAttempts returns the configured retry budget.
func (p *Policy) MaxAttempts() int { return p.cfg.MaxAttempts }

// RecordAttempt increments the retry-attempt counter for observability.
func (p *Policy) RecordAttempt(ctx context.Context) {
	p.retryAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", p.name)))
}
