// Package retry makes single backend actions resilient to transient failure
// with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"coverloop/internal/logging"
	"coverloop/internal/mcp"
	"coverloop/internal/telemetry"
	"coverloop/internal/types"
)

// Policy configures one call site.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt. Zero disables retry.
	MaxRetries int `yaml:"max_retries" json:"maxRetries"`

	// RetryDelay is the wait before the first retry.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retryDelay"`

	// BackoffMultiplier grows the delay per retry (2.0 doubles it).
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoffMultiplier"`

	// MaxRetryDelay caps any single delay. Zero means uncapped.
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"maxRetryDelay"`
}

// DefaultPolicy does not retry; retry must be opted into.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        0,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2,
		MaxRetryDelay:     10 * time.Second,
	}
}

// Delay returns the wait after failed attempt number attempt (1-based):
// min(RetryDelay * BackoffMultiplier^(attempt-1), MaxRetryDelay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.RetryDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxRetryDelay > 0 && d > float64(p.MaxRetryDelay) {
		return p.MaxRetryDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Attempt is the per-attempt telemetry record. It is logged, not stored.
type Attempt struct {
	Action     string
	Number     int
	MaxRetries int
	Delay      time.Duration
	Outcome    string
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// DefaultSleep is a real-time, cancellable wait.
func DefaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BeforeRetryFunc runs after a failed attempt and before the backoff wait.
// Callers use it to re-handshake on session loss; the wrapper itself never
// touches the session.
type BeforeRetryFunc func(ctx context.Context, err error)

// Wrapper applies a Policy to actions. It is safe to share.
type Wrapper struct {
	policy      Policy
	sleep       SleepFunc
	metrics     *telemetry.Metrics
	beforeRetry BeforeRetryFunc
	snapshots   *snapshotter
}

// Option configures a Wrapper.
type Option func(*Wrapper)

// WithSleep replaces the backoff wait (tests).
func WithSleep(sleep SleepFunc) Option {
	return func(w *Wrapper) { w.sleep = sleep }
}

// WithMetrics records call telemetry in Prometheus.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(w *Wrapper) { w.metrics = m }
}

// WithBeforeRetry installs a hook run between a failed attempt and the next one.
func WithBeforeRetry(fn BeforeRetryFunc) Option {
	return func(w *Wrapper) { w.beforeRetry = fn }
}

// New creates a wrapper for policy.
func New(policy Policy, opts ...Option) *Wrapper {
	w := &Wrapper{policy: policy, sleep: DefaultSleep}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Policy returns the wrapper's policy.
func (w *Wrapper) Policy() Policy {
	return w.policy
}

// WithPolicy returns a copy of w using p, for per-call-site tuning.
func (w *Wrapper) WithPolicy(p Policy) *Wrapper {
	cp := *w
	cp.policy = p
	return &cp
}

// Run is Do for actions without a result.
func (w *Wrapper) Run(ctx context.Context, label string, action func(ctx context.Context) error) error {
	_, err := Do(ctx, w, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, action(ctx)
	})
	return err
}

// Do runs action, retrying failures per the wrapper's policy. The first
// attempt runs immediately. Validation errors are returned without retry. Once MaxRetries+1 attempts have failed the last
// error is returned unchanged so callers can match on the root cause.
func Do[T any](ctx context.Context, w *Wrapper, label string, action func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	p := w.policy
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	log := logging.Get(logging.CategoryRetry)

	attempt := 1
	for {
		v, err := action(ctx)
		if err == nil {
			log.Debug("%s attempt %d/%d succeeded", label, attempt, maxRetries+1)
			w.record(label, attempt, maxRetries, true)
			return v, nil
		}

		if types.IsValidation(err) {
			log.Warn("%s rejected: %v", label, err)
			w.record(label, attempt, maxRetries, false)
			return zero, err
		}

		w.snapshots.capture(ctx, label, err)

		if attempt >= maxRetries+1 {
			log.Warn("%s failed after %d attempt(s): %v", label, attempt, err)
			w.record(label, attempt, maxRetries, false)
			return zero, err
		}

		delay := p.Delay(attempt)
		a := Attempt{Action: label, Number: attempt, MaxRetries: maxRetries, Delay: delay, Outcome: "retry"}
		log.Info("%s attempt %d/%d failed (%v), retrying in %v", a.Action, a.Number, a.MaxRetries+1, err, a.Delay)

		if w.beforeRetry != nil {
			w.beforeRetry(ctx, err)
		}
		w.metrics.ObserveDelay(delay.Seconds())
		if serr := w.sleep(ctx, delay); serr != nil {
			w.record(label, attempt, maxRetries, false)
			return zero, serr
		}
		attempt++
	}
}

// record logs the one-per-call telemetry record.
func (w *Wrapper) record(label string, attempts, maxRetries int, success bool) {
	logging.Get(logging.CategoryRetry).StructuredLog("info", "retry telemetry", map[string]interface{}{
		"action":     label,
		"attempts":   attempts,
		"maxRetries": maxRetries,
		"success":    success,
	})
	w.metrics.ObserveRetry(label, attempts, success)
}

// IsSessionLost reports whether err means the backend session is gone, as
// opposed to an ordinary action failure such as a missing element.
func IsSessionLost(err error) bool {
	if err == nil {
		return false
	}
	var lost *mcp.SessionLostError
	if errors.As(err, &lost) {
		return true
	}
	return mcp.MatchesSessionLoss(err.Error())
}
