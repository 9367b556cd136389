// Package ratelimit implements per-client sliding window limits with
// escalation to a temporary block for repeat offenders.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/credential-gateway/internal/metrics"
	"github.com/kenneth/credential-gateway/internal/store"
)

// Verdict is the outcome of an admission check.
type Verdict string

const (
	Admit    Verdict = "admit"
	Throttle Verdict = "throttle"
	Block    Verdict = "block"
)

// Reasons attached to non-admit decisions.
const (
	ReasonWindowExceeded = "window_exceeded"
	ReasonBlocked        = "blocked"
	ReasonOversized      = "oversized_request"
)

// Decision describes one admission check.
type Decision struct {
	Verdict    Verdict
	Class      Class
	RetryAfter time.Duration
	// Remaining is the number of requests left in the class window after an
	// admitted request.
	Remaining  int
	Violations int
	Reason     string
	// Escalated is set on the request that armed a block.
	Escalated bool
}

// State is the per-client record. Windows are kept per class while the block
// and violation count are shared across classes.
type State struct {
	Windows      map[Class][]time.Time `json:"windows,omitempty"`
	BlockedUntil time.Time             `json:"blocked_until,omitempty"`
	Violations   int                   `json:"violations,omitempty"`
}

func (s State) empty() bool {
	for _, w := range s.Windows {
		if len(w) > 0 {
			return false
		}
	}
	return s.BlockedUntil.IsZero() && s.Violations == 0
}

func (s State) clone() State {
	out := State{BlockedUntil: s.BlockedUntil, Violations: s.Violations}
	if len(s.Windows) > 0 {
		out.Windows = make(map[Class][]time.Time, len(s.Windows))
		for c, w := range s.Windows {
			out.Windows[c] = append([]time.Time(nil), w...)
		}
	}
	return out
}

// Limiter decides whether a client may proceed. All state transitions for a
// client happen in a single store update.
type Limiter struct {
	store   store.Store[State]
	policy  atomic.Pointer[Policy]
	clock   clock.Clock
	logger  *logrus.Logger
	metrics *metrics.Metrics

	stopOnce  sync.Once
	stopSweep chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the clock.
func WithClock(clk clock.Clock) Option {
	return func(l *Limiter) { l.clock = clk }
}

// WithMetrics records decisions in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a limiter over st.
func New(st store.Store[State], policy Policy, logger *logrus.Logger, opts ...Option) (*Limiter, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit policy: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	l := &Limiter{
		store:     st,
		clock:     clock.WallClock,
		logger:    logger,
		stopSweep: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.policy.Store(&policy)
	return l, nil
}

// Policy returns the active policy.
func (l *Limiter) Policy() Policy {
	return *l.policy.Load()
}

// UpdatePolicy swaps the policy. Existing windows are kept and evaluated
// against the new limits.
func (l *Limiter) UpdatePolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit policy: %w", err)
	}
	l.policy.Store(&p)
	l.logger.WithFields(logrus.Fields{
		"violation_threshold": p.ViolationThreshold,
		"block_duration":      p.BlockDuration,
	}).Info("Rate limit policy updated")
	return nil
}

// Admit records a request from clientID in class. bodySize is the declared
// request body size; oversized bodies are rejected before any window
// accounting.
func (l *Limiter) Admit(ctx context.Context, clientID string, class Class, bodySize int64) (Decision, error) {
	policy := l.Policy()
	limit := policy.limitFor(class)
	now := l.clock.Now()

	var d Decision
	_, _, err := l.store.Update(ctx, clientID, policy.retention(), func(cur State, _ bool) (State, bool, error) {
		st := cur.clone()
		d = Decision{Class: class}

		if !st.BlockedUntil.IsZero() && !now.Before(st.BlockedUntil) {
			st.BlockedUntil = time.Time{}
			st.Violations = 0
		}

		if !st.BlockedUntil.IsZero() {
			d.Verdict = Block
			d.Reason = ReasonBlocked
			d.RetryAfter = st.BlockedUntil.Sub(now)
			d.Violations = st.Violations
			return st, true, nil
		}

		if bodySize > policy.MaxBodyBytes {
			st.Violations++
			if until := now.Add(policy.OversizeBlockDuration); until.After(st.BlockedUntil) {
				st.BlockedUntil = until
			}
			d.Verdict = Block
			d.Reason = ReasonOversized
			d.RetryAfter = st.BlockedUntil.Sub(now)
			d.Violations = st.Violations
			d.Escalated = true
			return st, true, nil
		}

		if st.Windows == nil {
			st.Windows = make(map[Class][]time.Time)
		}
		window := prune(st.Windows[class], now.Add(-limit.Window))

		if len(window) >= limit.MaxRequests {
			st.Windows[class] = window
			st.Violations++
			d.Verdict = Throttle
			d.Reason = ReasonWindowExceeded
			d.RetryAfter = window[0].Add(limit.Window).Sub(now)
			if st.Violations >= policy.ViolationThreshold {
				st.BlockedUntil = now.Add(policy.BlockDuration)
				d.RetryAfter = policy.BlockDuration
				d.Escalated = true
			}
			d.Violations = st.Violations
			return st, true, nil
		}

		window = append(window, now)
		st.Windows[class] = window
		d.Verdict = Admit
		d.Remaining = limit.MaxRequests - len(window)
		d.Violations = st.Violations
		return st, true, nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to update rate window: %w", err)
	}

	if d.RetryAfter < 0 {
		d.RetryAfter = 0
	}
	if l.metrics != nil {
		l.metrics.RecordRateLimitDecision(string(class), string(d.Verdict))
	}
	if d.Escalated {
		l.logger.WithFields(logrus.Fields{
			"client_id":   clientID,
			"class":       class,
			"reason":      d.Reason,
			"violations":  d.Violations,
			"retry_after": d.RetryAfter,
		}).Warn("Client blocked")
	}
	return d, nil
}

// Sweep drops windows that have slid out of range and removes client records
// that are empty and unblocked. It returns the number of removed records.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	policy := l.Policy()
	now := l.clock.Now()

	var candidates []string
	err := l.store.Range(ctx, func(key string, st State) bool {
		candidates = append(candidates, key)
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan rate windows: %w", err)
	}

	removed := 0
	for _, key := range candidates {
		_, kept, err := l.store.Update(ctx, key, policy.retention(), func(cur State, exists bool) (State, bool, error) {
			if !exists {
				return cur, false, nil
			}
			st := cur.clone()
			if !st.BlockedUntil.IsZero() && !now.Before(st.BlockedUntil) {
				st.BlockedUntil = time.Time{}
				st.Violations = 0
			}
			for c, w := range st.Windows {
				w = prune(w, now.Add(-policy.limitFor(c).Window))
				if len(w) == 0 {
					delete(st.Windows, c)
					continue
				}
				st.Windows[c] = w
			}
			return st, !st.empty(), nil
		})
		if err != nil {
			return removed, fmt.Errorf("failed to sweep client %s: %w", key, err)
		}
		if !kept {
			removed++
		}
	}

	if l.metrics != nil {
		l.metrics.SetTrackedClients(len(candidates) - removed)
	}
	l.logger.WithFields(logrus.Fields{
		"removed": removed,
		"tracked": len(candidates) - removed,
	}).Debug("Rate limiter sweep completed")
	return removed, nil
}

// Start runs Sweep every interval until Stop is called.
func (l *Limiter) Start(interval time.Duration) {
	go func() {
		for {
			select {
			case <-l.clock.After(interval):
				if _, err := l.Sweep(context.Background()); err != nil {
					l.logger.WithError(err).Warn("Rate limiter sweep failed")
				}
			case <-l.stopSweep:
				return
			}
		}
	}()
}

// Stop stops the sweep goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopSweep) })
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// order so the kept ones form a suffix.
func prune(w []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(w) && !w[i].After(cutoff) {
		i++
	}
	return w[i:]
}
