// Package health tracks upstream provider failures and gates calls with a
// per-provider circuit breaker.
package health

import (
	"slices"
	"sync"
	"time"

	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/infrastructure/clock"
)

const (
	DefaultThreshold = 3
	DefaultCooldown  = 5 * time.Minute
)

type circuit struct {
	failures   int
	open       bool
	trialing   bool
	retryAfter time.Time
	lastReason string
}

// Monitor is safe for concurrent use; the failure counter and deadline of a
// provider are always read and written under the same lock.
type Monitor struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
}

func NewMonitor(threshold int, cooldown time.Duration, clk clock.Clock) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clk,
	}
}

func (m *Monitor) get(provider string) *circuit {
	c, ok := m.circuits[provider]
	if !ok {
		c = &circuit{}
		m.circuits[provider] = c
	}
	return c
}

// CanCall reports whether a call to provider may be attempted. Once the
// cool-down has elapsed the circuit closes and exactly one trial call is
// allowed until its outcome is recorded or it is abandoned.
func (m *Monitor) CanCall(provider string) bool {
	_, ok := m.admit(provider)
	return ok
}

func (m *Monitor) admit(provider string) (trial, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(provider)
	if c.trialing {
		return false, false
	}
	if !c.open {
		return false, true
	}
	if !m.clock.Now().After(c.retryAfter) {
		return false, false
	}

	c.open = false
	c.failures = 0
	c.trialing = true
	return true, true
}

// Begin admits one call and returns the ticket its outcome is reported on.
// A nil Monitor admits every call.
func (m *Monitor) Begin(provider string) (*Ticket, bool) {
	if m == nil {
		return nil, true
	}
	trial, ok := m.admit(provider)
	if !ok {
		return nil, false
	}
	return &Ticket{monitor: m, provider: provider, trial: trial}, true
}

// Abandon releases a trial call that ended without an outcome, such as a
// cancelled context. The circuit stays half-open and the next caller gets
// the trial.
func (m *Monitor) Abandon(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.circuits[provider]
	if !ok || !c.trialing {
		return
	}
	c.trialing = false
	c.open = true
	c.retryAfter = time.Time{}
}

func (m *Monitor) RecordSuccess(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(provider)
	c.failures = 0
	c.open = false
	c.trialing = false
	c.retryAfter = time.Time{}
}

// RecordFailure counts a failed call. A failed trial reopens the circuit
// immediately with a fresh deadline.
func (m *Monitor) RecordFailure(provider, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(provider)
	c.lastReason = reason
	if c.trialing {
		c.trialing = false
		m.trip(c)
		return
	}

	c.failures++
	if c.failures >= m.threshold {
		m.trip(c)
	}
}

func (m *Monitor) trip(c *circuit) {
	c.open = true
	c.retryAfter = m.clock.Now().Add(m.cooldown)
}

// State returns a snapshot of a provider's circuit. Unknown providers read
// as closed and are not added to the monitor.
func (m *Monitor) State(provider string) domain.CircuitState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := domain.CircuitState{Provider: provider}
	if c, ok := m.circuits[provider]; ok {
		state.Failures = c.failures
		state.Open = c.open
		state.RetryAfter = c.retryAfter
		state.LastReason = c.lastReason
	}
	return state
}

// States returns snapshots for every provider seen so far, ordered by name.
func (m *Monitor) States() []domain.CircuitState {
	m.mu.Lock()
	names := make([]string, 0, len(m.circuits))
	for name := range m.circuits {
		names = append(names, name)
	}
	m.mu.Unlock()
	slices.Sort(names)

	out := make([]domain.CircuitState, 0, len(names))
	for _, name := range names {
		out = append(out, m.State(name))
	}
	return out
}

// Ticket reports the outcome of one admitted call. The first report wins;
// later ones are ignored, so Abandon is safe to defer. A nil Ticket is a no-op.
type Ticket struct {
	monitor  *Monitor
	provider string
	trial    bool
	done     bool
}

func (t *Ticket) Success() {
	if t == nil || t.done {
		return
	}
	t.done = true
	t.monitor.RecordSuccess(t.provider)
}

func (t *Ticket) Failure(reason string) {
	if t == nil || t.done {
		return
	}
	t.done = true
	t.monitor.RecordFailure(t.provider, reason)
}

// Abandon hands a trial back without an outcome. It does nothing for a call
// admitted while the circuit was closed.
func (t *Ticket) Abandon() {
	if t == nil || t.done {
		return
	}
	t.done = true
	if t.trial {
		t.monitor.Abandon(t.provider)
	}
}
