// Package circuitbreaker protects shared downstream resources (the
// relational store, checkpoint persistence, provider adapters) from
// cascading failure. It keeps the teacher's generation-counted,
// double-checked-locking Manager shape but counts failures within a
// sliding time window instead of clearing them on a fixed interval, so
// CanExecute/GetState/Execute track the kernel's failureWindowMs
// semantics exactly.
package circuitbreaker

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ocx/agentkernel/internal/kerr"
)

// State is the circuit breaker's current disposition.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures a single breaker.
type Config struct {
	Name             string
	FailureThreshold int           // failures within FailureWindow to trip
	FailureWindow    time.Duration // sliding window for counting failures
	ResetTimeout     time.Duration // time in Open before probing in HalfOpen
	SuccessThreshold int           // consecutive HalfOpen successes to close
}

// DefaultConfig mirrors the teacher's DefaultConfig defaults, retuned
// to the windowed-counting model.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// MetricsRecorder receives state-change notifications for export (via
// Prometheus in production, a no-op in tests).
type MetricsRecorder interface {
	SetState(name string, state State)
}

type noopRecorder struct{}

func (noopRecorder) SetState(string, State) {}

// Breaker is a single named circuit breaker.
type Breaker struct {
	cfg      Config
	recorder MetricsRecorder

	mu                sync.Mutex
	state             State
	failures          []time.Time
	halfOpenSuccesses int
	halfOpenInFlight  int
	openedAt          time.Time
	generation        uint64
}

// New constructs a breaker in the Closed state.
func New(cfg Config, recorder MetricsRecorder) *Breaker {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &Breaker{cfg: cfg, recorder: recorder, state: Closed}
}

// Name returns the breaker's configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// GetState returns the current state, lazily advancing Open to
// HalfOpen once ResetTimeout has elapsed.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked(time.Now())
}

func (b *Breaker) currentStateLocked(now time.Time) State {
	if b.state == Open && !b.openedAt.IsZero() && now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.transitionLocked(HalfOpen, now)
	}
	return b.state
}

// CanExecute reports whether a call should be allowed through right now.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.currentStateLocked(time.Now())
	if state == Open {
		return false
	}
	// HalfOpen allows a single in-flight probe at a time.
	if state == HalfOpen && b.halfOpenInFlight > 0 {
		return false
	}
	return true
}

// Execute runs fn if the breaker permits it, recording the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if !b.reserve() {
		return kerr.New(kerr.CircuitOpen, fmt.Sprintf("circuit %q is open", b.cfg.Name))
	}
	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) reserve() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.currentStateLocked(time.Now())
	if state == Open {
		return false
	}
	if state == HalfOpen {
		if b.halfOpenInFlight > 0 {
			return false
		}
		b.halfOpenInFlight++
	}
	return true
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	state := b.currentStateLocked(now)

	if state == HalfOpen {
		b.halfOpenInFlight--
	}

	if success {
		b.onSuccessLocked(state, now)
	} else {
		b.onFailureLocked(state, now)
	}
}

func (b *Breaker) onSuccessLocked(state State, now time.Time) {
	switch state {
	case Closed:
		b.pruneLocked(now)
	case HalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.transitionLocked(Closed, now)
		}
	}
}

func (b *Breaker) onFailureLocked(state State, now time.Time) {
	switch state {
	case Closed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.transitionLocked(Open, now)
		}
	case HalfOpen:
		b.transitionLocked(Open, now)
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	if b.cfg.FailureWindow <= 0 {
		return
	}
	cutoff := now.Add(-b.cfg.FailureWindow)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(cutoff) {
			break
		}
	}
	b.failures = b.failures[i:]
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	if b.state == to {
		return
	}
	b.state = to
	b.generation++
	b.failures = nil
	b.halfOpenSuccesses = 0
	b.halfOpenInFlight = 0
	if to == Open {
		b.openedAt = now
	}
	b.recorder.SetState(b.cfg.Name, to)
}

// Reset forces the breaker back to Closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(Closed, time.Now())
}

// ForceOpen trips the breaker regardless of counted failures, useful
// for operator-triggered isolation of a known-bad dependency.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(Open, time.Now())
}

// Stats is a point-in-time snapshot for introspection endpoints.
type Stats struct {
	Name             string
	State            State
	FailuresInWindow int
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.currentStateLocked(time.Now())
	return Stats{Name: b.cfg.Name, State: state, FailuresInWindow: len(b.failures)}
}

// ExecuteWithFallback runs request under the breaker, falling back to
// fallback(err) whenever the breaker rejects or the call itself fails.
func ExecuteWithFallback[T any](b *Breaker, request func() (T, error), fallback func(error) (T, error)) (T, error) {
	var result T
	err := b.Execute(func() error {
		var rerr error
		result, rerr = request()
		return rerr
	})
	if err != nil {
		return fallback(err)
	}
	return result, nil
}

// Manager keys breakers by name, matching the teacher's
// read-first/double-checked-lock Get idiom.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	recorder MetricsRecorder
	logger   *log.Logger
}

// NewManager creates a manager whose breakers default to cfg when not
// otherwise configured via GetOrCreate.
func NewManager(cfg Config, recorder MetricsRecorder) *Manager {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		recorder: recorder,
		logger:   log.New(log.Writer(), "[CircuitBreaker] ", log.LstdFlags),
	}
}

// Get returns (creating if absent) the breaker for name using the
// manager's default config.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[name]; ok {
		return cb
	}
	cfg := m.cfg
	cfg.Name = name
	cb = New(cfg, m.recorder)
	m.breakers[name] = cb
	m.logger.Printf("created breaker %q (threshold=%d window=%s)", name, cfg.FailureThreshold, cfg.FailureWindow)
	return cb
}

// GetOrCreate returns the existing breaker for name, or creates one
// with the given config.
func (m *Manager) GetOrCreate(name string, cfg Config) *Breaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[name]; ok {
		return cb
	}
	cfg.Name = name
	cb = New(cfg, m.recorder)
	m.breakers[name] = cb
	return cb
}

// List returns every registered breaker name.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	return names
}

// Stats returns a snapshot of every breaker in the manager.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.Stats()
	}
	return out
}

// HealthStatus rolls every breaker's state into an overall ok/degraded
// verdict for the health endpoint.
func (m *Manager) HealthStatus() (string, map[string]string) {
	stats := m.Stats()
	statuses := make(map[string]string, len(stats))
	healthy := true
	for name, s := range stats {
		statuses[name] = s.State.String()
		if s.State == Open {
			healthy = false
		}
	}
	if healthy {
		return "ok", statuses
	}
	return "degraded", statuses
}
