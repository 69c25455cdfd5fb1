// Package circuitbreaker stops traffic to an upstream that keeps failing as a
// whole, so an outage does not get charged to every credential in turn.
//
// States:
//   - Closed: requests pass through
//   - Open: requests fail immediately until the timeout elapses
//   - Half-Open: requests pass; enough successes close the circuit, one failure reopens it
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes to close from half-open
	Timeout          time.Duration // time open before probing
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(cb *Breaker) {
		cb.now = now
	}
}

type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

func New(name string, cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	cb := &Breaker{
		name:   name,
		config: cfg,
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Allow returns ErrOpen while the circuit is open. The first call after the
// timeout moves it to half-open.
func (cb *Breaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
		return ErrOpen
	}
	cb.transition(StateHalfOpen)
	return nil
}

func (cb *Breaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

func (cb *Breaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	case StateOpen:
		cb.openedAt = cb.now()
	}
}

func (cb *Breaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *Breaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// transition must be called with mu held.
func (cb *Breaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}

	if to == StateOpen {
		slog.Warn("circuit breaker opened", "upstream", cb.name, "from", from.String())
	} else {
		slog.Info("circuit breaker state changed", "upstream", cb.name, "from", from.String(), "to", to.String())
	}
}

// Manager hands out one breaker per upstream.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	opts     []Option
}

func NewManager(cfg Config, opts ...Option) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   cfg,
		opts:     opts,
	}
}

func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[name]; ok {
		return existing
	}
	cb = New(name, m.config, m.opts...)
	m.breakers[name] = cb
	return cb
}

// States returns the state of every breaker by upstream name.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	states := make(map[string]string, len(names))
	for _, name := range names {
		states[name] = m.Get(name).State().String()
	}
	return states
}
