// Package breaker implements a per-host circuit breaker for outbound
// payment traffic. A breaker opens after a run of consecutive failures,
// rejects calls until a reset timeout elapses, then admits half-open
// trial calls; a run of successes closes it again.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker state.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when a call is rejected because the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker parameters.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes
	// that closes it.
	SuccessThreshold int

	// ResetTimeout is how long the breaker stays open before admitting
	// a half-open trial.
	ResetTimeout time.Duration
}

// DefaultConfig matches the client engine defaults.
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	ResetTimeout:     30 * time.Second,
}

// Breaker is a single circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

// New creates a Breaker with the given configuration. Zero thresholds
// fall back to the defaults.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig.ResetTimeout
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// State returns the current state, accounting for reset-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() State {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = HalfOpen
		b.successes = 0
	}
	return b.state
}

// Allow reports whether a call may proceed. Open breakers reject; a
// half-open breaker admits trial calls.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState() != Open
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	case Closed:
		b.failures = 0
	}
}

// RecordFailure notes a failed call. A failure during a half-open trial
// reopens the breaker immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case HalfOpen:
		b.state = Open
		b.openedAt = b.now()
		b.successes = 0
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = b.now()
		}
	}
}

// Do runs fn under the breaker, recording its outcome.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Group keys breakers by host, creating them on first use.
type Group struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates a Group whose breakers share cfg.
func NewGroup(cfg Config) *Group {
	return &Group{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for host, creating it if needed.
func (g *Group) Get(host string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[host]
	if !ok {
		b = New(g.cfg)
		g.breakers[host] = b
	}
	return b
}
