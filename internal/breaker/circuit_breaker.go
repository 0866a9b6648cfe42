// Package breaker implements the per-peer circuit breaker and retry
// policy that wrap every outbound gossip and anti-entropy call
// (spec.md §4.5).
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mraysmit/p2pjava-sub003/internal/obsmetrics"
)

// ErrOpen is returned when the breaker is OPEN and fails a call fast
// without invoking the underlying operation.
var ErrOpen = errors.New("breaker: circuit is open")

// State is one of CLOSED, OPEN, HALF_OPEN (spec.md §4.5).
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

// FailurePredicate decides whether an error counts against the
// breaker. By default (nil) every non-nil error counts; callers that
// need to treat application-level errors as successes (spec.md §4.5)
// should supply one.
type FailurePredicate func(err error) bool

// Config holds a breaker's thresholds (spec.md §6:
// failure_threshold, success_threshold, reset_timeout).
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	IsFailure        FailurePredicate
	Metrics          *obsmetrics.Metrics
}

// CircuitBreaker wraps calls to a single remote peer.
type CircuitBreaker struct {
	peerID string
	cfg    Config

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time

	log *logrus.Entry
}

// New creates a CircuitBreaker bound to peerID, starting CLOSED.
func New(peerID string, cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &CircuitBreaker{
		peerID: peerID,
		cfg:    cfg,
		state:  StateClosed,
		log:    logrus.WithFields(logrus.Fields{"component": "breaker", "peer_id": peerID}),
	}
}

// Call executes fn under breaker protection. If the breaker is OPEN,
// fn is never invoked and ErrOpen is returned immediately
// (spec.md §4.5 fail-fast fallback).
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allow() {
		return ErrOpen
	}

	err := fn()
	if err != nil && cb.countsAsFailure(err) {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return err
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if cb.cfg.IsFailure == nil {
		return true
	}
	return cb.cfg.IsFailure(err)
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureTime) > cb.cfg.ResetTimeout {
			cb.log.Debug("Circuit breaker transitioning from open to half-open")
			cb.transitionLocked(StateHalfOpen)
			cb.successes = 0
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// transitionLocked sets cb.state and, if it actually changed, records
// the transition. Callers must hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(newState State) {
	if cb.state == newState {
		return
	}
	cb.state = newState
	if cb.cfg.Metrics != nil {
		cb.cfg.Metrics.BreakerTransitions.WithLabelValues(cb.peerID, newState.String()).Inc()
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.log.WithField("failures", cb.failures).Warn("Circuit breaker opening")
			cb.transitionLocked(StateOpen)
			cb.failures = 0
		}
	case StateHalfOpen:
		cb.log.Warn("Circuit breaker reopening after half-open failure")
		cb.transitionLocked(StateOpen)
		cb.failures = 0
		cb.successes = 0
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.log.Info("Circuit breaker closing after recovery")
			cb.transitionLocked(StateClosed)
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// GetState returns the current breaker state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to CLOSED.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.failures = 0
	cb.successes = 0
}

// Manager owns one CircuitBreaker per peer, created lazily, in the
// style of the teacher's CircuitBreakerManager.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      Config
	log      *logrus.Entry
}

// NewManager creates a Manager that lazily constructs breakers using
// cfg as the default configuration for every peer.
func NewManager(cfg Config) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
		log:      logrus.WithField("component", "breaker-manager"),
	}
}

// Get returns (creating if necessary) the breaker for peerID.
func (m *Manager) Get(peerID string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[peerID]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[peerID]; ok {
		return cb
	}
	cb = New(peerID, m.cfg)
	m.breakers[peerID] = cb
	m.log.WithField("peer_id", peerID).Debug("Created new circuit breaker for peer")
	return cb
}

// Remove drops the breaker for peerID, e.g. when the peer is forgotten.
func (m *Manager) Remove(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, peerID)
}
