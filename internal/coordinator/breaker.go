package coordinator

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/shoplens/internal/globaltime"
)

// ErrCircuitOpen is returned for calls rejected by a tripped breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 30 * time.Second
)

// Breaker trips after consecutive failures against one external service.
// While open it rejects calls outright; once the recovery timeout elapses
// it admits trial calls until one succeeds, then closes again.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	logger           zerolog.Logger
	now              func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failures      int
	lastFailureAt time.Time
}

// NewBreaker builds a closed breaker. Non-positive threshold and timeout
// fall back to defaults.
func NewBreaker(name string, failureThreshold int, recoveryTimeout time.Duration, logger zerolog.Logger) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = defaultRecoveryTimeout
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		logger:           logger.With().Str("component", "breaker").Str("service", name).Logger(),
		now:              globaltime.Now,
		state:            BreakerClosed,
	}
}

// Allow reports whether a call may proceed. An open breaker flips to
// half-open once the recovery timeout has elapsed since the last failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState() != BreakerOpen
}

// State reports the breaker's state after any timed transition.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Success closes the breaker and clears the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerClosed {
		b.logger.Info().Msg("circuit closed")
	}
	b.state = BreakerClosed
	b.failures = 0
}

// Failure records one failed call. A half-open breaker reopens immediately;
// a closed one opens once consecutive failures reach the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailureAt = b.now()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.logger.Warn().Msg("recovery attempt failed, circuit reopened")
	case BreakerClosed:
		if b.failures >= b.failureThreshold {
			b.state = BreakerOpen
			b.logger.Warn().Int("failures", b.failures).Msg("circuit opened")
		}
	}
}

// caller holds mu.
func (b *Breaker) currentState() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.lastFailureAt) >= b.recoveryTimeout {
		b.state = BreakerHalfOpen
		b.logger.Info().Msg("recovery timeout elapsed, admitting trial call")
	}
	return b.state
}
