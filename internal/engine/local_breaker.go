package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
)

// LocalBreaker is an in-process Breaker backed by failsafe-go, used when no
// Redis is configured. State is not shared between replicas.
type LocalBreaker struct {
	failureThreshold int
	cooldown         time.Duration
	logger           *slog.Logger

	mu       sync.Mutex
	circuits map[string]*localCircuit
}

type localCircuit struct {
	cb           circuitbreaker.CircuitBreaker[any]
	failures     int
	lastFailedAt time.Time
}

var _ Breaker = (*LocalBreaker)(nil)

func NewLocalBreaker(failureThreshold int, cooldown time.Duration, logger *slog.Logger) *LocalBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &LocalBreaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		logger:           logger,
		circuits:         make(map[string]*localCircuit),
	}
}

func (b *LocalBreaker) circuit(key string) *localCircuit {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c
	}

	threshold := uint(b.failureThreshold)
	c := &localCircuit{
		cb: circuitbreaker.NewBuilder[any]().
			WithFailureThresholdRatio(threshold, threshold).
			WithDelay(b.cooldown).
			WithSuccessThreshold(1).
			OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
				b.logger.Warn("circuit breaker state change",
					"key", key,
					"from_state", convertState(event.OldState),
					"to_state", convertState(event.NewState),
				)
			}).
			Build(),
	}
	b.circuits[key] = c
	return c
}

func (b *LocalBreaker) AllowRequest(_ context.Context, key string) (string, bool) {
	c := b.circuit(key)
	allowed := c.cb.TryAcquirePermit()
	return convertState(c.cb.State()), allowed
}

func (b *LocalBreaker) RecordSuccess(_ context.Context, key string) {
	c := b.circuit(key)
	c.cb.RecordSuccess()

	b.mu.Lock()
	c.failures = 0
	b.mu.Unlock()
}

func (b *LocalBreaker) RecordFailure(_ context.Context, key string) {
	c := b.circuit(key)
	c.cb.RecordFailure()

	b.mu.Lock()
	c.failures++
	c.lastFailedAt = time.Now()
	b.mu.Unlock()
}

func (b *LocalBreaker) GetState(_ context.Context, key string) CircuitBreakerState {
	c := b.circuit(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	state := CircuitBreakerState{
		State:    convertState(c.cb.State()),
		Failures: c.failures,
	}
	if !c.lastFailedAt.IsZero() {
		state.LastFailedAt = c.lastFailedAt.UTC().Format(time.RFC3339)
	}
	return state
}

func convertState(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.OpenState:
		return StateOpen
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
