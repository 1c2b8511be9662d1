package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second

	// DefaultTrialLease outlasts the slowest publish sequence: three 30s
	// attempts, backoff and a re-authentication.
	DefaultTrialLease = 3 * time.Minute
)

// Breaker gates deliveries to a remote account after repeated exhausted
// publish sequences.
type Breaker interface {
	AllowRequest(ctx context.Context, key string) (string, bool)
	RecordSuccess(ctx context.Context, key string)
	RecordFailure(ctx context.Context, key string)
	GetState(ctx context.Context, key string) CircuitBreakerState
}

// CircuitBreakerState represents the current state of a circuit.
type CircuitBreakerState struct {
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
}

// CircuitBreaker is a per-key breaker whose state lives in a Redis hash, so
// every bridge replica sees the same circuit for an account. Each transition
// runs as a single script.
//
//	closed    -> open       after failureThreshold consecutive failures
//	open      -> half-open  once cooldown has passed since the last failure
//	half-open -> closed     on the trial request's success
//	half-open -> open       on the trial request's failure
//
// Half-open admits a single trial request. Further requests are refused
// until it records its outcome, or until trialLease passes without one.
type CircuitBreaker struct {
	redisClient      *redis.Client
	logger           *slog.Logger
	failureThreshold int
	cooldownPeriod   time.Duration
	trialLease       time.Duration
}

var _ Breaker = (*CircuitBreaker)(nil)

var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
local lease = tonumber(ARGV[3])

local state = redis.call('HGET', key, 'state')
if not state or state == 'closed' then
    return {'closed', '1'}
end

if state == 'open' then
    local last = tonumber(redis.call('HGET', key, 'last_failed_at') or '0')
    if now - last >= cooldown then
        redis.call('HSET', key, 'state', 'half-open', 'trial_at', now)
        return {'half-open', '1'}
    end
    return {'open', '0'}
end

local trial = tonumber(redis.call('HGET', key, 'trial_at') or '0')
if now - trial >= lease then
    redis.call('HSET', key, 'trial_at', now)
    return {'half-open', '1'}
end
return {'half-open', '0'}
`)

var failureScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])

local failures = redis.call('HINCRBY', key, 'failures', 1)
redis.call('HSET', key, 'last_failed_at', now)

local from = redis.call('HGET', key, 'state') or 'closed'
local to = from
if from == 'half-open' or failures >= threshold then
    to = 'open'
end
redis.call('HSET', key, 'state', to)
redis.call('HDEL', key, 'trial_at')
return {from, to, tostring(failures)}
`)

var successScript = redis.NewScript(`
local key = KEYS[1]
local from = redis.call('HGET', key, 'state') or 'closed'
redis.call('HSET', key, 'state', 'closed', 'failures', 0)
redis.call('HDEL', key, 'trial_at')
return from
`)

func NewCircuitBreaker(redisClient *redis.Client, failureThreshold int, cooldown time.Duration, logger *slog.Logger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &CircuitBreaker{
		redisClient:      redisClient,
		logger:           logger,
		failureThreshold: failureThreshold,
		cooldownPeriod:   cooldown,
		trialLease:       max(DefaultTrialLease, cooldown),
	}
}

func cbKey(key string) string {
	return fmt.Sprintf("cb:%s", key)
}

func (cb *CircuitBreaker) cooldownSeconds() int64 {
	return max(int64(cb.cooldownPeriod/time.Second), 1)
}

func (cb *CircuitBreaker) trialLeaseSeconds() int64 {
	return max(int64(cb.trialLease/time.Second), 1)
}

// AllowRequest reports the current state and whether a delivery may
// proceed. An unreachable Redis fails open.
func (cb *CircuitBreaker) AllowRequest(ctx context.Context, key string) (string, bool) {
	res, err := allowScript.Run(ctx, cb.redisClient, []string{cbKey(key)},
		time.Now().Unix(), cb.cooldownSeconds(), cb.trialLeaseSeconds(),
	).StringSlice()
	if err != nil || len(res) != 2 {
		cb.logger.Error("circuit breaker check failed", "error", err, "key", key)
		return StateClosed, true
	}

	state, allowed := res[0], res[1] == "1"
	if state == StateHalfOpen && allowed {
		cb.logger.Info("circuit breaker half-open, sending trial request", "key", key)
	}
	return state, allowed
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, key string) {
	from, err := successScript.Run(ctx, cb.redisClient, []string{cbKey(key)}).Text()
	if err != nil {
		cb.logger.Error("failed to record circuit breaker success", "error", err, "key", key)
		return
	}
	if from != StateClosed {
		cb.logger.Info("circuit breaker closed (recovered)", "key", key, "from_state", from)
	}
}

// RecordFailure counts a failure and opens the circuit at the threshold or
// when a half-open trial fails.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, key string) {
	res, err := failureScript.Run(ctx, cb.redisClient, []string{cbKey(key)},
		time.Now().Unix(), cb.failureThreshold,
	).StringSlice()
	if err != nil || len(res) != 3 {
		cb.logger.Error("failed to record circuit breaker failure", "error", err, "key", key)
		return
	}

	from, to := res[0], res[1]
	if from != to {
		cb.logger.Warn("circuit breaker opened",
			"key", key,
			"from_state", from,
			"failures", res[2],
			"threshold", cb.failureThreshold,
		)
	}
}

// GetState returns a read-only view of the circuit for key. An open circuit
// past its cooldown reports half-open.
func (cb *CircuitBreaker) GetState(ctx context.Context, key string) CircuitBreakerState {
	data, err := cb.redisClient.HGetAll(ctx, cbKey(key)).Result()
	if err != nil || len(data) == 0 {
		return CircuitBreakerState{State: StateClosed}
	}

	failures, _ := strconv.Atoi(data["failures"])
	lastFailed, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)

	state := data["state"]
	if state == "" {
		state = StateClosed
	}
	if state == StateOpen && time.Now().Unix()-lastFailed >= cb.cooldownSeconds() {
		state = StateHalfOpen
	}

	result := CircuitBreakerState{
		State:    state,
		Failures: failures,
	}
	if lastFailed > 0 {
		result.LastFailedAt = time.Unix(lastFailed, 0).UTC().Format(time.RFC3339)
	}
	return result
}
