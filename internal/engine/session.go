package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Priya8975/ghost-bluesky-bridge/internal/domain"
	"github.com/Priya8975/ghost-bluesky-bridge/internal/metrics"
)

// Remote is the social service the bridge posts to.
type Remote interface {
	CreateSession(ctx context.Context, identifier, password string) (domain.Credential, error)
	CreateRecord(ctx context.Context, cred domain.Credential, record domain.PostRecord) (domain.RecordRef, error)
}

// Session states
const (
	SessionUninitialized = "uninitialized"
	SessionActive        = "active"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = time.Second
)

// SessionStatus is a token-free view of the session for status endpoints.
type SessionStatus struct {
	State     string     `json:"state"`
	AccountID string     `json:"account_id,omitempty"`
	IssuedAt  *time.Time `json:"issued_at,omitempty"`
}

// SessionConfig configures a SessionManager. Zero values take defaults.
type SessionConfig struct {
	Identifier  string
	Password    string
	MaxAttempts int
	BaseBackoff time.Duration

	// Breaker, when set, short-circuits Publish after repeated exhausted deliveries.
	Breaker Breaker
	Metrics *metrics.Collector
}

// SessionManager owns the single remote credential and performs
// authenticated writes with bounded retry.
//
// State transitions:
//
//	uninitialized -> active         on successful authentication
//	active        -> uninitialized  on a 401 from the write endpoint
//
// Every read or replacement of the credential happens under mu, so
// concurrent events never race to re-authenticate or write with a token
// that is being swapped out.
type SessionManager struct {
	remote      Remote
	identifier  string
	password    string
	maxAttempts int
	baseBackoff time.Duration
	breaker     Breaker
	metrics     *metrics.Collector
	logger      *slog.Logger

	sleep func(time.Duration)
	now   func() time.Time

	mu   sync.Mutex
	cred *domain.Credential
}

// NewSessionManager creates a manager in the uninitialized state.
func NewSessionManager(remote Remote, cfg SessionConfig, logger *slog.Logger) *SessionManager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	return &SessionManager{
		remote:      remote,
		identifier:  cfg.Identifier,
		password:    cfg.Password,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		breaker:     cfg.Breaker,
		metrics:     cfg.Metrics,
		logger:      logger,
		sleep:       time.Sleep,
		now:         time.Now,
	}
}

// EnsureSession authenticates if no credential is held.
func (m *SessionManager) EnsureSession(ctx context.Context) error {
	_, err := m.ensure(ctx)
	return err
}

// Invalidate drops the held credential.
func (m *SessionManager) Invalidate() {
	m.mu.Lock()
	m.cred = nil
	m.mu.Unlock()
}

// State returns SessionActive when a credential is held.
func (m *SessionManager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return SessionUninitialized
	}
	return SessionActive
}

// Status returns the session state without exposing the access token.
func (m *SessionManager) Status() SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return SessionStatus{State: SessionUninitialized}
	}
	issued := m.cred.IssuedAt
	return SessionStatus{
		State:     SessionActive,
		AccountID: m.cred.AccountID,
		IssuedAt:  &issued,
	}
}

// BreakerKey identifies this account in the circuit breaker.
func (m *SessionManager) BreakerKey() string {
	return "bsky:" + m.identifier
}

// Publish posts text, retrying up to the attempt budget.
//
// A 401 drops the credential and re-authenticates immediately, without a
// backoff; the same record is then written on the next attempt. Other
// failures wait base*2^(k-1) before retry k. When the budget runs out the
// credential is kept for the next event.
//
// Delivery is at-most-N-attempts, not exactly-once: a write that succeeded
// remotely but whose response was lost is retried and can duplicate the post.
// The remote offers no idempotency key to prevent that.
func (m *SessionManager) Publish(ctx context.Context, text string) domain.DeliveryOutcome {
	if m.breaker == nil {
		return m.publish(ctx, text)
	}

	key := m.BreakerKey()
	if state, allowed := m.breaker.AllowRequest(ctx, key); !allowed {
		m.logger.Warn("delivery short-circuited", "breaker_state", state)
		return domain.Exhausted(domain.ErrCircuitOpen, 0, 0)
	}

	outcome := m.publish(ctx, text)
	if outcome.Status == domain.OutcomeDelivered {
		m.breaker.RecordSuccess(ctx, key)
	} else {
		m.breaker.RecordFailure(ctx, key)
	}
	return outcome
}

func (m *SessionManager) publish(ctx context.Context, text string) domain.DeliveryOutcome {
	cred, err := m.ensure(ctx)
	if err != nil {
		return domain.Exhausted(err, 0, 0)
	}

	record := domain.NewPostRecord(text, m.now())
	reauths := 0
	var lastErr error

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		ref, err := m.remote.CreateRecord(ctx, cred, record)
		if err == nil {
			m.metrics.ObserveAttempt(metrics.AttemptDelivered)
			m.logger.Info("posted to bluesky",
				"attempt", attempt,
				"record_uri", ref.URI,
				"text", preview(text, 50),
			)
			return domain.Delivered(ref, attempt, reauths)
		}
		lastErr = err

		if errors.Is(err, domain.ErrUnauthorized) && attempt < m.maxAttempts {
			m.metrics.ObserveAttempt(metrics.AttemptUnauthorized)
			m.logger.Warn("bluesky session expired, re-authenticating", "attempt", attempt)

			reauths++
			cred, err = m.refresh(ctx, cred)
			if err != nil {
				return domain.Exhausted(err, attempt, reauths)
			}
			continue
		}

		m.metrics.ObserveAttempt(metrics.AttemptFailed)
		m.logger.Warn("publish attempt failed",
			"attempt", attempt,
			"max_attempts", m.maxAttempts,
			"error", err,
		)

		if attempt < m.maxAttempts {
			m.sleep(m.backoff(attempt))
		}
	}

	m.logger.Error("publish retries exhausted", "attempts", m.maxAttempts, "error", lastErr)
	return domain.Exhausted(lastErr, m.maxAttempts, reauths)
}

// backoff returns the delay before retry attempt+1.
func (m *SessionManager) backoff(attempt int) time.Duration {
	return m.baseBackoff << (attempt - 1)
}

func (m *SessionManager) ensure(ctx context.Context) (domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cred != nil {
		return *m.cred, nil
	}
	return m.authenticateLocked(ctx)
}

// refresh replaces stale with a fresh credential. If another event already
// replaced it, the newer credential is returned without a second login.
func (m *SessionManager) refresh(ctx context.Context, stale domain.Credential) (domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cred != nil && m.cred.AccessToken != stale.AccessToken {
		return *m.cred, nil
	}

	m.cred = nil
	return m.authenticateLocked(ctx)
}

func (m *SessionManager) authenticateLocked(ctx context.Context) (domain.Credential, error) {
	cred, err := m.remote.CreateSession(ctx, m.identifier, m.password)
	if err != nil {
		m.metrics.ObserveAuth(false)
		m.logger.Error("bluesky authentication failed", "error", err)
		return domain.Credential{}, fmt.Errorf("%w: %w", domain.ErrAuthFailure, err)
	}

	m.metrics.ObserveAuth(true)
	m.cred = &cred
	m.logger.Info("bluesky authentication successful", "account_id", cred.AccountID)
	return cred, nil
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
