package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Priya8975/ghost-bluesky-bridge/internal/bluesky"
	"github.com/Priya8975/ghost-bluesky-bridge/internal/domain"
)

// fakeRemote scripts the remote service. writeStatus decides the response
// to the n-th write (1-indexed); 200 succeeds, anything else fails.
type fakeRemote struct {
	mu          sync.Mutex
	sessions    int
	writes      int
	records     []domain.PostRecord
	sessionErr  func(n int) error
	writeStatus func(n int, cred domain.Credential) int
}

func (f *fakeRemote) CreateSession(_ context.Context, identifier, password string) (domain.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sessions++
	if f.sessionErr != nil {
		if err := f.sessionErr(f.sessions); err != nil {
			return domain.Credential{}, err
		}
	}
	return domain.Credential{
		AccessToken: fmt.Sprintf("token-%d", f.sessions),
		AccountID:   "did:plc:" + identifier,
		IssuedAt:    time.Now(),
	}, nil
}

func (f *fakeRemote) CreateRecord(_ context.Context, cred domain.Credential, record domain.PostRecord) (domain.RecordRef, error) {
	f.mu.Lock()
	f.writes++
	n := f.writes
	f.records = append(f.records, record)
	f.mu.Unlock()

	status := http.StatusOK
	if f.writeStatus != nil {
		status = f.writeStatus(n, cred)
	}
	if status != http.StatusOK {
		return domain.RecordRef{}, &bluesky.StatusError{Op: "create record", StatusCode: status}
	}
	return domain.RecordRef{URI: fmt.Sprintf("at://%s/app.bsky.feed.post/%d", cred.AccountID, n)}, nil
}

func (f *fakeRemote) counts() (sessions, writes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions, f.writes
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
}

func (s *sleepRecorder) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum time.Duration
	for _, d := range s.delays {
		sum += d
	}
	return sum
}

func newTestManager(remote Remote, cfg SessionConfig) (*SessionManager, *sleepRecorder) {
	cfg.Identifier = "alice"
	cfg.Password = "app-password"
	m := NewSessionManager(remote, cfg, testLogger())
	rec := &sleepRecorder{}
	m.sleep = rec.sleep
	return m, rec
}

func TestSessionManager_AuthenticatesLazily(t *testing.T) {
	remote := &fakeRemote{}
	m, _ := newTestManager(remote, SessionConfig{})

	if m.State() != SessionUninitialized {
		t.Fatalf("initial state = %q", m.State())
	}

	outcome := m.Publish(context.Background(), "hello")
	if outcome.Status != domain.OutcomeDelivered {
		t.Fatalf("status = %q, err = %v", outcome.Status, outcome.Err)
	}

	sessions, writes := remote.counts()
	if sessions != 1 || writes != 1 {
		t.Errorf("sessions=%d writes=%d, want 1 and 1", sessions, writes)
	}
	if m.State() != SessionActive {
		t.Errorf("state = %q, want active", m.State())
	}
	if outcome.Attempts != 1 || outcome.Reauths != 0 {
		t.Errorf("attempts=%d reauths=%d", outcome.Attempts, outcome.Reauths)
	}
}

func TestSessionManager_ReusesCredentialAcrossPublishes(t *testing.T) {
	remote := &fakeRemote{}
	m, _ := newTestManager(remote, SessionConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if o := m.Publish(ctx, "post"); o.Status != domain.OutcomeDelivered {
			t.Fatalf("publish %d: %q", i, o.Status)
		}
	}
	if sessions, _ := remote.counts(); sessions != 1 {
		t.Errorf("sessions = %d, want 1", sessions)
	}
}

func TestSessionManager_ReauthenticatesOn401(t *testing.T) {
	remote := &fakeRemote{
		writeStatus: func(n int, _ domain.Credential) int {
			if n == 1 {
				return http.StatusUnauthorized
			}
			return http.StatusOK
		},
	}
	m, sleeper := newTestManager(remote, SessionConfig{})
	ctx := context.Background()

	if err := m.EnsureSession(ctx); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	outcome := m.Publish(ctx, "hello")
	if outcome.Status != domain.OutcomeDelivered {
		t.Fatalf("status = %q, err = %v", outcome.Status, outcome.Err)
	}

	sessions, writes := remote.counts()
	if writes != 2 {
		t.Errorf("writes = %d, want 2", writes)
	}
	if reauths := sessions - 1; reauths != 1 {
		t.Errorf("re-authentications = %d, want 1", reauths)
	}
	if outcome.Reauths != 1 || outcome.Attempts != 2 {
		t.Errorf("attempts=%d reauths=%d", outcome.Attempts, outcome.Reauths)
	}
	if len(sleeper.delays) != 0 {
		t.Errorf("re-authentication should not back off, slept %v", sleeper.delays)
	}
	if got := m.Status(); got.State != SessionActive || got.AccountID != "did:plc:alice" {
		t.Errorf("Status = %+v", got)
	}
}

func TestSessionManager_ExhaustsOnServerErrors(t *testing.T) {
	remote := &fakeRemote{
		writeStatus: func(int, domain.Credential) int { return http.StatusInternalServerError },
	}
	m, sleeper := newTestManager(remote, SessionConfig{})

	outcome := m.Publish(context.Background(), "hello")
	if outcome.Status != domain.OutcomeExhausted {
		t.Fatalf("status = %q, want exhausted", outcome.Status)
	}

	var statusErr *bluesky.StatusError
	if !errors.As(outcome.Err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("last error = %v, want 500 StatusError", outcome.Err)
	}
	if _, writes := remote.counts(); writes != 3 {
		t.Errorf("writes = %d, want 3", writes)
	}

	want := []time.Duration{time.Second, 2 * time.Second}
	if len(sleeper.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", sleeper.delays, want)
	}
	for i := range want {
		if sleeper.delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, sleeper.delays[i], want[i])
		}
	}
	if sleeper.total() < 3*time.Second {
		t.Errorf("total backoff = %v, want at least 3s", sleeper.total())
	}
}

func TestSessionManager_ExhaustedKeepsCredential(t *testing.T) {
	failing := true
	remote := &fakeRemote{
		writeStatus: func(int, domain.Credential) int {
			if failing {
				return http.StatusBadGateway
			}
			return http.StatusOK
		},
	}
	m, _ := newTestManager(remote, SessionConfig{})
	ctx := context.Background()

	if o := m.Publish(ctx, "first"); o.Status != domain.OutcomeExhausted {
		t.Fatalf("status = %q", o.Status)
	}
	if m.State() != SessionActive {
		t.Fatal("credential should survive an exhausted publish")
	}

	failing = false
	if o := m.Publish(ctx, "second"); o.Status != domain.OutcomeDelivered {
		t.Fatalf("status = %q", o.Status)
	}
	if sessions, _ := remote.counts(); sessions != 1 {
		t.Errorf("sessions = %d, want 1", sessions)
	}
}

func TestSessionManager_RetriesSameRecord(t *testing.T) {
	remote := &fakeRemote{
		writeStatus: func(n int, _ domain.Credential) int {
			switch n {
			case 1:
				return http.StatusServiceUnavailable
			case 2:
				return http.StatusUnauthorized
			default:
				return http.StatusOK
			}
		},
	}
	m, _ := newTestManager(remote, SessionConfig{})

	if o := m.Publish(context.Background(), "same text"); o.Status != domain.OutcomeDelivered {
		t.Fatalf("status = %q", o.Status)
	}

	if len(remote.records) != 3 {
		t.Fatalf("records = %d, want 3", len(remote.records))
	}
	for i, r := range remote.records {
		if r != remote.records[0] {
			t.Errorf("record %d = %+v differs from first %+v", i, r, remote.records[0])
		}
	}
}

func TestSessionManager_UnauthorizedOnEveryAttempt(t *testing.T) {
	remote := &fakeRemote{
		writeStatus: func(int, domain.Credential) int { return http.StatusUnauthorized },
	}
	m, sleeper := newTestManager(remote, SessionConfig{})

	outcome := m.Publish(context.Background(), "hello")
	if outcome.Status != domain.OutcomeExhausted {
		t.Fatalf("status = %q", outcome.Status)
	}
	if !errors.Is(outcome.Err, domain.ErrUnauthorized) {
		t.Errorf("last error = %v, want unauthorized", outcome.Err)
	}

	sessions, writes := remote.counts()
	if writes != 3 {
		t.Errorf("writes = %d, want 3 (attempt ceiling)", writes)
	}
	if sessions != 3 {
		t.Errorf("sessions = %d, want 1 initial + 2 re-authentications", sessions)
	}
	if len(sleeper.delays) != 0 {
		t.Errorf("401s should not back off, slept %v", sleeper.delays)
	}
}

func TestSessionManager_AuthFailure(t *testing.T) {
	remote := &fakeRemote{
		sessionErr: func(int) error { return &bluesky.StatusError{Op: "create session", StatusCode: http.StatusUnauthorized} },
	}
	m, _ := newTestManager(remote, SessionConfig{})

	if err := m.EnsureSession(context.Background()); !errors.Is(err, domain.ErrAuthFailure) {
		t.Fatalf("EnsureSession error = %v, want ErrAuthFailure", err)
	}

	outcome := m.Publish(context.Background(), "hello")
	if outcome.Status != domain.OutcomeExhausted || !errors.Is(outcome.Err, domain.ErrAuthFailure) {
		t.Fatalf("outcome = %q / %v", outcome.Status, outcome.Err)
	}
	if _, writes := remote.counts(); writes != 0 {
		t.Errorf("writes = %d, want none without a session", writes)
	}
	if m.State() != SessionUninitialized {
		t.Errorf("state = %q, want uninitialized", m.State())
	}
}

func TestSessionManager_ReauthFailureStopsDelivery(t *testing.T) {
	remote := &fakeRemote{
		sessionErr: func(n int) error {
			if n > 1 {
				return errors.New("connection reset")
			}
			return nil
		},
		writeStatus: func(int, domain.Credential) int { return http.StatusUnauthorized },
	}
	m, _ := newTestManager(remote, SessionConfig{})

	outcome := m.Publish(context.Background(), "hello")
	if outcome.Status != domain.OutcomeExhausted || !errors.Is(outcome.Err, domain.ErrAuthFailure) {
		t.Fatalf("outcome = %q / %v", outcome.Status, outcome.Err)
	}
	if _, writes := remote.counts(); writes != 1 {
		t.Errorf("writes = %d, want 1", writes)
	}
	if m.State() != SessionUninitialized {
		t.Errorf("state = %q, want uninitialized after failed re-auth", m.State())
	}
}

func TestSessionManager_ConcurrentExpiryReauthenticatesOnce(t *testing.T) {
	remote := &fakeRemote{
		writeStatus: func(_ int, cred domain.Credential) int {
			if cred.AccessToken == "token-1" {
				return http.StatusUnauthorized
			}
			return http.StatusOK
		},
	}
	m, _ := newTestManager(remote, SessionConfig{})
	ctx := context.Background()

	if err := m.EnsureSession(ctx); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	var wg sync.WaitGroup
	outcomes := make([]domain.DeliveryOutcome, 10)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = m.Publish(ctx, fmt.Sprintf("post %d", i))
		}(i)
	}
	wg.Wait()

	for i, o := range outcomes {
		if o.Status != domain.OutcomeDelivered {
			t.Errorf("publish %d: %q (%v)", i, o.Status, o.Err)
		}
	}
	if sessions, _ := remote.counts(); sessions != 2 {
		t.Errorf("sessions = %d, want 1 initial + 1 shared re-authentication", sessions)
	}
}

func TestSessionManager_BackoffDoubles(t *testing.T) {
	remote := &fakeRemote{
		writeStatus: func(int, domain.Credential) int { return http.StatusInternalServerError },
	}
	m, sleeper := newTestManager(remote, SessionConfig{MaxAttempts: 4, BaseBackoff: 10 * time.Millisecond})

	m.Publish(context.Background(), "hello")

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if fmt.Sprint(sleeper.delays) != fmt.Sprint(want) {
		t.Errorf("delays = %v, want %v", sleeper.delays, want)
	}
}

func TestSessionManager_RealSleepBoundsWallClock(t *testing.T) {
	remote := &fakeRemote{
		writeStatus: func(int, domain.Credential) int { return http.StatusInternalServerError },
	}
	m := NewSessionManager(remote, SessionConfig{Identifier: "alice", BaseBackoff: 5 * time.Millisecond}, testLogger())

	start := time.Now()
	m.Publish(context.Background(), "hello")
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("elapsed %v, want at least 5ms + 10ms of backoff", elapsed)
	}
}

func TestSessionManager_BreakerShortCircuits(t *testing.T) {
	remote := &fakeRemote{
		writeStatus: func(int, domain.Credential) int { return http.StatusInternalServerError },
	}
	breaker := NewLocalBreaker(1, time.Minute, testLogger())
	m, _ := newTestManager(remote, SessionConfig{Breaker: breaker})
	ctx := context.Background()

	if o := m.Publish(ctx, "first"); o.Status != domain.OutcomeExhausted {
		t.Fatalf("status = %q", o.Status)
	}
	_, writesBefore := remote.counts()

	outcome := m.Publish(ctx, "second")
	if outcome.Status != domain.OutcomeExhausted || !errors.Is(outcome.Err, domain.ErrCircuitOpen) {
		t.Fatalf("outcome = %q / %v, want circuit open", outcome.Status, outcome.Err)
	}
	if _, writes := remote.counts(); writes != writesBefore {
		t.Errorf("open circuit should not write, writes went %d -> %d", writesBefore, writes)
	}
	if got := breaker.GetState(ctx, m.BreakerKey()); got.State != StateOpen {
		t.Errorf("breaker state = %q", got.State)
	}
}

func TestSessionManager_WithoutBreakerEveryEventRunsFullSequence(t *testing.T) {
	remote := &fakeRemote{
		writeStatus: func(int, domain.Credential) int { return http.StatusInternalServerError },
	}
	m, _ := newTestManager(remote, SessionConfig{})
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		_, before := remote.counts()
		outcome := m.Publish(ctx, "post")
		_, after := remote.counts()

		if outcome.Status != domain.OutcomeExhausted || errors.Is(outcome.Err, domain.ErrCircuitOpen) {
			t.Fatalf("event %d: outcome = %q / %v", i, outcome.Status, outcome.Err)
		}
		if after-before != 3 || outcome.Attempts != 3 {
			t.Errorf("event %d: writes = %d, attempts = %d, want 3", i, after-before, outcome.Attempts)
		}
	}
}
