package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Priya8975/ghost-bluesky-bridge/internal/bluesky"
	"github.com/Priya8975/ghost-bluesky-bridge/internal/domain"
)

func setupMockPDS(t *testing.T, mode string) (*mockPDS, *bluesky.Client) {
	t.Helper()
	pds := newMockPDS(mode)
	server := httptest.NewServer(pds.routes())
	t.Cleanup(server.Close)
	return pds, bluesky.NewClient(server.URL)
}

func TestMockPDS_SessionAndRecord(t *testing.T) {
	_, client := setupMockPDS(t, "")
	ctx := context.Background()

	cred, err := client.CreateSession(ctx, "me.test", "pw")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if cred.AccountID != mockDID {
		t.Errorf("did = %q", cred.AccountID)
	}

	ref, err := client.CreateRecord(ctx, cred, domain.NewPostRecord("hello", time.Now()))
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if ref.URI != "at://"+mockDID+"/app.bsky.feed.post/mock000001" {
		t.Errorf("uri = %q", ref.URI)
	}
}

func TestMockPDS_ExpireYieldsUnauthorized(t *testing.T) {
	pds, client := setupMockPDS(t, modeOK)
	ctx := context.Background()

	cred, err := client.CreateSession(ctx, "me.test", "pw")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rec := httptest.NewRecorder()
	pds.expire(rec, httptest.NewRequest(http.MethodPost, "/admin/expire", nil))

	_, err = client.CreateRecord(ctx, cred, domain.NewPostRecord("hello", time.Now()))
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestMockPDS_FailureModes(t *testing.T) {
	_, client := setupMockPDS(t, modeFlaky)
	ctx := context.Background()

	cred, err := client.CreateSession(ctx, "me.test", "pw")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := client.CreateRecord(ctx, cred, domain.NewPostRecord("a", time.Now())); err == nil {
		t.Error("first flaky write should fail")
	}
	if _, err := client.CreateRecord(ctx, cred, domain.NewPostRecord("a", time.Now())); err != nil {
		t.Errorf("second flaky write should succeed: %v", err)
	}
}

func TestMockPDS_BadAuth(t *testing.T) {
	_, client := setupMockPDS(t, modeBadAuth)

	if _, err := client.CreateSession(context.Background(), "me.test", "pw"); err == nil {
		t.Error("badauth mode should refuse sessions")
	}
}
