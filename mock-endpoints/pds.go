package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

const mockDID = "did:plc:mockbridgeaccount"

// Failure modes for createRecord.
const (
	modeOK      = "ok"
	modeFail    = "fail"
	modeFlaky   = "flaky"
	modeSlow    = "slow"
	modeBadAuth = "badauth"
)

var validModes = map[string]bool{
	modeOK: true, modeFail: true, modeFlaky: true, modeSlow: true, modeBadAuth: true,
}

type mockPDS struct {
	mu       sync.Mutex
	mode     string
	token    string
	sessions int
	records  int
	failures int
	writes   int
	delay    time.Duration
}

func newMockPDS(mode string) *mockPDS {
	if !validModes[mode] {
		mode = modeOK
	}
	return &mockPDS{mode: mode, delay: slowDelay}
}

func (p *mockPDS) currentMode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func xrpcError(w http.ResponseWriter, status int, name, msg string) {
	writeJSON(w, status, map[string]string{"error": name, "message": msg})
}

func (p *mockPDS) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" || req.Password == "" {
		xrpcError(w, http.StatusBadRequest, "InvalidRequest", "identifier and password are required")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mode == modeBadAuth {
		xrpcError(w, http.StatusUnauthorized, "AuthenticationRequired", "Invalid identifier or password")
		return
	}

	p.sessions++
	p.token = fmt.Sprintf("mock-access-%d", p.sessions)

	writeJSON(w, http.StatusOK, map[string]string{
		"accessJwt":  p.token,
		"refreshJwt": p.token + "-refresh",
		"handle":     req.Identifier,
		"did":        mockDID,
	})
}

func (p *mockPDS) createRecord(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	var req struct {
		Repo       string `json:"repo"`
		Collection string `json:"collection"`
		Record     struct {
			Type      string `json:"$type"`
			Text      string `json:"text"`
			CreatedAt string `json:"createdAt"`
		} `json:"record"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		xrpcError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	p.mu.Lock()
	p.writes++
	mode, valid, n, delay := p.mode, p.token != "" && token == p.token, p.writes, p.delay
	p.mu.Unlock()

	if !valid {
		xrpcError(w, http.StatusUnauthorized, "ExpiredToken", "Token has expired")
		return
	}

	switch {
	case mode == modeFail, mode == modeFlaky && n%2 == 1:
		p.mu.Lock()
		p.failures++
		p.mu.Unlock()
		xrpcError(w, http.StatusInternalServerError, "InternalServerError", "Internal Server Error")
		return
	case mode == modeSlow:
		time.Sleep(delay)
	}

	if req.Repo != mockDID || req.Collection != "app.bsky.feed.post" || req.Record.Type != "app.bsky.feed.post" {
		xrpcError(w, http.StatusBadRequest, "InvalidRequest", "unexpected record shape")
		return
	}

	p.mu.Lock()
	p.records++
	rkey := fmt.Sprintf("mock%06d", p.records)
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"uri": fmt.Sprintf("at://%s/%s/%s", mockDID, req.Collection, rkey),
		"cid": "bafyreimock" + rkey,
	})
}

func (p *mockPDS) setMode(w http.ResponseWriter, r *http.Request) {
	mode := chi.URLParam(r, "mode")
	if !validModes[mode] {
		xrpcError(w, http.StatusBadRequest, "InvalidRequest", "unknown mode "+mode)
		return
	}

	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"mode": mode})
}

func (p *mockPDS) expire(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "expired"})
}

func (p *mockPDS) stats(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":     p.mode,
		"sessions": p.sessions,
		"writes":   p.writes,
		"records":  p.records,
		"failures": p.failures,
	})
}
