package api

import (
	"net/http"

	"github.com/Priya8975/ghost-bluesky-bridge/internal/engine"
)

// SessionReporter exposes the session state for the status endpoint.
type SessionReporter interface {
	Status() engine.SessionStatus
	BreakerKey() string
}

// ClientCounter reports connected live-feed clients.
type ClientCounter interface {
	ClientCount() int
}

type StatusHandler struct {
	session    SessionReporter
	breaker    engine.Breaker
	hub        ClientCounter
	logEnabled bool
}

func NewStatusHandler(session SessionReporter, breaker engine.Breaker, hub ClientCounter, logEnabled bool) *StatusHandler {
	return &StatusHandler{session: session, breaker: breaker, hub: hub, logEnabled: logEnabled}
}

// StatusResponse is the operational view of the bridge.
type StatusResponse struct {
	Session          engine.SessionStatus        `json:"session"`
	CircuitBreaker   *engine.CircuitBreakerState `json:"circuit_breaker,omitempty"`
	WebSocketClients int                         `json:"websocket_clients"`
	DeliveryLog      bool                        `json:"delivery_log"`
}

func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Session:     h.session.Status(),
		DeliveryLog: h.logEnabled,
	}
	if h.breaker != nil {
		state := h.breaker.GetState(r.Context(), h.session.BreakerKey())
		resp.CircuitBreaker = &state
	}
	if h.hub != nil {
		resp.WebSocketClients = h.hub.ClientCount()
	}

	respondJSON(w, http.StatusOK, resp)
}
