package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/Priya8975/ghost-bluesky-bridge/internal/domain"
	"github.com/Priya8975/ghost-bluesky-bridge/internal/engine"
)

const maxWebhookBody = 1 << 20

// EventRouter routes one decoded webhook event.
type EventRouter interface {
	Route(ctx context.Context, event domain.PublishEvent) domain.DeliveryOutcome
}

// WebhookHandler authenticates, decodes and routes Ghost webhooks.
type WebhookHandler struct {
	secret  []byte
	router  EventRouter
	limiter engine.Limiter
	logger  *slog.Logger
}

// NewWebhookHandler builds the handler. limiter may be nil.
func NewWebhookHandler(secret string, router EventRouter, limiter engine.Limiter, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		secret:  []byte(secret),
		router:  router,
		limiter: limiter,
		logger:  logger,
	}
}

// Handle serves POST /webhook.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(r.Context(), clientKey(r)) {
		respondDetail(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	token, ok := bearerToken(r)
	if !ok {
		respondDetail(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if subtle.ConstantTimeCompare([]byte(token), h.secret) != 1 {
		h.logger.Warn("webhook rejected: invalid token", "remote_addr", r.RemoteAddr)
		respondDetail(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondDetail(w, http.StatusBadRequest, "Request body too large")
			return
		}
		respondDetail(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	event, err := domain.DecodePublishEvent(body)
	if err != nil {
		h.logger.Warn("webhook rejected: invalid payload", "error", err)
		respondDetail(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	h.logger.Info("received webhook", "event_kind", event.EventKind)

	// A sender hanging up must not abort a delivery mid-sequence.
	outcome := h.router.Route(context.WithoutCancel(r.Context()), event)

	switch outcome.Status {
	case domain.OutcomeDelivered, domain.OutcomeIgnored:
		respondJSON(w, http.StatusOK, map[string]string{"status": "success"})
	case domain.OutcomeRejected:
		respondDetail(w, http.StatusUnprocessableEntity, outcome.Reason)
	default:
		respondDetail(w, http.StatusInternalServerError, "Processing failed")
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type peerAddrKey struct{}

// PeerAddr records the connection's address before RealIP rewrites
// RemoteAddr from client-supplied forwarding headers.
func PeerAddr(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), peerAddrKey{}, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientKey is the rate limiting key: the host of the socket peer, never a
// forwarding header.
func clientKey(r *http.Request) string {
	addr, ok := r.Context().Value(peerAddrKey{}).(string)
	if !ok {
		addr = r.RemoteAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
