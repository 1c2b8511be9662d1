package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Priya8975/ghost-bluesky-bridge/internal/domain"
	"github.com/Priya8975/ghost-bluesky-bridge/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// DeliveryLog is the read side of the delivery store.
type DeliveryLog interface {
	ListDeliveries(ctx context.Context, outcome string, limit int) ([]domain.DeliveryRecord, error)
	GetDelivery(ctx context.Context, id string) (*domain.DeliveryRecord, error)
	GetDeliveryStats(ctx context.Context) (*store.DeliveryStats, error)
}

type DeliveryHandler struct {
	store DeliveryLog
}

// NewDeliveryHandler serves the delivery log. A nil store answers 404.
func NewDeliveryHandler(s DeliveryLog) *DeliveryHandler {
	return &DeliveryHandler{store: s}
}

func (h *DeliveryHandler) enabled(w http.ResponseWriter) bool {
	if h.store == nil {
		respondError(w, http.StatusNotFound, "delivery log is disabled")
		return false
	}
	return true
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}

	outcome := r.URL.Query().Get("outcome")
	switch domain.OutcomeStatus(outcome) {
	case "", domain.OutcomeDelivered, domain.OutcomeIgnored, domain.OutcomeRejected, domain.OutcomeExhausted:
	default:
		respondError(w, http.StatusBadRequest, "unknown outcome filter")
		return
	}

	limit := defaultListLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = min(n, maxListLimit)
		}
	}

	deliveries, err := h.store.ListDeliveries(r.Context(), outcome, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	respondJSON(w, http.StatusOK, deliveries)
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		respondError(w, http.StatusNotFound, "delivery not found")
		return
	}

	rec, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "delivery not found")
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

func (h *DeliveryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}

	stats, err := h.store.GetDeliveryStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get delivery stats")
		return
	}

	respondJSON(w, http.StatusOK, stats)
}
