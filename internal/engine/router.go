package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/Priya8975/ghost-bluesky-bridge/internal/domain"
	"github.com/Priya8975/ghost-bluesky-bridge/internal/metrics"
)

// Publisher performs the authenticated write for a formatted post.
type Publisher interface {
	Publish(ctx context.Context, text string) domain.DeliveryOutcome
}

// Recorder persists delivery outcomes. It fills in ID and CreatedAt.
type Recorder interface {
	RecordDelivery(ctx context.Context, rec *domain.DeliveryRecord) error
}

// Notifier receives every routed outcome, e.g. to push it to live viewers.
type Notifier interface {
	NotifyDelivery(rec domain.DeliveryRecord)
}

const recordTimeout = 5 * time.Second

// RouterConfig configures an EventRouter. Recorder, Notifier and Metrics are optional.
type RouterConfig struct {
	BaseURL       string
	MaxPostLength int

	Recorder Recorder
	Notifier Notifier
	Metrics  *metrics.Collector
}

// EventRouter decides what to do with a PublishEvent and drives it through
// formatting and publishing.
type EventRouter struct {
	baseURL   *url.URL
	maxLength int
	publisher Publisher
	recorder  Recorder
	notifier  Notifier
	metrics   *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time
}

// NewEventRouter validates the base origin and builds a router.
func NewEventRouter(cfg RouterConfig, publisher Publisher, logger *slog.Logger) (*EventRouter, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if !base.IsAbs() || base.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", cfg.BaseURL)
	}
	if cfg.MaxPostLength <= 0 {
		cfg.MaxPostLength = DefaultMaxPostLength
	}

	return &EventRouter{
		baseURL:   base,
		maxLength: cfg.MaxPostLength,
		publisher: publisher,
		recorder:  cfg.Recorder,
		notifier:  cfg.Notifier,
		metrics:   cfg.Metrics,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Route handles one event. Irrelevant event kinds are ignored, events
// without a usable title or path are rejected without contacting the
// remote, and everything else is formatted and published.
func (r *EventRouter) Route(ctx context.Context, event domain.PublishEvent) domain.DeliveryOutcome {
	start := r.now()
	rec := domain.DeliveryRecord{
		EventKind: event.EventKind,
		Title:     event.Title,
	}

	outcome := r.route(ctx, event, &rec)

	r.observe(ctx, &rec, outcome, r.now().Sub(start))
	return outcome
}

func (r *EventRouter) route(ctx context.Context, event domain.PublishEvent, rec *domain.DeliveryRecord) domain.DeliveryOutcome {
	if !event.IsPublished() {
		r.logger.Info("ignoring event type", "event_kind", event.EventKind)
		return domain.Ignored()
	}

	if !event.HasPostData() {
		r.logger.Warn("no post data in webhook", "event_kind", event.EventKind)
		return domain.Rejected(domain.ReasonMissingPostData)
	}

	link, err := r.ResolveURL(event.RelativePath)
	if err != nil {
		r.logger.Warn("unusable post path", "path", event.RelativePath, "error", err)
		return domain.Rejected(domain.ReasonMissingPostData)
	}
	rec.URL = link

	draft := domain.PostDraft{Text: Format(event.Title, link, r.maxLength)}
	rec.Text = draft.Text

	outcome := r.publisher.Publish(ctx, draft.Text)
	if outcome.Status == domain.OutcomeDelivered {
		r.logger.Info("posted new blog post", "title", event.Title, "url", link)
	} else {
		r.logger.Error("failed to post to bluesky", "title", event.Title, "error", outcome.Err)
	}
	return outcome
}

// ResolveURL resolves path against the configured origin the way a browser
// resolves a link: relative paths join the origin, absolute URLs stand.
func (r *EventRouter) ResolveURL(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return r.baseURL.ResolveReference(ref).String(), nil
}

func (r *EventRouter) observe(ctx context.Context, rec *domain.DeliveryRecord, outcome domain.DeliveryOutcome, elapsed time.Duration) {
	rec.Outcome = string(outcome.Status)
	rec.Attempts = outcome.Attempts
	rec.Reauths = outcome.Reauths
	rec.DurationMs = int(elapsed.Milliseconds())
	if msg := outcome.ErrorMessage(); msg != "" {
		rec.ErrorMessage = &msg
	}
	if outcome.Ref.URI != "" {
		uri := outcome.Ref.URI
		rec.RecordURI = &uri
	}
	if outcome.Status == domain.OutcomeDelivered {
		at := r.now().UTC()
		rec.DeliveredAt = &at
	}

	r.metrics.ObserveEvent(rec.Outcome, elapsed)

	if r.recorder != nil {
		// Recording outlives the caller's cancellation.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		if err := r.recorder.RecordDelivery(recordCtx, rec); err != nil {
			r.logger.Error("failed to record delivery", "error", err, "outcome", rec.Outcome)
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}

	if r.notifier != nil {
		r.notifier.NotifyDelivery(*rec)
	}
}
