package domain

import (
	"time"
)

// PostCollection is the record type written for every delivered post.
const PostCollection = "app.bsky.feed.post"

// Credential is a live session with the remote service.
type Credential struct {
	AccessToken string
	AccountID   string
	IssuedAt    time.Time
}

// PostDraft is the formatted text handed to the session manager.
type PostDraft struct {
	Text string
}

// PostRecord is the fixed-shape record sent to the record-creation endpoint.
type PostRecord struct {
	Type      string `json:"$type"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// NewPostRecord stamps text with an RFC3339 UTC creation time.
func NewPostRecord(text string, now time.Time) PostRecord {
	return PostRecord{
		Type:      PostCollection,
		Text:      text,
		CreatedAt: now.UTC().Format(time.RFC3339),
	}
}

// RecordRef identifies a record created on the remote service.
type RecordRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// OutcomeStatus tags a DeliveryOutcome.
type OutcomeStatus string

const (
	OutcomeDelivered OutcomeStatus = "delivered"
	OutcomeIgnored   OutcomeStatus = "ignored"
	OutcomeRejected  OutcomeStatus = "rejected"
	OutcomeExhausted OutcomeStatus = "exhausted"
)

// DeliveryOutcome is the synchronous result of handling one event.
type DeliveryOutcome struct {
	Status OutcomeStatus
	// Reason is set for Rejected outcomes.
	Reason string
	// Err is the last error observed for Exhausted outcomes.
	Err      error
	Ref      RecordRef
	Attempts int
	Reauths  int
}

func Delivered(ref RecordRef, attempts, reauths int) DeliveryOutcome {
	return DeliveryOutcome{Status: OutcomeDelivered, Ref: ref, Attempts: attempts, Reauths: reauths}
}

func Ignored() DeliveryOutcome {
	return DeliveryOutcome{Status: OutcomeIgnored}
}

func Rejected(reason string) DeliveryOutcome {
	return DeliveryOutcome{Status: OutcomeRejected, Reason: reason}
}

func Exhausted(lastErr error, attempts, reauths int) DeliveryOutcome {
	return DeliveryOutcome{Status: OutcomeExhausted, Err: lastErr, Attempts: attempts, Reauths: reauths}
}

// Succeeded reports whether the upstream caller should treat the event as handled.
func (o DeliveryOutcome) Succeeded() bool {
	return o.Status == OutcomeDelivered || o.Status == OutcomeIgnored
}

// ErrorMessage returns the rejection reason or last error, if any.
func (o DeliveryOutcome) ErrorMessage() string {
	switch {
	case o.Err != nil:
		return o.Err.Error()
	case o.Reason != "":
		return o.Reason
	default:
		return ""
	}
}

// DeliveryRecord is one row of the delivery log.
type DeliveryRecord struct {
	ID           string     `json:"id"`
	EventKind    string     `json:"event_kind"`
	Title        string     `json:"title,omitempty"`
	URL          string     `json:"url,omitempty"`
	Text         string     `json:"text,omitempty"`
	Outcome      string     `json:"outcome"`
	Attempts     int        `json:"attempts"`
	Reauths      int        `json:"reauths"`
	RecordURI    *string    `json:"record_uri,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	DurationMs   int        `json:"duration_ms"`
	CreatedAt    time.Time  `json:"created_at"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
}
