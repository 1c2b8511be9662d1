package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventPostPublished is the only event kind the bridge acts on.
const EventPostPublished = "post.published"

// PublishEvent is the normalized form of a single content-published notification.
type PublishEvent struct {
	EventKind    string `json:"event_kind"`
	Title        string `json:"title"`
	RelativePath string `json:"relative_path"`
}

// IsPublished reports whether the event is a "post published" notification.
// The comparison is exact; "Post.Published" or "post.published " do not match.
func (e PublishEvent) IsPublished() bool {
	return e.EventKind == EventPostPublished
}

// HasPostData reports whether the event carries a usable title and path.
func (e PublishEvent) HasPostData() bool {
	return e.Title != "" && e.RelativePath != ""
}

// webhookPayload mirrors the subset of the upstream webhook body the bridge
// reads. Everything else in the body is ignored.
type webhookPayload struct {
	Type  *string         `json:"type"`
	Event *string         `json:"event"`
	Post  json.RawMessage `json:"post"`
}

type postFields struct {
	Current      json.RawMessage `json:"current"`
	Title        *string         `json:"title"`
	URL          *string         `json:"url"`
	RelativePath *string         `json:"relative_path"`
	Slug         *string         `json:"slug"`
}

// DecodePublishEvent decodes an upstream webhook body into a PublishEvent.
//
// Fields are resolved in a fixed order:
//
//	event kind: "type", then "event"
//	post:       "post.current", then "post"
//	path:       "url", then "relative_path", then "/<slug>/"
//
// Only malformed JSON is an error. A body with no post, or a post without a
// title or path, decodes to an event whose HasPostData reports false.
func DecodePublishEvent(body []byte) (PublishEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return PublishEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	event := PublishEvent{
		EventKind: firstNonEmpty(payload.Type, payload.Event),
	}

	post, err := resolvePost(payload.Post)
	if err != nil {
		return PublishEvent{}, fmt.Errorf("%w: post: %v", ErrInvalidPayload, err)
	}
	if post == nil {
		return event, nil
	}

	event.Title = strings.TrimSpace(deref(post.Title))
	event.RelativePath = resolvePath(post)
	return event, nil
}

// resolvePost returns the "current" snapshot when the upstream nests one,
// otherwise the post object itself. A missing or null post yields nil.
func resolvePost(raw json.RawMessage) (*postFields, error) {
	if isAbsent(raw) {
		return nil, nil
	}

	var post postFields
	if err := json.Unmarshal(raw, &post); err != nil {
		return nil, err
	}

	if !isAbsent(post.Current) {
		var current postFields
		if err := json.Unmarshal(post.Current, &current); err != nil {
			return nil, fmt.Errorf("current: %w", err)
		}
		return &current, nil
	}
	return &post, nil
}

func resolvePath(post *postFields) string {
	if path := strings.TrimSpace(firstNonEmpty(post.URL, post.RelativePath)); path != "" {
		return path
	}
	if slug := strings.Trim(strings.TrimSpace(deref(post.Slug)), "/"); slug != "" {
		return "/" + slug + "/"
	}
	return ""
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null" || trimmed == "{}"
}

func firstNonEmpty(values ...*string) string {
	for _, v := range values {
		if v != nil && *v != "" {
			return *v
		}
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
