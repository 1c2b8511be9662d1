package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Priya8975/ghost-bluesky-bridge/internal/domain"
)

const (
	DefaultHost = "https://bsky.social"

	createSessionPath = "/xrpc/com.atproto.server.createSession"
	createRecordPath  = "/xrpc/com.atproto.repo.createRecord"

	// RequestTimeout bounds every individual remote call.
	RequestTimeout = 30 * time.Second

	maxErrorBody = 1024
)

// StatusError is returned when the remote answers with an unexpected status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Is lets errors.Is(err, domain.ErrUnauthorized) match 401 responses.
func (e *StatusError) Is(target error) bool {
	return target == domain.ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Client talks to the session and record endpoints of a Bluesky PDS.
type Client struct {
	httpClient *http.Client
	host       string
	now        func() time.Time
}

// NewClient creates a client for host with the standard per-call timeout.
func NewClient(host string) *Client {
	if host == "" {
		host = DefaultHost
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: RequestTimeout,
		},
		host: strings.TrimRight(host, "/"),
		now:  time.Now,
	}
}

type createSessionRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type createSessionResponse struct {
	AccessJwt string `json:"accessJwt"`
	Did       string `json:"did"`
}

// CreateSession authenticates with identifier/password. Any non-2xx status
// or a response without an access token and account id is an error.
func (c *Client) CreateSession(ctx context.Context, identifier, password string) (domain.Credential, error) {
	resp, err := c.post(ctx, createSessionPath, "", createSessionRequest{
		Identifier: identifier,
		Password:   password,
	})
	if err != nil {
		return domain.Credential{}, fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.Credential{}, newStatusError("create session", resp)
	}

	var body createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.Credential{}, fmt.Errorf("create session: decoding response: %w", err)
	}
	if body.AccessJwt == "" || body.Did == "" {
		return domain.Credential{}, errors.New("create session: response missing accessJwt or did")
	}

	return domain.Credential{
		AccessToken: body.AccessJwt,
		AccountID:   body.Did,
		IssuedAt:    c.now(),
	}, nil
}

type createRecordRequest struct {
	Repo       string            `json:"repo"`
	Collection string            `json:"collection"`
	Record     domain.PostRecord `json:"record"`
}

// CreateRecord writes a post record with cred. Only an exact 200 counts as
// success; a 401 yields an error matching domain.ErrUnauthorized.
func (c *Client) CreateRecord(ctx context.Context, cred domain.Credential, record domain.PostRecord) (domain.RecordRef, error) {
	resp, err := c.post(ctx, createRecordPath, cred.AccessToken, createRecordRequest{
		Repo:       cred.AccountID,
		Collection: domain.PostCollection,
		Record:     record,
	})
	if err != nil {
		return domain.RecordRef{}, fmt.Errorf("create record: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.RecordRef{}, newStatusError("create record", resp)
	}

	// The record exists once the remote says 200; a body we cannot read
	// only costs us the reference.
	var ref domain.RecordRef
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&ref)
	return ref, nil
}

func (c *Client) post(ctx context.Context, path, token string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func newStatusError(op string, resp *http.Response) *StatusError {
	// Read response body (limit to 1KB to keep error messages bounded)
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
