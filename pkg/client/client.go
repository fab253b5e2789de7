package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("claimq: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409, e.g. deleting a message held
// by another claim.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Client talks to a claimq server over HTTP.
type Client struct {
	baseURL  string
	project  string
	clientID string
	client   *http.Client
}

type Option func(*Client)

// WithProject scopes every request to a project.
func WithProject(project string) Option {
	return func(c *Client) { c.project = project }
}

// WithClientID identifies this client, which is how echo filtering
// recognizes its own messages.
func WithClientID(id string) Option {
	return func(c *Client) { c.clientID = id }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Message as returned by list, get and claim calls.
type Message struct {
	ID      string          `json:"id"`
	Body    json.RawMessage `json:"body"`
	TTL     int64           `json:"ttl"`
	Age     int64           `json:"age"`
	ClaimID string          `json:"claim_id,omitempty"`
}

// Claim is a lease over a set of messages. An empty ID means nothing was
// claimable.
type Claim struct {
	ID       string    `json:"id"`
	TTL      int64     `json:"ttl"`
	Grace    int64     `json:"grace"`
	Age      int64     `json:"age"`
	Messages []Message `json:"messages"`
}

type Stats struct {
	Free    int `json:"free"`
	Claimed int `json:"claimed"`
	Total   int `json:"total"`
}

// NewMessage is one entry of a Post batch. Body is marshalled to JSON.
type NewMessage struct {
	TTL  time.Duration
	Body any
}

// ---------- Queues ----------

// CreateQueue creates the queue. Creating an existing queue succeeds.
func (c *Client) CreateQueue(ctx context.Context, queue string, metadata map[string]any) error {
	var body any
	if metadata != nil {
		body = metadata
	}
	_, err := c.do(ctx, http.MethodPut, c.queuePath(queue), nil, body, nil)
	return err
}

func (c *Client) DeleteQueue(ctx context.Context, queue string) error {
	_, err := c.do(ctx, http.MethodDelete, c.queuePath(queue), nil, nil, nil)
	return err
}

func (c *Client) QueueStats(ctx context.Context, queue string) (Stats, error) {
	var out struct {
		Messages Stats `json:"messages"`
	}
	_, err := c.do(ctx, http.MethodGet, c.queuePath(queue)+"/stats", nil, nil, &out)
	return out.Messages, err
}

// ---------- Messages ----------

// Post sends a batch and returns the new message ids in input order.
func (c *Client) Post(ctx context.Context, queue string, msgs ...NewMessage) ([]string, error) {
	batch := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		raw, err := json.Marshal(m.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		batch = append(batch, map[string]any{
			"ttl":  int64(m.TTL / time.Second),
			"body": json.RawMessage(raw),
		})
	}

	var out struct {
		IDs []string `json:"ids"`
	}
	if _, err := c.do(ctx, http.MethodPost, c.queuePath(queue)+"/messages", nil, batch, &out); err != nil {
		return nil, err
	}
	return out.IDs, nil
}

// ListOptions page through a queue. Zero values take server defaults.
type ListOptions struct {
	Marker         string
	Limit          int
	Echo           bool
	IncludeClaimed bool
}

// ListMessages returns one page and the marker for the next.
func (c *Client) ListMessages(ctx context.Context, queue string, opts ListOptions) ([]Message, string, error) {
	q := url.Values{}
	if opts.Marker != "" {
		q.Set("marker", opts.Marker)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	q.Set("echo", strconv.FormatBool(opts.Echo))
	q.Set("include_claimed", strconv.FormatBool(opts.IncludeClaimed))

	var out struct {
		Messages []Message `json:"messages"`
		Marker   string    `json:"marker"`
	}
	status, err := c.do(ctx, http.MethodGet, c.queuePath(queue)+"/messages", q, nil, &out)
	if err != nil || status == http.StatusNoContent {
		return nil, "", err
	}
	return out.Messages, out.Marker, nil
}

func (c *Client) GetMessage(ctx context.Context, queue, id string) (Message, error) {
	var m Message
	_, err := c.do(ctx, http.MethodGet, c.queuePath(queue)+"/messages/"+url.PathEscape(id), nil, nil, &m)
	return m, err
}

// DeleteMessage deletes a message. Pass the claim id when deleting a
// claimed message; an empty claim id only deletes unclaimed messages.
func (c *Client) DeleteMessage(ctx context.Context, queue, id, claimID string) error {
	var q url.Values
	if claimID != "" {
		q = url.Values{"claim_id": {claimID}}
	}
	_, err := c.do(ctx, http.MethodDelete, c.queuePath(queue)+"/messages/"+url.PathEscape(id), q, nil, nil)
	return err
}

// ---------- Claims ----------

// ClaimOptions control a claim request. Limit 0 takes the server default.
type ClaimOptions struct {
	TTL   time.Duration
	Grace time.Duration
	Limit int
}

// Claim leases up to opts.Limit messages. A zero Claim (empty ID) means
// the queue had nothing claimable.
func (c *Client) Claim(ctx context.Context, queue string, opts ClaimOptions) (Claim, error) {
	var q url.Values
	if opts.Limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(opts.Limit)}}
	}
	body := map[string]int64{
		"ttl":   int64(opts.TTL / time.Second),
		"grace": int64(opts.Grace / time.Second),
	}

	var claim Claim
	status, err := c.do(ctx, http.MethodPost, c.queuePath(queue)+"/claims", q, body, &claim)
	if err != nil || status == http.StatusNoContent {
		return Claim{}, err
	}
	return claim, nil
}

func (c *Client) GetClaim(ctx context.Context, queue, claimID string) (Claim, error) {
	var claim Claim
	_, err := c.do(ctx, http.MethodGet, c.claimPath(queue, claimID), nil, nil, &claim)
	return claim, err
}

// RenewClaim restarts the claim TTL from now.
func (c *Client) RenewClaim(ctx context.Context, queue, claimID string, ttl time.Duration) error {
	body := map[string]int64{"ttl": int64(ttl / time.Second)}
	_, err := c.do(ctx, http.MethodPatch, c.claimPath(queue, claimID), nil, body, nil)
	return err
}

// ReleaseClaim returns the claimed messages to the queue.
func (c *Client) ReleaseClaim(ctx context.Context, queue, claimID string) error {
	_, err := c.do(ctx, http.MethodDelete, c.claimPath(queue, claimID), nil, nil, nil)
	return err
}

// ---------- transport ----------

func (c *Client) queuePath(queue string) string {
	return "/v1/queues/" + url.PathEscape(queue)
}

func (c *Client) claimPath(queue, claimID string) string {
	return c.queuePath(queue) + "/claims/" + url.PathEscape(claimID)
}

// do sends a request and decodes a JSON response into out when the server
// returned content. It returns the status code for callers that treat 204
// specially.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) (int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.project != "" {
		req.Header.Set("X-Project-ID", c.project)
	}
	if c.clientID != "" {
		req.Header.Set("Client-ID", c.clientID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
