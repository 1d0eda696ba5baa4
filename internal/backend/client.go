package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client when
	// no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024

	defaultTable  = "messages"
	defaultBucket = "attachments"
)

// Config holds the parameters for a Client.
type Config struct {
	// URL is the service base URL, e.g. https://chat.example.com.
	URL string
	// APIKey is the public (anon) key sent with every request.
	APIKey string
	Table  string
	Bucket string

	HTTPClient *http.Client
}

// Client is the HTTP + realtime implementation of Conn.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	table      string
	bucket     string
	logger     *slog.Logger

	mu       sync.RWMutex
	session  *models.Credential
	realtime *Socket
	closed   bool
}

var _ Conn = (*Client)(nil)

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so bearer tokens never leak to a
// third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a Client. If cfg.HTTPClient is nil, a client with a
// 30-second timeout and same-host redirect policy is created.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	table := cfg.Table
	if table == "" {
		table = defaultTable
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}

	base := strings.TrimRight(cfg.URL, "/")

	return &Client{
		httpClient: httpClient,
		baseURL:    base,
		apiKey:     cfg.APIKey,
		table:      table,
		bucket:     bucket,
		logger:     logger,
		realtime:   NewSocket(RealtimeURL(base, cfg.APIKey), logger),
	}
}

// RealtimeURL derives the websocket endpoint from the service base URL.
func RealtimeURL(base, apiKey string) string {
	u := base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	q := url.Values{}
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")

	return strings.TrimRight(u, "/") + "/realtime/v1/websocket?" + q.Encode()
}

// apiErrorBody covers the error shapes of the data, auth and storage
// endpoints.
type apiErrorBody struct {
	Code             json.RawMessage `json:"code"`
	ErrorCode        string          `json:"error_code"`
	Message          string          `json:"message"`
	Msg              string          `json:"msg"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

func (b apiErrorBody) toAPIError(status int) *APIError {
	e := &APIError{Status: status, Code: b.ErrorCode}

	if e.Code == "" && len(b.Code) > 0 {
		var s string
		if json.Unmarshal(b.Code, &s) == nil {
			e.Code = s
		}
	}

	for _, m := range []string{b.Message, b.Msg, b.ErrorDescription, b.Error} {
		if m != "" {
			e.Message = m
			break
		}
	}

	if e.Code == "" && b.Error != "" && b.Error != e.Message {
		e.Code = b.Error
	}

	return e
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	raw    io.Reader
	ctype  string
	header http.Header
	result any
}

// do sends a request and decodes a JSON response into req.result. It
// returns the response headers for callers that need them.
func (c *Client) do(ctx context.Context, req request) (http.Header, error) {
	if c.isClosed() {
		return nil, fmt.Errorf("%w: connection handle closed", apperrors.ErrAPIRequest)
	}

	endpoint := c.baseURL + req.path
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}

	var body io.Reader

	ctype := req.ctype

	switch {
	case req.raw != nil:
		body = req.raw
	case req.body != nil:
		payload, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		body = bytes.NewReader(payload)
		ctype = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("apikey", c.apiKey)
	httpReq.Header.Set("Authorization", "Bearer "+c.bearer())

	if ctype != "" {
		httpReq.Header.Set("Content-Type", ctype)
	}

	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", req.path, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", req.path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb apiErrorBody
		if json.Unmarshal(respBody, &eb) != nil {
			eb = apiErrorBody{Message: sanitizeResponseBody(respBody)}
		}

		apiErr := eb.toAPIError(resp.StatusCode)
		if apiErr.Message == "" {
			apiErr.Message = sanitizeResponseBody(respBody)
		}

		err := fmt.Errorf("%s %s: %w", req.method, req.path, apiErr)
		if isTransientStatus(resp.StatusCode) || isTransientMessage(apiErr.Message) {
			return resp.Header, &TransientError{Err: err}
		}

		return resp.Header, err
	}

	if req.result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, req.result); err != nil {
			return resp.Header, fmt.Errorf("decoding response from %s: %w", req.path, err)
		}
	}

	return resp.Header, nil
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.session != nil && c.session.AccessToken != "" {
		return c.session.AccessToken
	}

	return c.apiKey
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.closed
}

func (c *Client) rowsPath() string {
	return "/rest/v1/" + c.table
}

var returnRepresentation = http.Header{"Prefer": []string{"return=representation"}}

// Ping reads a single id from the messages table.
func (c *Client) Ping(ctx context.Context) error {
	q := url.Values{}
	q.Set("select", "id")
	q.Set("limit", "1")

	var rows []struct {
		ID string `json:"id"`
	}

	if _, err := c.do(ctx, request{method: http.MethodGet, path: c.rowsPath(), query: q, result: &rows}); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	return nil
}

// ListMessages returns the most recent limit messages, oldest first.
func (c *Client) ListMessages(ctx context.Context, limit int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "created_at.desc,id.desc")
	q.Set("limit", strconv.Itoa(limit))

	var rows []models.Message
	if _, err := c.do(ctx, request{method: http.MethodGet, path: c.rowsPath(), query: q, result: &rows}); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	reverse(rows)

	return rows, nil
}

// SearchMessages returns up to limit messages whose content contains
// query (case-insensitive), oldest first.
func (c *Client) SearchMessages(ctx context.Context, query string, limit int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("content", "ilike.*"+escapeLike(query)+"*")
	q.Set("order", "created_at.desc,id.desc")
	q.Set("limit", strconv.Itoa(limit))

	var rows []models.Message
	if _, err := c.do(ctx, request{method: http.MethodGet, path: c.rowsPath(), query: q, result: &rows}); err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}

	reverse(rows)

	return rows, nil
}

// InsertMessage inserts m and returns the stored row.
func (c *Client) InsertMessage(ctx context.Context, m NewMessage) (*models.Message, error) {
	var rows []models.Message

	_, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   c.rowsPath(),
		body:   m,
		header: returnRepresentation,
		result: &rows,
	})
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("inserting message: %w: empty representation", apperrors.ErrAPIResponse)
	}

	return &rows[0], nil
}

// UpdateMessage replaces the content of id if it was authored by authorID.
func (c *Client) UpdateMessage(ctx context.Context, id, authorID, content string) (*models.Message, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("author_id", "eq."+authorID)

	body := map[string]any{
		"content":   content,
		"edited_at": time.Now().UTC(),
	}

	var rows []models.Message

	_, err := c.do(ctx, request{
		method: http.MethodPatch,
		path:   c.rowsPath(),
		query:  q,
		body:   body,
		header: returnRepresentation,
		result: &rows,
	})
	if err != nil {
		return nil, fmt.Errorf("updating message: %w", err)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("updating message %s: %w", id, apperrors.ErrForbidden)
	}

	return &rows[0], nil
}

// DeleteMessage deletes id if it was authored by authorID.
func (c *Client) DeleteMessage(ctx context.Context, id, authorID string) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("author_id", "eq."+authorID)

	var rows []models.Message

	_, err := c.do(ctx, request{
		method: http.MethodDelete,
		path:   c.rowsPath(),
		query:  q,
		header: returnRepresentation,
		result: &rows,
	})
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	if len(rows) == 0 {
		return fmt.Errorf("deleting message %s: %w", id, apperrors.ErrForbidden)
	}

	return nil
}

// SetPinned sets the pinned flag on id. Setting the current value again
// is a no-op on the server.
func (c *Client) SetPinned(ctx context.Context, id string, pinned bool) error {
	q := url.Values{}
	q.Set("id", "eq."+id)

	var rows []models.Message

	_, err := c.do(ctx, request{
		method: http.MethodPatch,
		path:   c.rowsPath(),
		query:  q,
		body:   map[string]bool{"pinned": pinned},
		header: returnRepresentation,
		result: &rows,
	})
	if err != nil {
		return fmt.Errorf("pinning message: %w", err)
	}

	if len(rows) == 0 {
		return fmt.Errorf("pinning message %s: %w", id, apperrors.ErrNotFound)
	}

	return nil
}

// CountMessages returns the exact row count of the messages table.
func (c *Client) CountMessages(ctx context.Context) (int, error) {
	q := url.Values{}
	q.Set("select", "id")
	q.Set("limit", "1")

	hdr, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   c.rowsPath(),
		query:  q,
		header: http.Header{"Prefer": []string{"count=exact"}},
	})
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}

	return parseContentRangeTotal(hdr.Get("Content-Range"))
}

// parseContentRangeTotal extracts the total from "0-0/42" or "*/42".
func parseContentRangeTotal(v string) (int, error) {
	idx := strings.LastIndexByte(v, '/')
	if idx < 0 {
		return 0, fmt.Errorf("%w: missing content range", apperrors.ErrAPIResponse)
	}

	n, err := strconv.Atoi(v[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("%w: content range %q", apperrors.ErrAPIResponse, v)
	}

	return n, nil
}

// ToggleReaction adds or removes the caller's emoji reaction on a message.
func (c *Client) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	body := map[string]string{"message_id": messageID, "emoji": emoji}
	if _, err := c.do(ctx, request{method: http.MethodPost, path: "/rest/v1/rpc/toggle_reaction", body: body}); err != nil {
		return fmt.Errorf("toggling reaction: %w", err)
	}

	return nil
}

// TouchLastActive records that the signed-in user is active.
func (c *Client) TouchLastActive(ctx context.Context) error {
	if _, err := c.do(ctx, request{method: http.MethodPost, path: "/rest/v1/rpc/touch_last_active", body: struct{}{}}); err != nil {
		return fmt.Errorf("touching last active: %w", err)
	}

	return nil
}

// Upload stores r at path in the attachments bucket.
func (c *Client) Upload(ctx context.Context, path, contentType string, r io.Reader) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/storage/v1/object/" + c.bucket + "/" + escapePath(path),
		raw:    r,
		ctype:  contentType,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}

	return nil
}

// PublicURL returns the public download URL for path.
func (c *Client) PublicURL(path string) string {
	return c.baseURL + "/storage/v1/object/public/" + c.bucket + "/" + escapePath(path)
}

// Realtime returns the handle's realtime transport.
func (c *Client) Realtime() Realtime {
	return c.realtime
}

// Close disconnects the realtime socket and releases idle HTTP
// connections. Further calls on the handle fail.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	c.mu.Unlock()

	err := c.realtime.Disconnect()
	c.httpClient.CloseIdleConnections()

	return err
}

func reverse(rows []models.Message) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}

// escapeLike neutralises the characters that are special inside an
// ilike filter value.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`, `*`, `\*`, `,`, ``, `(`, ``, `)`, ``)
	return r.Replace(s)
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}

	return strings.Join(parts, "/")
}
