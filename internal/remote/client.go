package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mschirtzinger/offlinesync/internal/schema"
	"github.com/mschirtzinger/offlinesync/internal/syncerr"
)

const (
	maxResponseBytes  = 8 << 20  // 8 MiB
	maxErrorBodyBytes = 32 << 10 // 32 KiB
)

// RetryConfig configures retry of idempotent failures inside one call.
type RetryConfig struct {
	// MaxRetries is the number of extra attempts after the first
	MaxRetries int
	// InitialBackoff is the wait before the first retry
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential backoff
	MaxBackoff time.Duration
	// BackoffMultiplier grows the backoff per attempt
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0 to 1.0)
	Jitter float64
	// RetryableStatusCodes are HTTP status codes that should be retried
	RetryableStatusCodes []int
}

// DefaultRetryConfig returns sensible defaults for retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryableStatusCodes: []int{
			http.StatusTooManyRequests,     // 429
			http.StatusInternalServerError, // 500
			http.StatusBadGateway,          // 502
			http.StatusServiceUnavailable,  // 503
			http.StatusGatewayTimeout,      // 504
		},
	}
}

func (r RetryConfig) backoff(attempt int) time.Duration {
	d := float64(r.InitialBackoff) * math.Pow(r.BackoffMultiplier, float64(attempt-1))
	if d > float64(r.MaxBackoff) {
		d = float64(r.MaxBackoff)
	}
	if r.Jitter > 0 {
		d += d * r.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

func (r RetryConfig) retryable(status int) bool {
	for _, code := range r.RetryableStatusCodes {
		if code == status {
			return true
		}
	}
	return false
}

// Config holds PostgREST client settings.
type Config struct {
	// URL is the project base URL; requests go to URL + "/rest/v1".
	URL string

	// APIKey is sent as both apikey and bearer token.
	APIKey string

	// Timeout bounds one logical call, retries included.
	Timeout time.Duration

	// RequestsPerSecond throttles outgoing requests (0 disables).
	RequestsPerSecond float64
	Burst             int

	Retry RetryConfig

	// Observe, when set, is called after every HTTP attempt. status is 0
	// when the request never got a response.
	Observe func(method, table string, status int, elapsed time.Duration)

	HTTPClient *http.Client
	Logger     *log.Logger
	Clock      func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:           30 * time.Second,
		RequestsPerSecond: 10,
		Burst:             20,
		Retry:             DefaultRetryConfig(),
		Logger:            log.New(os.Stderr, "[remote] ", log.LstdFlags),
		Clock:             time.Now,
	}
}

// Client is a PostgREST client. It is safe for concurrent use.
type Client struct {
	restURL string
	apiKey  string
	http    *http.Client
	retry   RetryConfig
	limiter *rate.Limiter
	timeout time.Duration
	observe func(method, table string, status int, elapsed time.Duration)
	logger  *log.Logger
	now     func() time.Time
}

// NewClient validates config and builds a Client.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("remote config is required")
	}
	base := strings.TrimRight(config.URL, "/")
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("remote URL must be absolute (got %q)", config.URL)
	}

	defaults := DefaultConfig()
	c := &Client{
		restURL: base + "/rest/v1",
		apiKey:  config.APIKey,
		http:    config.HTTPClient,
		retry:   config.Retry,
		timeout: config.Timeout,
		observe: config.Observe,
		logger:  config.Logger,
		now:     config.Clock,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.retry.RetryableStatusCodes == nil {
		c.retry = defaults.Retry
	}
	if c.timeout <= 0 {
		c.timeout = defaults.Timeout
	}
	if c.logger == nil {
		c.logger = defaults.Logger
	}
	if c.now == nil {
		c.now = time.Now
	}
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	return c, nil
}

// Repository returns the table repository for t.
func (c *Client) Repository(t schema.EntityType) Repository {
	return &Table{client: c, entityType: t}
}

// query builds PostgREST query strings.
type query struct {
	filters []string
	orders  []string
}

func (q *query) eq(column, value string) *query {
	q.filters = append(q.filters, column+"=eq."+url.QueryEscape(value))
	return q
}

func (q *query) order(column string) *query {
	q.orders = append(q.orders, column+".asc")
	return q
}

func (q *query) encode() string {
	params := append([]string(nil), q.filters...)
	if len(q.orders) > 0 {
		params = append(params, "order="+strings.Join(q.orders, ","))
	}
	return strings.Join(params, "&")
}

// request performs one logical call: rate limiting, timeout, retries.
func (c *Client) request(ctx context.Context, op, method, table string, q *query, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.restURL + "/" + url.PathEscape(table)
	if q != nil {
		if qs := q.encode(); qs != "" {
			target += "?" + qs
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.retry.backoff(attempt)
			c.logger.Printf("Retrying %s in %v (attempt %d): %v", op, wait, attempt+1, lastErr)
			select {
			case <-ctx.Done():
				return nil, syncerr.Transient(op, ctx.Err())
			case <-time.After(wait):
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, syncerr.Transient(op, err)
			}
		}

		started := time.Now()
		respBody, status, err := c.send(ctx, method, target, body)
		if c.observe != nil {
			c.observe(method, table, status, time.Since(started))
		}
		if err != nil {
			// Transport failures never reached the server; retry those.
			lastErr = syncerr.Transient(op, err)
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}
		if status < 400 {
			return respBody, nil
		}

		remoteErr := parseError(op, respBody, status)
		if !c.retry.retryable(status) {
			return nil, remoteErr
		}
		lastErr = remoteErr
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, method, target string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "return=representation")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	limit := int64(maxResponseBytes)
	if resp.StatusCode >= 400 {
		limit = maxErrorBodyBytes
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

// parseError turns a PostgREST error body into a RemoteError.
func parseError(op string, body []byte, status int) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
		Hint    string `json:"hint"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return &syncerr.RemoteError{
			Op:         op,
			StatusCode: status,
			Message:    strings.TrimSpace(string(body)),
		}
	}
	msg := errResp.Message
	if msg == "" {
		msg = errResp.Error
	}
	return &syncerr.RemoteError{
		Op:         op,
		StatusCode: status,
		Code:       errResp.Code,
		Message:    msg,
		Details:    errResp.Details,
		Hint:       errResp.Hint,
	}
}

// Table is the PostgREST repository for one entity type.
type Table struct {
	client     *Client
	entityType schema.EntityType
}

func (r *Table) EntityType() schema.EntityType { return r.entityType }

func (r *Table) GetAll(ctx context.Context, owner string) ([]schema.Variant, error) {
	op := "list " + r.entityType.Table()
	q := (&query{}).eq("owner_id", owner).order("created_at")
	body, err := r.client.request(ctx, op, http.MethodGet, r.entityType.Table(), q, nil)
	if err != nil {
		return nil, err
	}
	return r.decodeRows(op, body)
}

func (r *Table) Create(ctx context.Context, record schema.Variant) (schema.Variant, error) {
	op := "create " + r.entityType.Table()
	if record.Type != r.entityType {
		return schema.Variant{}, fmt.Errorf("%s: %w: record is a %s", op, syncerr.ErrInvalidInput, record.Type)
	}
	data, err := record.Data()
	if err != nil {
		return schema.Variant{}, err
	}
	body, err := r.client.request(ctx, op, http.MethodPost, r.entityType.Table(), nil, data)
	if err != nil {
		return schema.Variant{}, err
	}
	return r.single(op, body)
}

func (r *Table) Update(ctx context.Context, id string, patch schema.Patch) (schema.Variant, error) {
	op := "update " + r.entityType.Table()
	if err := patch.Validate(); err != nil {
		return schema.Variant{}, fmt.Errorf("%s: %w: %w", op, syncerr.ErrInvalidInput, err)
	}
	data, err := json.Marshal(patch.WithUpdatedAt(r.client.now()))
	if err != nil {
		return schema.Variant{}, fmt.Errorf("failed to encode patch: %w", err)
	}
	q := (&query{}).eq("id", id)
	body, err := r.client.request(ctx, op, http.MethodPatch, r.entityType.Table(), q, data)
	if err != nil {
		return schema.Variant{}, err
	}
	return r.single(op, body)
}

func (r *Table) Delete(ctx context.Context, id string) error {
	op := "delete " + r.entityType.Table()
	q := (&query{}).eq("id", id)
	_, err := r.client.request(ctx, op, http.MethodDelete, r.entityType.Table(), q, nil)
	return err
}

func (r *Table) decodeRows(op string, body []byte) ([]schema.Variant, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, syncerr.Transient(op, fmt.Errorf("malformed response: %w", err))
	}
	out := make([]schema.Variant, 0, len(raw))
	for _, row := range raw {
		v, err := schema.Decode(r.entityType, row)
		if err != nil {
			r.client.logger.Printf("WARNING: skipping undecodable %s row: %v", r.entityType, err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// single unwraps a representation response. PostgREST answers a PATCH that
// matched nothing with an empty array, which is reported as 404.
func (r *Table) single(op string, body []byte) (schema.Variant, error) {
	rows, err := r.decodeRows(op, body)
	if err != nil {
		return schema.Variant{}, err
	}
	if len(rows) == 0 {
		return schema.Variant{}, &syncerr.RemoteError{
			Op:         op,
			StatusCode: http.StatusNotFound,
			Code:       "PGRST116",
			Message:    "no rows matched",
		}
	}
	return rows[0], nil
}
