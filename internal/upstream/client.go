package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client talks to one browser-automation container. It is safe for
// concurrent use; per-request state travels through context and arguments.
//
// Retry policy: only transport failures are retried, at most analyzeRetries
// extra attempts (clamped to [0,2]) with backoff min(250ms*2^attempt, 2s).
// HTTP-level failures are never retried here; a 423 or 5xx is a routing
// signal the executor must see immediately.
type Client struct {
	baseURL        string
	containerID    string
	httpClient     *http.Client
	analyzeRetries int
	ioLogger       ExchangeLogger

	// sleep is a test seam for the retry backoff.
	sleep func(context.Context, time.Duration) error
}

// ClientOptions configures a Client.
type ClientOptions struct {
	ConnectTimeout time.Duration // dial + TLS; default 10s
	ReadTimeout    time.Duration // whole-request budget; default 120s
	AnalyzeRetries int           // extra transport retries, clamped to [0,2]
	ContainerID    string
	IOLogger       ExchangeLogger // nil disables exchange logging
}

// NewClient builds a client for the container at baseURL.
func NewClient(baseURL string, opts ClientOptions) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 120 * time.Second
	}
	retries := opts.AnalyzeRetries
	if retries < 0 {
		retries = 0
	}
	if retries > 2 {
		retries = 2
	}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConnsPerHost:   4,
	}

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		containerID: opts.ContainerID,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.ReadTimeout,
		},
		analyzeRetries: retries,
		ioLogger:       opts.IOLogger,
		sleep:          sleepCtx,
	}
}

// BaseURL returns the container endpoint the client was built for.
func (c *Client) BaseURL() string { return c.baseURL }

// ContainerID returns the container this client belongs to.
func (c *Client) ContainerID() string { return c.containerID }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context, requestID string) (map[string]any, error) {
	payload, err := c.requestJSON(ctx, http.MethodGet, "/health", nil, requestID)
	if err != nil {
		return nil, err
	}
	m, _ := payload.(map[string]any)
	return m, nil
}

// Status calls GET /status and returns the typed view.
func (c *Client) Status(ctx context.Context, requestID string) (StatusPayload, error) {
	payload, err := c.requestJSON(ctx, http.MethodGet, "/status", nil, requestID)
	if err != nil {
		return StatusPayload{}, err
	}
	return StatusPayload{Raw: payload}, nil
}

// OpenParams carries the optional identity fields for Open and the
// analyze calls. Socks is sent verbatim; redaction happens only in logs.
type OpenParams struct {
	Profile string
	Socks   string
}

// Open asks the container to navigate to url under the given identity.
func (c *Client) Open(ctx context.Context, url string, p OpenParams, requestID string) (Result, error) {
	body := map[string]any{"url": url}
	if p.Profile != "" {
		body["profile"] = p.Profile
	}
	if p.Socks != "" {
		body["socks"] = p.Socks
	}
	payload, err := c.requestJSON(ctx, http.MethodPost, "/open", body, requestID)
	if err != nil {
		return Result{}, err
	}
	return Result{Raw: payload}, nil
}

// AnalyzeParams carries one analyze call.
type AnalyzeParams struct {
	Text     string
	ImageB64 string
	ImageExt string
	URL      string // chat page to run in; empty lets the container decide
	Profile  string
	Socks    string
}

// AnalyzeText sends a text prompt via POST /analyze, falling back to the
// legacy POST /analyze_text when the container answers 404/405.
func (c *Client) AnalyzeText(ctx context.Context, p AnalyzeParams, requestID string) (Result, error) {
	body := analyzeBody(p)
	payload, err := c.requestWithRetries(ctx, http.MethodPost, "/analyze", body, requestID)
	if err != nil {
		var ue *Error
		if asUpstream(err, &ue) && ue.Kind == KindBadRequest && (ue.StatusCode == 404 || ue.StatusCode == 405) {
			payload, err = c.requestWithRetries(ctx, http.MethodPost, "/analyze_text", body, requestID)
			if err != nil {
				return Result{}, err
			}
			return Result{Raw: payload}, nil
		}
		return Result{}, err
	}
	return Result{Raw: payload}, nil
}

// AnalyzeImageB64 sends a base64 image via POST /analyze.
func (c *Client) AnalyzeImageB64(ctx context.Context, p AnalyzeParams, requestID string) (Result, error) {
	body := analyzeBody(p)
	body["image_b64"] = p.ImageB64
	body["ext"] = p.ImageExt
	delete(body, "text")
	payload, err := c.requestWithRetries(ctx, http.MethodPost, "/analyze", body, requestID)
	if err != nil {
		return Result{}, err
	}
	return Result{Raw: payload}, nil
}

func analyzeBody(p AnalyzeParams) map[string]any {
	body := map[string]any{}
	if p.Text != "" {
		body["text"] = p.Text
	}
	if p.URL != "" {
		body["url"] = p.URL
	}
	if p.Profile != "" {
		body["profile"] = p.Profile
	}
	if p.Socks != "" {
		body["socks"] = p.Socks
	}
	return body
}

func asUpstream(err error, target **Error) bool {
	ue, ok := err.(*Error)
	if ok {
		*target = ue
	}
	return ok
}

func (c *Client) requestWithRetries(ctx context.Context, method, path string, body map[string]any, requestID string) (any, error) {
	var lastErr error
	for attempt := 0; attempt <= c.analyzeRetries; attempt++ {
		payload, err := c.requestJSON(ctx, method, path, body, requestID)
		if err == nil {
			return payload, nil
		}
		if !IsTransport(err) {
			return nil, err
		}
		lastErr = err
		if attempt >= c.analyzeRetries {
			break
		}
		backoff := time.Duration(float64(250*time.Millisecond) * float64(int(1)<<attempt))
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, transportErr(err)
		}
	}
	return nil, lastErr
}

func (c *Client) requestJSON(ctx context.Context, method, path string, body map[string]any, requestID string) (any, error) {
	fullURL := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logExchange(Record{
			RequestID:  requestID,
			Method:     method,
			Path:       path,
			URL:        fullURL,
			Request:    body,
			DurationMS: time.Since(start).Milliseconds(),
			Error:      err.Error(),
		})
		return nil, transportErr(err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if readErr != nil {
		c.logExchange(Record{
			RequestID:  requestID,
			Method:     method,
			Path:       path,
			URL:        fullURL,
			Request:    body,
			StatusCode: resp.StatusCode,
			DurationMS: time.Since(start).Milliseconds(),
			Error:      readErr.Error(),
		})
		return nil, transportErr(readErr)
	}

	payload := decodePayload(raw)
	c.logExchange(Record{
		RequestID:  requestID,
		Method:     method,
		Path:       path,
		URL:        fullURL,
		Request:    body,
		StatusCode: resp.StatusCode,
		Response:   payload,
		DurationMS: time.Since(start).Milliseconds(),
	})

	if resp.StatusCode >= 400 {
		return nil, classify(resp.StatusCode, payload)
	}
	return payload, nil
}

func (c *Client) logExchange(r Record) {
	if c.ioLogger == nil {
		return
	}
	r.ContainerID = c.containerID
	c.ioLogger.LogExchange(r)
}
