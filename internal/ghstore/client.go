package ghstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"

	"golang.org/x/time/rate"

	"spook-pages/internal/httpx"
)

// Client wraps the GitHub contents API as a versioned file store. The file's
// blob SHA is the version token: updates must present the SHA they last read,
// and creations must present none. GitHub enforces both atomically, which is
// what the publishing pipeline leans on for uniqueness and optimistic
// concurrency.
type Client struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	token      string
	owner      string
	repo       string
	writeLimit *rate.Limiter
	breaker    *Breaker
	retry      httpx.RetryConfig
}

// File is a stored document plus its current version token.
type File struct {
	Content []byte
	SHA     string
}

// WriteOptions controls a single write. An empty SHA means pure creation:
// the write fails with ErrConflict if the path already exists. A non-empty
// SHA means update: the write fails with ErrConflict if the stored version
// no longer matches.
type WriteOptions struct {
	SHA     string
	Message string
}

func New(logger *slog.Logger, token, owner, repo string) *Client {
	return &Client{
		logger:     logger,
		httpClient: httpx.NewPooledClient(),
		baseURL:    "https://api.github.com",
		token:      token,
		owner:      owner,
		repo:       repo,
		writeLimit: rate.NewLimiter(rate.Limit(2), 4),
		breaker:    NewBreaker(),
		retry:      httpx.DefaultRetryConfig(),
	}
}

type contentResponse struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	SHA      string `json:"sha"`
}

type writeRequest struct {
	Message string `json:"message"`
	Content string `json:"content"` // base64-encoded
	SHA     string `json:"sha,omitempty"`
}

type writeResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
}

// Read fetches the file at path together with its current version token.
func (c *Client) Read(ctx context.Context, path string) (*File, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: circuit breaker %s", ErrUnavailable, c.breaker.StateString())
	}

	var resp *http.Response
	var lastErr error

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.contentsURL(path), nil)
		if err != nil {
			return nil, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
		}
		c.setHeaders(req)

		resp, err = c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("store_read_retry", "path", path, "attempt", attempt+1, "error", err)
			if serr := sleepCtx(ctx, httpx.CalculateBackoff(c.retry, attempt, 0)); serr != nil {
				c.breaker.RecordFailure()
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, serr)
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			status := resp.StatusCode
			resp.Body.Close()
			resp = nil
			lastErr = fmt.Errorf("status %d", status)
			c.logger.Warn("store_read_retry", "path", path, "attempt", attempt+1, "status", status)
			if serr := sleepCtx(ctx, httpx.CalculateBackoff(c.retry, attempt, retryAfter)); serr != nil {
				c.breaker.RecordFailure()
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, serr)
			}
			continue
		}

		break
	}

	if resp == nil {
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, lastErr)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fallthrough to decode below
	case http.StatusNotFound:
		// the API answered, so the store is healthy
		c.breaker.RecordSuccess()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	case http.StatusUnauthorized, http.StatusForbidden:
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("%w: read %s: status %d (check GITHUB_TOKEN)", ErrUnavailable, path, resp.StatusCode)
	default:
		c.breaker.RecordFailure()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: read %s: status %d: %s", ErrUnavailable, path, resp.StatusCode, body)
	}

	var cr contentResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("%w: decode read response: %v", ErrUnavailable, err)
	}

	// GitHub wraps base64 content at 60 columns
	raw, err := base64.StdEncoding.DecodeString(strings.Map(dropSpace, cr.Content))
	if err != nil {
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("%w: decode content for %s: %v", ErrUnavailable, path, err)
	}

	c.breaker.RecordSuccess()
	return &File{Content: raw, SHA: cr.SHA}, nil
}

// Write creates or updates the file at path per opts and returns the new
// version token. Writes are never retried automatically: a create is not
// idempotent, and replaying one after a lost response would misreport a
// success as a conflict at best.
func (c *Client) Write(ctx context.Context, path string, content []byte, opts WriteOptions) (string, error) {
	if !c.breaker.Allow() {
		return "", fmt.Errorf("%w: circuit breaker %s", ErrUnavailable, c.breaker.StateString())
	}

	if err := c.writeLimit.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	msg := sanitizeMessage(opts.Message)
	if msg == "" {
		msg = "Update " + path
	}

	body, err := json.Marshal(writeRequest{
		Message: msg,
		Content: base64.StdEncoding.EncodeToString(content),
		SHA:     opts.SHA,
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal write request: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.contentsURL(path), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return "", fmt.Errorf("%w: write %s: %v", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var wr writeResponse
		if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
			c.breaker.RecordSuccess()
			return "", fmt.Errorf("%w: decode write response: %v", ErrUnavailable, err)
		}
		c.breaker.RecordSuccess()
		c.logger.Info("store_write",
			"path", path,
			"created", resp.StatusCode == http.StatusCreated,
			"new_sha", wr.Content.SHA,
		)
		return wr.Content.SHA, nil

	case http.StatusConflict, http.StatusUnprocessableEntity:
		// 409 = stale sha; 422 = create against an existing path. Both are
		// answered by a healthy store.
		c.breaker.RecordSuccess()
		return "", fmt.Errorf("%w: write %s (sha %q)", ErrConflict, path, opts.SHA)

	case http.StatusUnauthorized, http.StatusForbidden:
		c.breaker.RecordFailure()
		return "", fmt.Errorf("%w: write %s: status %d (check GITHUB_TOKEN)", ErrUnavailable, path, resp.StatusCode)

	default:
		c.breaker.RecordFailure()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: write %s: status %d: %s", ErrUnavailable, path, resp.StatusCode, respBody)
	}
}

func (c *Client) contentsURL(path string) string {
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.baseURL, c.owner, c.repo, path)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}

// sanitizeMessage strips control characters and truncates the commit message;
// usernames end up inside it.
func sanitizeMessage(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	s = strings.TrimSpace(b.String())
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v + "s")
	if err != nil {
		return 0
	}
	return d
}

func dropSpace(r rune) rune {
	if unicode.IsSpace(r) {
		return -1
	}
	return r
}

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
