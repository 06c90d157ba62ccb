package discord

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
	"strings"
	"time"

	"spook-pages/internal/httpx"
	"spook-pages/internal/logging"
	"spook-pages/internal/security"
)

const defaultAPIBase = "https://discord.com/api/v10"

// ErrInvalidCode: the authorization code exchange did not yield an access
// token (expired, reused, or garbage code).
var ErrInvalidCode = errors.New("discord: code exchange returned no access token")

// Client drives the OAuth login flow: authorization-code exchange, identity
// fetch, and the best-effort guild enrollment.
type Client struct {
	logger     *slog.Logger
	httpClient *http.Client
	apiBase    string
	retry      httpx.RetryConfig

	clientID     string
	clientSecret string
	redirectURI  string
	guildID      string
	botToken     string
}

// Identity is what the provider tells us about the visitor. It is never
// persisted; it only seeds account defaults at first login.
type Identity struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Email      string `json:"email"`
}

// DisplayName prefers the global display name over the raw handle.
func (id *Identity) DisplayName() string {
	if id.GlobalName != "" {
		return id.GlobalName
	}
	return id.Username
}

func NewClient(logger *slog.Logger, clientID, clientSecret, redirectURI, guildID, botToken string) *Client {
	return &Client{
		logger:       logger,
		httpClient:   httpx.NewPooledClient(),
		apiBase:      defaultAPIBase,
		retry:        httpx.DefaultRetryConfig(),
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		guildID:      guildID,
		botToken:     botToken,
	}
}

// AuthorizeURL is where /login sends the browser.
func (c *Client) AuthorizeURL() string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("redirect_uri", c.redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", "identify email guilds.join")
	return "https://discord.com/oauth2/authorize?" + q.Encode()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// ExchangeCode trades a one-time authorization code for a bearer access token.
func (c *Client) ExchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.redirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(ctx, req, func() io.Reader { return strings.NewReader(form.Encode()) })
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("token_exchange_rejected", "status", resp.StatusCode, "body", string(body))
		return "", ErrInvalidCode
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", ErrInvalidCode
	}

	c.logger.Debug("token_exchanged", "token", logging.MaskToken(tr.AccessToken))
	return tr.AccessToken, nil
}

// FetchIdentity resolves the authenticated user behind accessToken.
func (c *Client) FetchIdentity(ctx context.Context, accessToken string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/users/@me", nil)
	if err != nil {
		return nil, fmt.Errorf("build identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.do(ctx, req, nil)
	if err != nil {
		return nil, fmt.Errorf("identity fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("identity fetch: status %d: %s", resp.StatusCode, body)
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if id.ID == "" {
		return nil, errors.New("identity response missing id")
	}

	return &id, nil
}

// JoinGuild enrolls the user into the community guild using the bot
// credential. 201 = added, 204 = already a member; both count as success, so
// the call is idempotent. Callers treat failures as non-fatal.
func (c *Client) JoinGuild(ctx context.Context, userID, accessToken string) error {
	if _, err := security.ParseSnowflake(userID); err != nil {
		return fmt.Errorf("guild join: bad user id: %w", err)
	}

	body, err := json.Marshal(map[string]string{"access_token": accessToken})
	if err != nil {
		return fmt.Errorf("guild join: marshal body: %w", err)
	}

	u := fmt.Sprintf("%s/guilds/%s/members/%s", c.apiBase, c.guildID, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("guild join: build request: %w", err)
	}
	req.Header.Set("Authorization", botAuthHeader(c.botToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, req, func() io.Reader { return bytes.NewReader(body) })
	if err != nil {
		return fmt.Errorf("guild join: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("guild join: status %d: %s", resp.StatusCode, respBody)
	}

	c.logger.Info("guild_member_added", "user_id", userID, "already_member", resp.StatusCode == http.StatusNoContent)
	return nil
}

// do runs a request, retrying on 429 with the server's Retry-After. newBody
// rebuilds the request body for retries; nil means the request has no body.
func (c *Client) do(ctx context.Context, req *http.Request, newBody func() io.Reader) (*http.Response, error) {
	var resp *http.Response
	var lastErr error

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 && newBody != nil {
			body := newBody()
			rc, ok := body.(io.ReadCloser)
			if !ok {
				rc = io.NopCloser(body)
			}
			req.Body = rc
		}

		var err error
		resp, err = c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		retryAfter := time.Duration(0)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if d, perr := time.ParseDuration(ra + "s"); perr == nil {
				retryAfter = d
			}
		}
		resp.Body.Close()
		lastErr = fmt.Errorf("rate limited (attempt %d)", attempt+1)
		c.logger.Warn("discord_rate_limited", "url", req.URL.Path, "attempt", attempt+1, "retry_after", retryAfter)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(httpx.CalculateBackoff(c.retry, attempt, retryAfter)):
		}
	}

	return nil, lastErr
}

func botAuthHeader(tok string) string {
	if strings.HasPrefix(strings.ToLower(tok), "bot ") {
		return tok
	}
	return "Bot " + tok
}
