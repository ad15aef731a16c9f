// Package billing is the service gateway in front of the NuxBill-style
// billing API: it owns the session credential, shields read operations with
// short-lived caches, and aggregates per-subscriber detail fetches under
// bounded parallelism.
package billing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aridhom/nuxgate/internal/faults"
	"github.com/aridhom/nuxgate/internal/metrics"
	"github.com/aridhom/nuxgate/internal/retry"
)

// credentialLifetime is the heuristic absolute lifetime applied when the
// token carries a parsable issuance time.
const credentialLifetime = 90 * 24 * time.Hour

// Credential is the cached bearer token. IssuedAt stays zero when the token's
// embedded timestamp cannot be parsed, in which case the credential is
// treated as never expiring to avoid needless re-login.
type Credential struct {
	Value    string
	IssuedAt time.Time
}

// Expired reports whether the heuristic lifetime has lapsed.
func (c Credential) Expired(now time.Time) bool {
	if c.IssuedAt.IsZero() {
		return false
	}
	return now.Sub(c.IssuedAt) > credentialLifetime
}

// parseCredential extracts the issuance time embedded at segment index 2 of a
// dot-delimited 4-segment token.
func parseCredential(token string) Credential {
	cred := Credential{Value: token}
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return cred
	}
	var issued int64
	if err := json.Unmarshal([]byte(parts[2]), &issued); err != nil {
		return cred
	}
	cred.IssuedAt = time.Unix(issued, 0)
	return cred
}

// Config identifies the billing API and its static operator account.
type Config struct {
	APIURL   string
	Username string
	Password string
}

// Client issues authenticated calls against the billing API. Every response
// is a JSON envelope {success, message, result}; a success=false envelope
// surfaces its message as a gateway failure.
type Client struct {
	apiURL   string
	username string
	password string
	http     *http.Client
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time

	mu    sync.Mutex
	token *Credential
}

// NewClient wires the gateway client. httpClient may be nil, in which case a
// client with conservative timeouts is used.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger, rec *metrics.Recorder) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 8 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiURL:   strings.TrimRight(cfg.APIURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http:     httpClient,
		logger:   logger.With(slog.String("agent", "billing_client")),
		metrics:  rec,
		now:      time.Now,
	}
}

type envelope struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Result  map[string]any `json:"result"`
}

// Token returns the cached credential, logging in when none exists or the
// heuristic lifetime has lapsed. Concurrent refreshes may race; login is
// idempotent so the last writer simply wins.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != nil && !c.token.Expired(c.now()) {
		value := c.token.Value
		c.mu.Unlock()
		return value, nil
	}
	c.mu.Unlock()
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	env, status, err := c.exec(ctx, http.MethodPost, "admin/post", nil, form, "")
	c.observe("admin/post", err)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", faults.Gatewayf("billing login returned status %d", status)
	}
	if !env.Success {
		return "", faults.Gatewayf("%s", messageOr(env.Message, "billing login failed"))
	}
	token, _ := env.Result["token"].(string)
	if token == "" {
		return "", faults.Gatewayf("billing login response missing token")
	}

	cred := parseCredential(token)
	c.mu.Lock()
	c.token = &cred
	c.mu.Unlock()
	c.logger.Debug("billing credential refreshed", slog.Bool("issued_at_known", !cred.IssuedAt.IsZero()))
	return token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

// Get issues an authenticated read and returns the envelope's result once the
// success flag is validated.
func (c *Client) Get(ctx context.Context, route string, params url.Values) (map[string]any, error) {
	return c.request(ctx, http.MethodGet, route, params, nil)
}

// PostForm issues an authenticated form write and validates the envelope.
func (c *Client) PostForm(ctx context.Context, route string, form url.Values) (map[string]any, error) {
	return c.request(ctx, http.MethodPost, route, nil, form)
}

func (c *Client) request(ctx context.Context, method, route string, params, form url.Values) (map[string]any, error) {
	for attempt := 1; ; attempt++ {
		token, err := c.Token(ctx)
		if err != nil {
			return nil, err
		}

		env, status, err := c.exec(ctx, method, route, params, form, token)
		c.observe(route, err)
		if err != nil {
			return nil, err
		}
		// An unauthorized status means the cached credential went stale ahead
		// of the heuristic: drop it and retry once with a fresh login.
		if status == http.StatusUnauthorized && attempt == 1 {
			c.invalidateToken()
			continue
		}
		if status >= 400 {
			return nil, faults.Gatewayf("billing api returned status %d", status)
		}
		if !env.Success {
			return nil, faults.Gatewayf("%s", messageOr(env.Message, "billing request failed"))
		}
		if env.Result == nil {
			return map[string]any{}, nil
		}
		return env.Result, nil
	}
}

// exec performs one HTTP call through the retry policy. Transport failures
// exhaust the retry budget and come back classified as timeouts; HTTP error
// statuses are returned to the caller untouched.
func (c *Client) exec(ctx context.Context, method, route string, params, form url.Values, token string) (envelope, int, error) {
	query := url.Values{}
	query.Set("r", route)
	if token != "" {
		query.Set("token", token)
	}
	for name, values := range params {
		for _, value := range values {
			query.Add(name, value)
		}
	}
	target := c.apiURL + "?" + query.Encode()

	var env envelope
	var status int
	call := func(ctx context.Context) error {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return err
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		if resp.StatusCode >= 400 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
			return nil
		}

		decoder := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
		decoder.UseNumber()
		env = envelope{}
		if err := decoder.Decode(&env); err != nil {
			return faults.Gateway("billing response is not a valid envelope", err)
		}
		return nil
	}

	if err := retry.Do(ctx, c.logger, "billing "+route, call); err != nil {
		if retry.Transient(err) {
			return envelope{}, 0, faults.Timeout("billing api unreachable", err)
		}
		if faults.KindOf(err) == faults.KindGateway {
			return envelope{}, 0, err
		}
		return envelope{}, 0, faults.Internal(err)
	}
	return env, status, nil
}

func (c *Client) observe(route string, err error) {
	c.metrics.ObserveDownstream("billing", route, err)
}

func messageOr(message, fallback string) string {
	if strings.TrimSpace(message) == "" {
		return fallback
	}
	return message
}
