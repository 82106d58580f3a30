// Package backend is a client for the application backend that performs the
// OAuth code exchange and owns the session cookie.
//
// Every response uses the envelope
//
//	{"success": bool, "data": ..., "error": "..."}
//
// and every call should go through the authenticated HTTP client from the
// middleware package so the session cookie is attached and 401s propagate.
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
	"strings"

	"github.com/mnehpets/onesession/session"
)

// AuthenticationRequired is the error text the backend uses when no provider
// session exists.
const AuthenticationRequired = "Authentication required."

const (
	DefaultExchangePath = "/auth/exchange"
	DefaultStatusPath   = "/auth/status"
	DefaultLogoutPath   = "/auth/logout"
)

// maxBodySize bounds how much of a response is read.
const maxBodySize = 1 << 20

// Envelope is the common response shape.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// APIError is a response with success=false, or a non-2xx response without a
// readable envelope.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: request failed with status %d", e.Status)
	}
	return fmt.Sprintf("backend: %s (status %d)", e.Message, e.Status)
}

// ExchangeResult is the data returned by a successful code exchange.
type ExchangeResult struct {
	// User is nil when the backend does not return a profile inline.
	User *session.ProviderProfile `json:"user"`
	// IDToken is the provider's ID token, if the backend forwards it.
	IDToken string `json:"id_token,omitempty"`
}

type exchangeRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
}

type statusData struct {
	Member *session.AccountRecord `json:"member"`
}

// Client talks to the backend.
type Client struct {
	base         *url.URL
	httpClient   *http.Client
	exchangePath string
	statusPath   string
	logoutPath   string
	logger       *slog.Logger
}

var _ session.StatusSource = (*Client)(nil)

type Option func(*Client)

// WithHTTPClient sets the client used for every call; normally the result of
// middleware.NewAuthenticatedClient.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Client) {
		b.httpClient = c
	}
}

// WithPaths overrides the endpoint paths. Empty values keep the defaults.
func WithPaths(exchange, status, logout string) Option {
	return func(b *Client) {
		if exchange != "" {
			b.exchangePath = exchange
		}
		if status != "" {
			b.statusPath = status
		}
		if logout != "" {
			b.logoutPath = logout
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Client) {
		b.logger = l
	}
}

// New returns a Client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("backend: invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: base URL %q must be http or https", baseURL)
	}
	c := &Client{
		base:         u,
		httpClient:   http.DefaultClient,
		exchangePath: DefaultExchangePath,
		statusPath:   DefaultStatusPath,
		logoutPath:   DefaultLogoutPath,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(p string) string {
	return c.base.JoinPath(p).String()
}

// LogoutURL is where the user is sent to end the backend and provider
// sessions.
func (c *Client) LogoutURL() string {
	return c.endpoint(c.logoutPath)
}

// Exchange trades an authorization code and its PKCE verifier for a backend
// session. A rejection is returned as *APIError; any other error means the
// backend could not be reached or answered with something unreadable.
func (c *Client) Exchange(ctx context.Context, code, verifier, redirectURI string) (*ExchangeResult, error) {
	body, err := json.Marshal(exchangeRequest{Code: code, CodeVerifier: verifier, RedirectURI: redirectURI})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.exchangePath), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	env, status, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: exchange: %w", err)
	}
	if !env.Success {
		return nil, &APIError{Status: status, Message: env.Error}
	}

	result := &ExchangeResult{}
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return nil, fmt.Errorf("backend: exchange: decode data: %w", err)
		}
	}
	return result, nil
}

// Status asks the backend who the current user is. It implements
// session.StatusSource.
func (c *Client) Status(ctx context.Context) (*session.AccountRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.statusPath), nil)
	if err != nil {
		return nil, err
	}

	env, status, err := c.do(req)
	if status == http.StatusUnauthorized {
		return nil, session.ErrAuthenticationRequired
	}
	if err != nil {
		return nil, fmt.Errorf("backend: status: %w", err)
	}
	if !env.Success {
		if strings.TrimSpace(env.Error) == AuthenticationRequired {
			return nil, session.ErrAuthenticationRequired
		}
		return nil, &APIError{Status: status, Message: env.Error}
	}

	var data statusData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("backend: status: decode data: %w", err)
		}
	}
	return data.Member, nil
}

// do sends req and decodes the envelope. The HTTP status is returned even
// when decoding fails.
func (c *Client) do(req *http.Request) (*Envelope, int, error) {
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, resp.StatusCode, err
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			// Error pages from proxies are not envelopes.
			return &Envelope{}, resp.StatusCode, nil
		}
		return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	if env.Success && resp.StatusCode >= http.StatusBadRequest {
		c.logger.Warn("backend reported success with error status", "status", resp.StatusCode, "path", req.URL.Path)
		env.Success = false
	}
	return &env, resp.StatusCode, nil
}

// IsAPIError reports whether err is a rejection from the backend, as opposed
// to a transport or decoding failure.
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}
