// Package auth implements the OAuth2 Authorization Code flow with PKCE for a
// public client whose code exchange is performed by a backend.
//
// A Client starts a login by storing a verifier and a single-use state in a
// storage.Store and handing the user to the authorization endpoint. When the
// provider redirects back, HandleCallback checks the state, lets the backend
// exchange the code, and refreshes the shared session.Manager. Logout clears
// every local artifact before handing off to the backend's logout endpoint.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mnehpets/onesession/backend"
	"github.com/mnehpets/onesession/session"
)

// Backend is the part of backend.Client the auth flow uses.
type Backend interface {
	Exchange(ctx context.Context, code, verifier, redirectURI string) (*backend.ExchangeResult, error)
	LogoutURL() string
}

// CredentialClearer forgets the backend session credentials.
type CredentialClearer interface {
	Clear(ctx context.Context) error
}

// CallbackResult is returned by a successful HandleCallback.
type CallbackResult struct {
	// Profile is nil when neither the exchange nor the ID token supplied one.
	Profile *session.ProviderProfile
	Context *OAuthContext
}

// Client coordinates login, callback and logout.
type Client struct {
	cfg      Config
	attempts *AttemptStore
	session  *session.Manager
	backend  Backend

	navigator   Navigator
	credentials CredentialClearer
	logger      *slog.Logger

	providerOpts []ProviderOption
	providerMu   sync.Mutex
	provider     *Provider
}

type ClientOption func(*Client)

// WithNavigator sets how Login and Logout hand off. Without one, they only
// return the target.
func WithNavigator(n Navigator) ClientOption {
	return func(c *Client) {
		c.navigator = n
	}
}

// WithCredentials sets the credential store cleared on logout.
func WithCredentials(cc CredentialClearer) ClientOption {
	return func(c *Client) {
		c.credentials = cc
	}
}

// WithProvider uses p instead of resolving one from the config on first use.
func WithProvider(p *Provider) ClientOption {
	return func(c *Client) {
		c.provider = p
	}
}

// WithProviderOptions is passed to NewProvider when the provider is
// resolved.
func WithProviderOptions(opts ...ProviderOption) ClientOption {
	return func(c *Client) {
		c.providerOpts = append(c.providerOpts, opts...)
	}
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient returns a Client. The config is validated on each Login, not
// here, so that an incomplete configuration is reported to the user rather
// than failing startup.
func NewClient(cfg Config, attempts *AttemptStore, sess *session.Manager, be Backend, opts ...ClientOption) *Client {
	c := &Client{
		cfg:      cfg,
		attempts: attempts,
		session:  sess,
		backend:  be,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RedirectURI returns the configured redirect URI.
func (c *Client) RedirectURI() string {
	return c.cfg.RedirectURI
}

// Session returns the manager updated by this client.
func (c *Client) Session() *session.Manager {
	return c.session
}

// resolveProvider returns the provider, resolving it on first success.
func (c *Client) resolveProvider(ctx context.Context) (*Provider, error) {
	c.providerMu.Lock()
	defer c.providerMu.Unlock()
	if c.provider != nil {
		return c.provider, nil
	}
	p, err := NewProvider(ctx, &c.cfg, c.providerOpts...)
	if err != nil {
		return nil, err
	}
	c.provider = p
	return p, nil
}

// Login starts an authorization attempt and hands the user to the
// authorization endpoint.
//
// An incomplete configuration returns a *ConfigurationError before anything
// is stored. If the navigator fails, the Navigation is still returned so the
// caller can show the URL.
func (c *Client) Login(ctx context.Context, prompt Prompt, appCtx *OAuthContext) (*Navigation, error) {
	nav, err := c.Authorize(ctx, prompt, appCtx)
	if err != nil {
		return nil, err
	}
	if c.navigator != nil {
		if err := c.navigator.Navigate(ctx, nav.URL); err != nil {
			return nav, fmt.Errorf("auth: navigate: %w", err)
		}
	}
	return nav, nil
}

// Authorize starts an authorization attempt like Login but leaves the
// hand-off to the caller, for example an HTTP redirect.
func (c *Client) Authorize(ctx context.Context, prompt Prompt, appCtx *OAuthContext) (*Navigation, error) {
	if err := c.cfg.Validate(); err != nil {
		c.logger.Error("login aborted", "err", err)
		return nil, err
	}
	if prompt == "" {
		prompt = PromptLogin
	}
	if appCtx != nil && len(appCtx.AppData) > MaxAppDataBytes {
		return nil, ErrAppDataTooLarge
	}

	p, err := c.resolveProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: resolve provider: %w", err)
	}

	attempt, err := c.attempts.BeginAttempt(ctx, appCtx)
	if err != nil {
		return nil, err
	}

	loginAttempts.WithLabelValues(string(prompt)).Inc()
	c.logger.Debug("login started", "prompt", prompt, "endpoint", p.AuthorizationEndpoint())
	return &Navigation{URL: p.AuthCodeURL(attempt, prompt)}, nil
}

// HandleCallback completes a login from the code and state on the redirect
// URI.
//
// Every failure resets the session. A state or verifier failure returns
// before the backend is contacted. A successful exchange returns the
// profile even when the status check that follows leaves the session
// unauthenticated.
func (c *Client) HandleCallback(ctx context.Context, code, state string) (result *CallbackResult, err error) {
	defer func() {
		c.finishCallback(err)
	}()

	consumed, err := c.attempts.ConsumeAttempt(ctx, state)
	if err != nil {
		return nil, err
	}
	defer func() {
		if derr := c.attempts.DeleteVerifier(context.WithoutCancel(ctx)); derr != nil {
			c.logger.Warn("failed to delete code verifier", "err", derr)
		}
	}()

	if code == "" {
		return nil, ErrMissingCode
	}

	exchanged, err := c.backend.Exchange(ctx, code, consumed.Verifier, c.cfg.RedirectURI)
	if err != nil {
		var ae *backend.APIError
		if errors.As(err, &ae) {
			return nil, &ExchangeError{Status: ae.Status, Message: ae.Message}
		}
		return nil, fmt.Errorf("%w: %w: %v", ErrCallbackFailed, ErrNetwork, err)
	}

	profile := exchanged.User
	if exchanged.IDToken != "" {
		if profile, err = c.checkIDToken(ctx, exchanged.IDToken, profile); err != nil {
			return nil, fmt.Errorf("%w: id token: %v", ErrCallbackFailed, err)
		}
	}

	// RefreshStatus fails closed; callers read Authenticated for the outcome.
	if err := c.session.RefreshStatus(ctx); err != nil {
		c.logger.Warn("status check after exchange failed", "err", err)
	} else if !c.session.IsAuthenticated() {
		c.logger.Warn("backend reports no session after exchange")
	}
	c.session.SetProfile(profile)

	return &CallbackResult{Profile: profile, Context: consumed.Context}, nil
}

// HandleProviderError handles a redirect that carries an OAuth error instead
// of a code. The attempt is consumed and the session reset.
func (c *Client) HandleProviderError(ctx context.Context, state, code, description string) (err error) {
	defer func() {
		c.finishCallback(err)
	}()

	if _, err := c.attempts.ConsumeAttempt(ctx, state); err != nil {
		return err
	}
	if derr := c.attempts.DeleteVerifier(ctx); derr != nil {
		c.logger.Warn("failed to delete code verifier", "err", derr)
	}
	return &ProviderError{Code: code, Description: description}
}

// RejectCallback handles a redirect too malformed to read, such as one whose
// state or code is oversized. It is treated as a state mismatch: the attempt
// is cleared and the session reset.
func (c *Client) RejectCallback(ctx context.Context, cause error) (err error) {
	defer func() {
		c.finishCallback(err)
	}()

	if cerr := c.attempts.Clear(ctx); cerr != nil {
		c.logger.Warn("failed to clear oauth attempt", "err", cerr)
	}
	return fmt.Errorf("%w: malformed callback: %v", ErrStateMismatch, cause)
}

// checkIDToken verifies raw when a verifier is available, and fills profile
// from its claims if the backend did not return one.
func (c *Client) checkIDToken(ctx context.Context, raw string, profile *session.ProviderProfile) (*session.ProviderProfile, error) {
	p, err := c.resolveProvider(ctx)
	if err != nil {
		c.logger.Warn("id token not verified", "err", err)
		return profile, nil
	}
	claimed, err := p.VerifyIDToken(ctx, raw)
	if errors.Is(err, ErrNoIDTokenVerifier) {
		return profile, nil
	}
	if err != nil {
		return nil, err
	}
	if profile == nil {
		profile = claimed
	}
	return profile, nil
}

func (c *Client) finishCallback(err error) {
	kind := outcome(err)
	callbacks.WithLabelValues(kind).Inc()
	if err == nil {
		c.logger.Info("oauth callback succeeded")
		return
	}
	c.session.Reset(session.ReasonCallbackFailed)
	c.logger.Warn("oauth callback failed", "outcome", kind, "err", err)
}

// Logout clears the session, every attempt key and the stored credentials,
// then hands off to the backend logout endpoint. Local state is cleared
// even if the hand-off fails; the returned error joins every failure.
func (c *Client) Logout(ctx context.Context) (*Navigation, error) {
	nav, err := c.SignOut(ctx)
	if c.navigator != nil {
		if nerr := c.navigator.Navigate(ctx, nav.URL); nerr != nil {
			err = errors.Join(err, fmt.Errorf("auth: navigate: %w", nerr))
		}
	}
	return nav, err
}

// SignOut clears local state like Logout and returns the backend logout
// target without navigating.
func (c *Client) SignOut(ctx context.Context) (*Navigation, error) {
	c.session.Reset(session.ReasonLogout)

	var errs []error
	if err := c.attempts.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("auth: clear attempt: %w", err))
	}
	if c.credentials != nil {
		if err := c.credentials.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("auth: clear credentials: %w", err))
		}
	}
	return &Navigation{URL: c.backend.LogoutURL()}, errors.Join(errs...)
}
