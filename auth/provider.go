package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/onesession/session"
	"golang.org/x/oauth2"
)

// Scopes requested on every authorization.
var Scopes = []string{"openid", "profile", "email", "offline"}

// DefaultAuthorizationPath is appended to the issuer URL when the
// authorization endpoint is neither configured nor discovered.
const DefaultAuthorizationPath = "/oauth2/auth"

// ErrNoIDTokenVerifier is returned by VerifyIDToken when the provider has no
// key set.
var ErrNoIDTokenVerifier = errors.New("auth: no id token verifier configured")

// Prompt is passed verbatim as the authorization request's prompt parameter.
type Prompt string

const (
	PromptLogin  Prompt = "login"
	PromptCreate Prompt = "create"
)

// Provider builds authorization URLs for one identity provider and
// optionally verifies its ID tokens.
type Provider struct {
	config   *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// ProviderOption configures NewProvider.
type ProviderOption func(*providerSettings)

type providerSettings struct {
	oidcConfig oidc.Config
	keySet     oidc.KeySet
	httpClient *http.Client
}

// WithSkipIssuerCheck disables issuer validation in the token verifier.
// Use this for providers that issue tokens with a per-tenant issuer.
func WithSkipIssuerCheck() ProviderOption {
	return func(s *providerSettings) {
		s.oidcConfig.SkipIssuerCheck = true
	}
}

// WithKeySet verifies ID tokens against ks without discovery.
func WithKeySet(ks oidc.KeySet) ProviderOption {
	return func(s *providerSettings) {
		s.keySet = ks
	}
}

// WithDiscoveryClient sets the HTTP client used for discovery and key
// fetches.
func WithDiscoveryClient(c *http.Client) ProviderOption {
	return func(s *providerSettings) {
		s.httpClient = c
	}
}

// NewProvider resolves the authorization endpoint for cfg: the configured
// endpoint if set, otherwise the discovered one when cfg.Discover is true,
// otherwise <issuer>/oauth2/auth. Discovery also enables ID token
// verification.
func NewProvider(ctx context.Context, cfg *Config, opts ...ProviderOption) (*Provider, error) {
	s := &providerSettings{oidcConfig: oidc.Config{ClientID: cfg.ClientID}}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpClient != nil {
		ctx = oidc.ClientContext(ctx, s.httpClient)
	}

	p := &Provider{}
	authURL := cfg.AuthorizationEndpoint

	if cfg.Discover {
		op, err := oidc.NewProvider(ctx, cfg.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("failed to query provider %q: %w", cfg.IssuerURL, err)
		}
		if authURL == "" {
			authURL = op.Endpoint().AuthURL
		}
		p.verifier = op.Verifier(&s.oidcConfig)
	}
	if s.keySet != nil {
		p.verifier = oidc.NewVerifier(cfg.IssuerURL, s.keySet, &s.oidcConfig)
	}
	if authURL == "" {
		authURL = strings.TrimRight(cfg.IssuerURL, "/") + DefaultAuthorizationPath
	}

	p.config = &oauth2.Config{
		ClientID:    cfg.ClientID,
		Endpoint:    oauth2.Endpoint{AuthURL: authURL},
		RedirectURL: cfg.RedirectURI,
		Scopes:      Scopes,
	}
	return p, nil
}

// AuthorizationEndpoint returns the resolved endpoint.
func (p *Provider) AuthorizationEndpoint() string {
	return p.config.Endpoint.AuthURL
}

// AuthCodeURL builds the authorization request for attempt. Only the
// challenge is included; the verifier never leaves the client.
func (p *Provider) AuthCodeURL(attempt Attempt, prompt Prompt) string {
	return p.config.AuthCodeURL(attempt.State,
		oauth2.SetAuthURLParam("code_challenge", attempt.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("prompt", string(prompt)),
	)
}

// idClaims are the ID token claims mapped onto a ProviderProfile.
type idClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// VerifyIDToken checks raw's signature, issuer, audience and expiry, and
// returns the profile it describes. The email is only used when the
// provider marks it verified.
func (p *Provider) VerifyIDToken(ctx context.Context, raw string) (*session.ProviderProfile, error) {
	if p.verifier == nil {
		return nil, ErrNoIDTokenVerifier
	}
	token, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	var claims idClaims
	if err := token.Claims(&claims); err != nil {
		return nil, err
	}
	profile := &session.ProviderProfile{ID: token.Subject, Name: claims.Name}
	if claims.EmailVerified {
		profile.Email = claims.Email
	}
	return profile, nil
}
