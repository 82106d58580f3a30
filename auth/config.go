package auth

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables read by LoadConfig.
const (
	EnvIssuerURL             = "OAUTH_ISSUER_URL"
	EnvClientID              = "OAUTH_CLIENT_ID"
	EnvRedirectURI           = "OAUTH_REDIRECT_URI"
	EnvPostLogoutRedirectURI = "OAUTH_POST_LOGOUT_REDIRECT_URI"
	EnvAuthorizationEndpoint = "OAUTH_AUTHORIZATION_ENDPOINT"
	EnvDiscovery             = "OAUTH_DISCOVERY"
	EnvBackendURL            = "BACKEND_URL"
	EnvStore                 = "ONESESSION_STORE"
	EnvStorePath             = "ONESESSION_STORE_PATH"
	EnvStoreKey              = "ONESESSION_STORE_KEY"
	EnvRedisURL              = "REDIS_URL"
	EnvTimeout               = "ONESESSION_TIMEOUT"
)

// Config holds the OAuth client settings and the collaborators' locations.
type Config struct {
	IssuerURL             string
	ClientID              string
	RedirectURI           string
	PostLogoutRedirectURI string

	// AuthorizationEndpoint overrides discovery and the default
	// <issuer>/oauth2/auth.
	AuthorizationEndpoint string
	// Discover enables OpenID discovery of the authorization endpoint and
	// ID token keys.
	Discover bool

	BackendURL string

	// Store selects the attempt and credential store: memory, file or redis.
	Store     string
	StorePath string
	// StoreKey is the base64url encoded key sealing the file store.
	StoreKey string
	RedisURL string

	// Timeout bounds each backend call. Zero means no timeout.
	Timeout time.Duration
}

// LoadConfig reads envFiles (default ".env", ignored if absent) into the
// environment without overriding variables already set, then builds a
// Config from the environment. It does not validate; see Validate.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("auth: load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("auth: load env files: %w", err)
	}

	cfg := &Config{
		IssuerURL:             os.Getenv(EnvIssuerURL),
		ClientID:              os.Getenv(EnvClientID),
		RedirectURI:           os.Getenv(EnvRedirectURI),
		PostLogoutRedirectURI: os.Getenv(EnvPostLogoutRedirectURI),
		AuthorizationEndpoint: os.Getenv(EnvAuthorizationEndpoint),
		BackendURL:            os.Getenv(EnvBackendURL),
		Store:                 os.Getenv(EnvStore),
		StorePath:             os.Getenv(EnvStorePath),
		StoreKey:              os.Getenv(EnvStoreKey),
		RedisURL:              os.Getenv(EnvRedisURL),
	}

	if v := os.Getenv(EnvDiscovery); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("auth: %s: %w", EnvDiscovery, err)
		}
		cfg.Discover = b
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("auth: %s: %w", EnvTimeout, err)
		}
		cfg.Timeout = d
	}
	return cfg, nil
}

// Validate checks the settings a login needs. It returns a
// *ConfigurationError naming each missing or malformed setting by its
// environment variable.
func (c *Config) Validate() error {
	ce := &ConfigurationError{}
	required := []struct {
		name, value string
	}{
		{EnvIssuerURL, c.IssuerURL},
		{EnvClientID, c.ClientID},
		{EnvRedirectURI, c.RedirectURI},
		{EnvPostLogoutRedirectURI, c.PostLogoutRedirectURI},
	}
	for _, r := range required {
		if r.value == "" {
			ce.Missing = append(ce.Missing, r.name)
		}
	}

	urls := []struct {
		name, value string
	}{
		{EnvIssuerURL, c.IssuerURL},
		{EnvRedirectURI, c.RedirectURI},
		{EnvPostLogoutRedirectURI, c.PostLogoutRedirectURI},
		{EnvAuthorizationEndpoint, c.AuthorizationEndpoint},
	}
	for _, u := range urls {
		if u.value != "" && !isAbsoluteHTTPURL(u.value) {
			ce.Invalid = append(ce.Invalid, u.name)
		}
	}

	if len(ce.Missing) > 0 || len(ce.Invalid) > 0 {
		return ce
	}
	return nil
}

func isAbsoluteHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
