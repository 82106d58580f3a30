package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/mnehpets/onesession/storage"
	"golang.org/x/net/publicsuffix"
)

// CredentialsKey is the storage key holding persisted backend cookies.
const CredentialsKey = "session_credentials"

// CredentialJar is an http.CookieJar that can also forget everything it
// holds.
type CredentialJar interface {
	http.CookieJar
	Clear(ctx context.Context) error
}

// storedCookie is the persisted form of one cookie.
type storedCookie struct {
	Name     string    `cbor:"1,keyasint"`
	Value    string    `cbor:"2,keyasint"`
	Domain   string    `cbor:"3,keyasint"`
	HostOnly bool      `cbor:"4,keyasint,omitempty"`
	Path     string    `cbor:"5,keyasint"`
	Expires  time.Time `cbor:"6,keyasint,omitempty"`
	Secure   bool      `cbor:"7,keyasint,omitempty"`
}

func (c *storedCookie) expired(now time.Time) bool {
	return !c.Expires.IsZero() && !now.Before(c.Expires)
}

func (c *storedCookie) matches(u *url.URL, now time.Time) bool {
	if c.expired(now) {
		return false
	}
	host := canonicalHost(u)
	if c.HostOnly {
		if host != c.Domain {
			return false
		}
	} else if !domainMatch(host, c.Domain) {
		return false
	}
	if !pathMatch(requestPath(u), c.Path) {
		return false
	}
	if c.Secure && !secureContext(u) {
		return false
	}
	return true
}

// StoreJar is a CredentialJar persisted in a storage.Store, so a backend
// session outlives the process that established it.
//
// It implements the subset of RFC 6265 needed to talk to one backend:
// host-only and domain cookies, path matching, Max-Age/Expires and Secure.
// A Domain attribute naming a public suffix is only honoured as a host-only
// cookie for that exact host, as net/http/cookiejar does.
// Storage errors are logged and treated as an empty jar.
type StoreJar struct {
	mu     sync.Mutex
	store  storage.Store
	key    string
	logger *slog.Logger
	now    func() time.Time
}

var _ CredentialJar = (*StoreJar)(nil)

// JarOption configures a StoreJar.
type JarOption func(*StoreJar)

// WithJarKey overrides the storage key. Defaults to CredentialsKey.
func WithJarKey(key string) JarOption {
	return func(j *StoreJar) {
		j.key = key
	}
}

// WithJarLogger sets the logger. Defaults to slog.Default().
func WithJarLogger(l *slog.Logger) JarOption {
	return func(j *StoreJar) {
		j.logger = l
	}
}

func NewStoreJar(store storage.Store, opts ...JarOption) *StoreJar {
	j := &StoreJar{
		store:  store,
		key:    CredentialsKey,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// SetCookies implements http.CookieJar.
func (j *StoreJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	ctx := context.Background()
	now := j.now()
	stored := j.load(ctx)
	host := canonicalHost(u)

	for _, c := range cookies {
		sc := storedCookie{
			Name:   c.Name,
			Value:  c.Value,
			Path:   c.Path,
			Secure: c.Secure,
		}
		if c.Domain == "" {
			sc.Domain = host
			sc.HostOnly = true
		} else {
			sc.Domain = strings.ToLower(strings.TrimPrefix(c.Domain, "."))
			if !domainMatch(host, sc.Domain) {
				continue
			}
			if isPublicSuffix(sc.Domain) {
				if sc.Domain != host {
					j.logger.Warn("rejected cookie for public suffix", "name", c.Name, "domain", sc.Domain)
					continue
				}
				sc.HostOnly = true
			}
		}
		if sc.Path == "" || !strings.HasPrefix(sc.Path, "/") {
			sc.Path = defaultPath(u)
		}

		remove := false
		switch {
		case c.MaxAge < 0:
			remove = true
		case c.MaxAge > 0:
			sc.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		case !c.Expires.IsZero():
			sc.Expires = c.Expires
			remove = sc.expired(now)
		}

		stored = replaceCookie(stored, sc, remove)
	}
	j.save(ctx, pruneExpired(stored, now))
}

// Cookies implements http.CookieJar.
func (j *StoreJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	var out []*http.Cookie
	for _, c := range j.load(context.Background()) {
		if c.matches(u, now) {
			out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	return out
}

// Clear removes every stored credential.
func (j *StoreJar) Clear(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.store.Delete(ctx, j.key)
}

func (j *StoreJar) load(ctx context.Context) []storedCookie {
	raw, err := j.store.Get(ctx, j.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		j.logger.Warn("failed to read stored credentials", "err", err)
		return nil
	}
	var cookies []storedCookie
	if err := cbor.Unmarshal(raw, &cookies); err != nil {
		j.logger.Warn("discarding unreadable stored credentials", "err", err)
		return nil
	}
	return cookies
}

func (j *StoreJar) save(ctx context.Context, cookies []storedCookie) {
	if len(cookies) == 0 {
		if err := j.store.Delete(ctx, j.key); err != nil {
			j.logger.Warn("failed to delete stored credentials", "err", err)
		}
		return
	}
	raw, err := cbor.Marshal(cookies)
	if err != nil {
		j.logger.Warn("failed to encode credentials", "err", err)
		return
	}
	if err := j.store.Set(ctx, j.key, raw); err != nil {
		j.logger.Warn("failed to persist credentials", "err", err)
	}
}

func replaceCookie(cookies []storedCookie, c storedCookie, remove bool) []storedCookie {
	out := cookies[:0]
	for _, existing := range cookies {
		if existing.Name == c.Name && existing.Domain == c.Domain && existing.Path == c.Path {
			continue
		}
		out = append(out, existing)
	}
	if !remove {
		out = append(out, c)
	}
	return out
}

func pruneExpired(cookies []storedCookie, now time.Time) []storedCookie {
	out := cookies[:0]
	for _, c := range cookies {
		if !c.expired(now) {
			out = append(out, c)
		}
	}
	return out
}

func canonicalHost(u *url.URL) string {
	return strings.ToLower(u.Hostname())
}

func domainMatch(host, domain string) bool {
	if host == domain {
		return true
	}
	// IP addresses only match exactly.
	if net.ParseIP(host) != nil {
		return false
	}
	return strings.HasSuffix(host, "."+domain)
}

func isPublicSuffix(domain string) bool {
	if net.ParseIP(domain) != nil {
		return false
	}
	ps, _ := publicsuffix.PublicSuffix(domain)
	return ps == domain
}

func requestPath(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

func pathMatch(reqPath, cookiePath string) bool {
	if reqPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}

func defaultPath(u *url.URL) string {
	p := requestPath(u)
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// secureContext reports whether Secure cookies may be sent to u. Loopback
// hosts count as secure, as they do in browsers.
func secureContext(u *url.URL) bool {
	if u.Scheme == "https" {
		return true
	}
	host := canonicalHost(u)
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
