package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mnehpets/onesession/endpoint"
)

// LoopbackHeadersProcessor sets response headers for pages served by the
// local callback server.
//
// Those pages are reached with an authorization code in the URL, so the
// defaults keep them out of caches, referrers and frames:
//   - Cache-Control: no-store
//   - Referrer-Policy: no-referrer
//   - X-Frame-Options: DENY
//   - X-Content-Type-Options: nosniff
//   - Content-Security-Policy: default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'; form-action 'none'
//   - Cross-Origin-Opener-Policy and Cross-Origin-Resource-Policy: same-origin
//
// HSTS is never sent; the server listens on plain-HTTP loopback.
type LoopbackHeadersProcessor struct {
	// Empty strings disable the corresponding header.
	CacheControl              string
	ReferrerPolicy            string
	FrameOptions              string
	ContentTypeOptions        bool
	ContentSecurityPolicy     string
	CrossOriginOpenerPolicy   string
	CrossOriginResourcePolicy string

	// CORS is nil unless a local UI on another origin reads the session
	// endpoints.
	CORS *CORSConfig
}

// CORSConfig configures Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	// AllowedOrigins lists exact origins, or "*". A wildcard is ignored when
	// AllowCredentials is set.
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int
}

// LoopbackHeadersOption configures a LoopbackHeadersProcessor.
type LoopbackHeadersOption func(*LoopbackHeadersProcessor)

// DefaultLoopbackCSP allows inline styles only.
const DefaultLoopbackCSP = "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'; form-action 'none'"

func NewLoopbackHeadersProcessor(opts ...LoopbackHeadersOption) *LoopbackHeadersProcessor {
	p := &LoopbackHeadersProcessor{
		CacheControl:              "no-store",
		ReferrerPolicy:            "no-referrer",
		FrameOptions:              "DENY",
		ContentTypeOptions:        true,
		ContentSecurityPolicy:     DefaultLoopbackCSP,
		CrossOriginOpenerPolicy:   "same-origin",
		CrossOriginResourcePolicy: "same-origin",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithCSP replaces the Content-Security-Policy.
func WithCSP(policy string) LoopbackHeadersOption {
	return func(p *LoopbackHeadersProcessor) {
		p.ContentSecurityPolicy = policy
	}
}

// WithCORS enables CORS for the given configuration.
func WithCORS(config *CORSConfig) LoopbackHeadersOption {
	return func(p *LoopbackHeadersProcessor) {
		p.CORS = config
	}
}

// Process implements endpoint.Processor.
func (p *LoopbackHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	setIf(h, "Cache-Control", p.CacheControl)
	setIf(h, "Referrer-Policy", p.ReferrerPolicy)
	setIf(h, "X-Frame-Options", p.FrameOptions)
	if p.ContentTypeOptions {
		h.Set("X-Content-Type-Options", "nosniff")
	}
	setIf(h, "Content-Security-Policy", p.ContentSecurityPolicy)
	setIf(h, "Cross-Origin-Opener-Policy", p.CrossOriginOpenerPolicy)
	setIf(h, "Cross-Origin-Resource-Policy", p.CrossOriginResourcePolicy)

	if p.CORS != nil {
		setCORSHeaders(h, r, p.CORS)
		if r.Method == http.MethodOptions &&
			r.Header.Get("Origin") != "" &&
			r.Header.Get("Access-Control-Request-Method") != "" {
			return (&endpoint.NoContentRenderer{}).Render(w, r)
		}
	}

	return next(w, r)
}

// CrossSiteGuard refuses requests a browser marks as initiated by another
// site (Sec-Fetch-Site: cross-site). Requests without the header, such as
// those from older browsers or non-browser clients, pass.
//
// It belongs on state-changing GET routes only. The OAuth redirect itself
// arrives cross-site from the provider.
type CrossSiteGuard struct{}

// Process implements endpoint.Processor.
func (CrossSiteGuard) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if r.Header.Get("Sec-Fetch-Site") == "cross-site" {
		return endpoint.Error(http.StatusForbidden, "cross-site request refused", nil)
	}
	return next(w, r)
}

func setIf(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

func setCORSHeaders(h http.Header, r *http.Request, config *CORSConfig) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	for _, allowed := range config.AllowedOrigins {
		if allowed == "*" && !config.AllowCredentials {
			h.Set("Access-Control-Allow-Origin", "*")
			break
		}
		if allowed == origin {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			break
		}
	}
	if config.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}

	if r.Method != http.MethodOptions {
		return
	}
	if len(config.AllowedMethods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
	}
	if len(config.AllowedHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
	}
	if config.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
	}
}

var _ endpoint.Processor = (*LoopbackHeadersProcessor)(nil)
