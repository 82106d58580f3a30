// Package callback serves the loopback endpoints of a native sign-in: the
// OAuth redirect URI, login and logout hand-offs, and the session state.
package callback

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/mnehpets/onesession/auth"
	"github.com/mnehpets/onesession/endpoint"
	"github.com/mnehpets/onesession/middleware"
	"github.com/mnehpets/onesession/session"
)

const (
	LoginPath         = "/login"
	LogoutPath        = "/logout"
	SessionPath       = "/session"
	SessionEventsPath = "/session/events"

	// SessionEventType names the SSE events carrying session snapshots.
	SessionEventType = "session"

	defaultHeartbeat = 15 * time.Second
)

// Result is the outcome of one redirect to the callback path.
type Result struct {
	Callback *auth.CallbackResult
	Err      error
}

// Server handles the loopback routes for an auth.Client.
//
// The /login and /logout routes redirect the requesting browser, so they use
// the client's non-navigating Authorize and SignOut.
type Server struct {
	client       *auth.Client
	callbackPath string
	addr         string
	logger       *slog.Logger
	headers      *middleware.LoopbackHeadersProcessor
	heartbeat    time.Duration

	mux     *http.ServeMux
	results chan Result
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithHeaders replaces the default loopback header processor, for example to
// enable CORS for a local UI.
func WithHeaders(p *middleware.LoopbackHeadersProcessor) Option {
	return func(s *Server) {
		s.headers = p
	}
}

// WithHeartbeat sets the SSE keepalive interval. Zero disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeat = d
	}
}

// New builds a Server whose callback path and listen address come from the
// client's redirect URI.
func New(client *auth.Client, opts ...Option) (*Server, error) {
	u, err := url.Parse(client.RedirectURI())
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("callback: invalid redirect URI %q", client.RedirectURI())
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("callback: redirect URI must use http on a loopback address, got %q", u.Scheme)
	}
	callbackPath := u.Path
	if callbackPath == "" {
		callbackPath = "/"
	}

	s := &Server{
		client:       client,
		callbackPath: callbackPath,
		addr:         u.Host,
		logger:       slog.Default(),
		headers:      middleware.NewLoopbackHeadersProcessor(),
		heartbeat:    defaultHeartbeat,
		mux:          http.NewServeMux(),
		results:      make(chan Result, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	cb := endpoint.Handler(s.callback, s.headers)
	cb.OnDecodeError = s.malformedCallback
	mount(s, "callback", "GET "+s.callbackPath, cb)

	// Both change local state, so another site must not trigger them.
	mount(s, "login", "GET "+LoginPath, endpoint.Handler(s.login, s.headers, middleware.CrossSiteGuard{}))
	mount(s, "logout", "GET "+LogoutPath, endpoint.Handler(s.logout, s.headers, middleware.CrossSiteGuard{}))

	snapshot := endpoint.Handler(s.snapshot, s.headers)
	events := endpoint.Handler(s.events, s.headers)
	mount(s, "session", "GET "+SessionPath, snapshot)
	mount(s, "session_events", "GET "+SessionEventsPath, events)
	if s.headers.CORS != nil {
		// Preflights are answered by the header processor.
		mount(s, "session", "OPTIONS "+SessionPath, snapshot)
		mount(s, "session_events", "OPTIONS "+SessionEventsPath, events)
	}
}

func mount[P any](s *Server, name, pattern string, h *endpoint.EndpointHandler[P]) {
	s.mux.Handle(pattern, h.Named(name, s.logger))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr is the host:port taken from the redirect URI.
func (s *Server) Addr() string {
	return s.addr
}

// CallbackPath is the path of the redirect URI.
func (s *Server) CallbackPath() string {
	return s.callbackPath
}

// Results delivers callback outcomes. Only the latest undelivered outcome is
// kept.
func (s *Server) Results() <-chan Result {
	return s.results
}

// WaitForResult blocks until a callback outcome arrives or ctx is done.
func (s *Server) WaitForResult(ctx context.Context) (*auth.CallbackResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-s.results:
		return res.Callback, res.Err
	}
}

func (s *Server) publish(res Result) {
	for {
		select {
		case s.results <- res:
			return
		default:
		}
		select {
		case <-s.results:
		default:
		}
	}
}

// ListenAndServe listens on the redirect URI's address and serves until ctx
// is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("callback: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("loopback server listening", "addr", ln.Addr().String(), "callback", s.callbackPath)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("callback: shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// CallbackParams are the query parameters of the OAuth redirect.
type CallbackParams struct {
	Code             string `query:"code" maxLength:"2048"`
	State            string `query:"state" maxLength:"256"`
	Error            string `query:"error" maxLength:"256"`
	ErrorDescription string `query:"error_description" maxLength:"1024"`
}

func (s *Server) callback(w http.ResponseWriter, r *http.Request, p CallbackParams) (endpoint.Renderer, error) {
	ctx := r.Context()

	var res Result
	if p.Error != "" {
		res.Err = s.client.HandleProviderError(ctx, p.State, p.Error, p.ErrorDescription)
	} else {
		res.Callback, res.Err = s.client.HandleCallback(ctx, p.Code, p.State)
	}
	s.publish(res)

	if res.Err != nil {
		return failureRenderer(res.Err), nil
	}

	var page successPage
	if res.Callback.Profile != nil {
		page.Name = res.Callback.Profile.Name
		if page.Name == "" {
			page.Name = res.Callback.Profile.Email
		}
	}
	if c := res.Callback.Context; c != nil {
		page.NextURL = auth.LocalNextURL(c.NextURL)
	}
	return &endpoint.HTMLTemplateRenderer{Template: pages, Name: "success", Values: page}, nil
}

// malformedCallback answers a redirect whose params could not be decoded.
// The attempt is abandoned and the waiting login is told.
func (s *Server) malformedCallback(w http.ResponseWriter, r *http.Request, decodeErr error) (endpoint.Renderer, error) {
	err := s.client.RejectCallback(r.Context(), decodeErr)
	s.publish(Result{Err: err})
	return failureRenderer(err), nil
}

func failureRenderer(err error) endpoint.Renderer {
	return &endpoint.HTMLTemplateRenderer{
		Status:   failureStatus(err),
		Template: pages,
		Name:     "failure",
		Values:   failurePage{Message: auth.PublicMessage(err)},
	}
}

func failureStatus(err error) int {
	if errors.Is(err, auth.ErrNetwork) {
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

// LoginParams select the prompt and where to land after sign-in.
type LoginParams struct {
	Prompt  string `query:"prompt" maxLength:"16"`
	NextURL string `query:"next_url" maxLength:"2048"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request, p LoginParams) (endpoint.Renderer, error) {
	prompt := auth.Prompt(p.Prompt)
	switch prompt {
	case "", auth.PromptLogin, auth.PromptCreate:
	default:
		return nil, endpoint.Error(http.StatusBadRequest, "prompt must be login or create", nil)
	}

	var appCtx *auth.OAuthContext
	if p.NextURL != "" {
		appCtx = &auth.OAuthContext{NextURL: auth.LocalNextURL(p.NextURL)}
	}
	nav, err := s.client.Authorize(r.Context(), prompt, appCtx)
	if err != nil {
		var ce *auth.ConfigurationError
		if errors.As(err, &ce) {
			return nil, endpoint.Error(http.StatusServiceUnavailable, auth.PublicMessage(err), err)
		}
		return nil, err
	}
	return &endpoint.RedirectRenderer{URL: nav.URL, Status: http.StatusFound}, nil
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	nav, err := s.client.SignOut(r.Context())
	if err != nil {
		// Whatever could be cleared is gone; the backend still ends its session.
		s.logger.WarnContext(r.Context(), "logout left local state behind", "err", err)
	}
	return &endpoint.RedirectRenderer{URL: nav.URL, Status: http.StatusFound}, nil
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.JSONRenderer{Value: s.client.Session().Snapshot()}, nil
}

func (s *Server) events(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.SSERenderer{
		Events:    sessionEvents(s.client.Session().Updates(r.Context()), s.logger),
		Heartbeat: s.heartbeat,
	}, nil
}

func sessionEvents(states iter.Seq[session.State], logger *slog.Logger) iter.Seq[endpoint.SSEvent] {
	return func(yield func(endpoint.SSEvent) bool) {
		for st := range states {
			ev, err := endpoint.JSONEvent(SessionEventType, st)
			if err != nil {
				logger.Error("encode session event", "err", err)
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}
