// Package endpoint provides typed HTTP handlers for the loopback callback
// server.
//
// A request passes through three phases:
//
//  1. Unmarshal: the EndpointHandler decodes path, query and header values
//     into a typed params struct using struct tags.
//  2. Endpoint: the EndpointFunc runs the handler logic and returns a
//     Renderer. It does not write the response itself.
//  3. Render: the Renderer writes status, headers and body.
//
// Processors wrap the chain as middleware and may short-circuit it by
// returning an EndpointError.
//
// Renderers:
//   - StringRenderer: a plain string, also used for error responses.
//   - JSONRenderer: a value serialized as JSON.
//   - HTMLTemplateRenderer: an html/template.
//   - SSERenderer: a stream of server-sent events.
//   - RedirectRenderer and NoContentRenderer.
package endpoint

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
)

// EndpointError is an error that maps directly to an HTTP status code.
type EndpointError struct {
	Status int
	// Message is written as the response body. Empty means the status text.
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error creates a new EndpointError.
func Error(status int, message string, err error) error {
	return newEndpointError(status, message, err)
}

func newEndpointError(status int, message string, err error) error {
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// Renderer writes a response. It must call w.WriteHeader and may set
// Content-Type first. A returned error means the response could not be
// written.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor is middleware that runs before the endpoint. It must call next
// unless it short-circuits with an error, and must not write the body.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc receives decoded params and returns the Renderer for the
// response.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler is the http.Handler wrapper for an EndpointFunc.
type EndpointHandler[P any] struct {
	// Name labels the request metric. Empty means "unnamed".
	Name       string
	Endpoint   EndpointFunc[P]
	Processors []Processor
	// OnDecodeError, if set, answers requests whose params are rejected as
	// a client error (4xx) in place of the default response.
	OnDecodeError func(w http.ResponseWriter, r *http.Request, err error) (Renderer, error)
	// Logger receives server-side failures. nil means slog.Default().
	Logger *slog.Logger
}

// Handler constructs an EndpointHandler. It exists so P can be inferred.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{
		Endpoint:   fn,
		Processors: processors,
	}
}

// Named returns a copy of h with Name and Logger set.
func (h *EndpointHandler[P]) Named(name string, logger *slog.Logger) *EndpointHandler[P] {
	c := *h
	c.Name = name
	c.Logger = logger
	return &c
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w}
	defer func() {
		name := h.Name
		if name == "" {
			name = "unnamed"
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		requests.WithLabelValues(name, strconv.Itoa(status)).Inc()
	}()

	if h.Endpoint == nil {
		http.Error(rec, "endpoint: nil EndpointFunc", http.StatusInternalServerError)
		return
	}

	var run func(i int, w2 http.ResponseWriter, r2 *http.Request) error
	run = func(i int, w2 http.ResponseWriter, r2 *http.Request) error {
		if i < len(h.Processors) {
			if h.Processors[i] == nil {
				return errors.New("endpoint: nil processor")
			}
			return h.Processors[i].Process(w2, r2, func(w3 http.ResponseWriter, r3 *http.Request) error {
				return run(i+1, w3, r3)
			})
		}

		// P must be a struct or pointer to struct; Unmarshal enforces it.
		var (
			params   P
			renderer Renderer
		)
		err := Unmarshal(r2, &params)
		var ee *EndpointError
		switch {
		case err == nil:
			renderer, err = h.Endpoint(w2, r2, params)
		case h.OnDecodeError != nil && errors.As(err, &ee) && ee.Status < 500:
			renderer, err = h.OnDecodeError(w2, r2, err)
		}
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}
		if c, ok := renderer.(io.Closer); ok {
			defer c.Close()
		}
		return renderer.Render(w2, r2)
	}

	err := run(0, rec, r)
	if err == nil {
		return
	}

	status := http.StatusInternalServerError
	message := http.StatusText(status)
	var ee *EndpointError
	if errors.As(err, &ee) && ee != nil {
		if ee.Status >= 100 && ee.Status <= 599 {
			status = ee.Status
		}
		message = ee.Message
		if message == "" {
			message = http.StatusText(status)
		}
	}
	if status >= 500 {
		h.logger().ErrorContext(r.Context(), "endpoint failed", "endpoint", h.Name, "path", r.URL.Path, "error", err)
	}
	if rec.wrote {
		// Headers are already out; nothing more can be reported to the client.
		return
	}
	if status == http.StatusNoContent {
		(&NoContentRenderer{}).Render(rec, r)
		return
	}
	hdr := rec.Header()
	hdr.Del("Content-Length")
	hdr.Set("Content-Type", contentTypeText)
	hdr.Set("X-Content-Type-Options", "nosniff")
	(&StringRenderer{Status: status, Body: message + "\n"}).Render(rec, r)
}

func (h *EndpointHandler[P]) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wrote {
		s.status = code
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wrote {
		s.status = http.StatusOK
		s.wrote = true
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
