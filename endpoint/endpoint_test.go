package endpoint

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type headerProcessor struct {
	Key, Value string
	calls      *[]string
}

func (hp headerProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if hp.calls != nil {
		*hp.calls = append(*hp.calls, hp.Key)
	}
	w.Header().Set(hp.Key, hp.Value)
	return next(w, r)
}

func serve(h http.Handler, pattern, target string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.Handle(pattern, h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHandler_ProcessorsRunInOrder(t *testing.T) {
	var calls []string
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, p struct {
		Name string `query:"name"`
	}) (Renderer, error) {
		calls = append(calls, "endpoint")
		return &StringRenderer{Body: "hello " + p.Name}, nil
	}, headerProcessor{"X-First", "1", &calls}, headerProcessor{"X-Second", "2", &calls})

	rec := serve(h, "/hello", "/hello?name=world")
	if rec.Code != http.StatusOK || rec.Body.String() != "hello world" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if strings.Join(calls, ",") != "X-First,X-Second,endpoint" {
		t.Errorf("unexpected order %v", calls)
	}
	if rec.Header().Get("X-First") != "1" || rec.Header().Get("X-Second") != "2" {
		t.Errorf("processor headers missing: %v", rec.Header())
	}
}

func TestHandler_OnDecodeError(t *testing.T) {
	var decodeErr error
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct {
		State string `query:"state" maxLength:"4"`
	}) (Renderer, error) {
		t.Fatal("endpoint should not run when params fail to decode")
		return nil, nil
	})
	h.OnDecodeError = func(_ http.ResponseWriter, _ *http.Request, err error) (Renderer, error) {
		decodeErr = err
		return &StringRenderer{Status: http.StatusBadRequest, Body: "rejected"}, nil
	}

	rec := serve(h, "/cb", "/cb?state=toolong")
	if rec.Code != http.StatusBadRequest || rec.Body.String() != "rejected" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	var ee *EndpointError
	if !errors.As(decodeErr, &ee) || ee.Status != http.StatusBadRequest {
		t.Errorf("hook got %v, want a 400 EndpointError", decodeErr)
	}
}

func TestHandler_ErrorResponseHeaders(t *testing.T) {
	h := Handler(func(w http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		w.Header().Set("Content-Type", "application/json")
		return nil, Error(http.StatusConflict, "busy", nil)
	})
	rec := serve(h, "/", "/")
	if got := rec.Header().Get("Content-Type"); got != contentTypeText {
		t.Errorf("Content-Type: got %q", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options: got %q", got)
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"endpoint error", Error(http.StatusConflict, "already signed in", nil), http.StatusConflict, "already signed in\n"},
		{"empty message", Error(http.StatusForbidden, "", errors.New("cause")), http.StatusForbidden, "Forbidden\n"},
		{"plain error hides detail", errors.New("redis: connection refused"), http.StatusInternalServerError, "Internal Server Error\n"},
		{"invalid status", &EndpointError{Status: 42}, http.StatusInternalServerError, "Internal Server Error\n"},
		{"no content", Error(http.StatusNoContent, "", nil), http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
				return nil, tt.err
			})
			rec := serve(h, "/", "/")
			if rec.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body: got %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandler_ProcessorShortCircuit(t *testing.T) {
	called := false
	deny := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		return Error(http.StatusForbidden, "origin not allowed", nil)
	})
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		called = true
		return &StringRenderer{}, nil
	}, deny)

	rec := serve(h, "/", "/")
	if rec.Code != http.StatusForbidden || called {
		t.Errorf("got %d, endpoint called=%v", rec.Code, called)
	}
}

func TestHandler_DecodeErrorIsBadRequest(t *testing.T) {
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct {
		N int `query:"n"`
	}) (Renderer, error) {
		return &StringRenderer{}, nil
	})
	rec := serve(h, "/", "/?n=many")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got %d", rec.Code)
	}
}

func TestHandler_NilPieces(t *testing.T) {
	rec := serve(&EndpointHandler[struct{}]{}, "/", "/")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("nil endpoint: got %d", rec.Code)
	}

	rec = serve(Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, nil
	}), "/", "/")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("nil renderer: got %d", rec.Code)
	}

	rec = serve(Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return &StringRenderer{}, nil
	}, nil), "/", "/")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("nil processor: got %d", rec.Code)
	}
}

func TestHandler_RenderErrorAfterWrite(t *testing.T) {
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return RendererFunc(func(w http.ResponseWriter, _ *http.Request) error {
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte("partial"))
			return errors.New("client went away")
		}), nil
	})
	rec := serve(h, "/", "/")
	if rec.Code != http.StatusAccepted || rec.Body.String() != "partial" {
		t.Errorf("response must not be rewritten after headers: %d %q", rec.Code, rec.Body.String())
	}
}

type closingRenderer struct {
	StringRenderer
	closed bool
}

func (c *closingRenderer) Close() error {
	c.closed = true
	return nil
}

func TestHandler_ClosesRenderer(t *testing.T) {
	cr := &closingRenderer{StringRenderer: StringRenderer{Body: "x"}}
	serve(Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return cr, nil
	}), "/", "/")
	if !cr.closed {
		t.Error("renderer was not closed")
	}
}

func TestHandler_CountsRequests(t *testing.T) {
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, Error(http.StatusTeapot, "", nil)
	}).Named("counted", nil)

	before := testutil.ToFloat64(requests.WithLabelValues("counted", "418"))
	serve(h, "/", "/")
	serve(h, "/", "/")
	if got := testutil.ToFloat64(requests.WithLabelValues("counted", "418")); got != before+2 {
		t.Errorf("counter: got %v, want %v", got, before+2)
	}
}
