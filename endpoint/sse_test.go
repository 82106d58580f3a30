package endpoint

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSSEvent_WriteTo(t *testing.T) {
	typ := "session"
	id := "7"
	empty := ""

	tests := []struct {
		name  string
		event SSEvent
		want  string
	}{
		{"data only", SSEvent{Data: "hello"}, "data: hello\n\n"},
		{"multiline", SSEvent{Data: "a\nb"}, "data: a\ndata: b\n\n"},
		{"type", SSEvent{Type: &typ, Data: "{}"}, "event: session\ndata: {}\n\n"},
		{"id and type", SSEvent{ID: &id, Type: &typ, Data: "x"}, "id: 7\nevent: session\ndata: x\n\n"},
		{"reset id", SSEvent{ID: &empty, Data: "x"}, "id: \ndata: x\n\n"},
		{"empty", SSEvent{}, "data: \n\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if _, err := tt.event.WriteTo(&buf); err != nil {
				t.Fatal(err)
			}
			if buf.String() != tt.want {
				t.Errorf("got %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestJSONEvent(t *testing.T) {
	ev, err := JSONEvent("session", map[string]bool{"isAuthenticated": true})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type == nil || *ev.Type != "session" {
		t.Fatalf("unexpected type %v", ev.Type)
	}
	if ev.Data != `{"isAuthenticated":true}` {
		t.Errorf("got data %q", ev.Data)
	}

	if _, err := JSONEvent("bad", make(chan int)); err == nil {
		t.Error("expected error for unencodable value")
	}
}

type flushRecorder struct {
	*httptest.ResponseRecorder
	mu         sync.Mutex
	flushCount int
}

func (f *flushRecorder) Flush() {
	f.mu.Lock()
	f.flushCount++
	f.mu.Unlock()
}

func (f *flushRecorder) body() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Body.String()
}

func (f *flushRecorder) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ResponseRecorder.Write(b)
}

func TestSSERenderer_StreamsAndFlushes(t *testing.T) {
	events := func(yield func(SSEvent) bool) {
		_ = yield(SSEvent{Data: "first"}) && yield(SSEvent{Data: "second"})
	}
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	r := httptest.NewRequest("GET", "/session/events", nil)

	if err := (&SSERenderer{Events: events}).Render(rec, r); err != nil {
		t.Fatal(err)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type: got %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control: got %q", got)
	}
	if want := "data: first\n\ndata: second\n\n"; rec.body() != want {
		t.Errorf("got %q, want %q", rec.body(), want)
	}
	// One flush for the headers, one per event.
	if rec.flushCount != 3 {
		t.Errorf("Flush called %d times, want 3", rec.flushCount)
	}
}

func TestSSERenderer_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	events := func(yield func(SSEvent) bool) {
		<-ctx.Done()
	}
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	r := httptest.NewRequest("GET", "/session/events", nil).WithContext(ctx)

	if err := (&SSERenderer{Events: events}).Render(rec, r); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSSERenderer_Heartbeat(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	events := func(yield func(SSEvent) bool) {
		<-ctx.Done()
	}
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	r := httptest.NewRequest("GET", "/session/events", nil).WithContext(ctx)

	if err := (&SSERenderer{Events: events, Heartbeat: 10 * time.Millisecond}).Render(rec, r); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.body(), ": keepalive\n\n") {
		t.Errorf("expected keepalive comment, got %q", rec.body())
	}
}

func TestSSERenderer_RequiresFlusher(t *testing.T) {
	events := func(yield func(SSEvent) bool) {}
	w := noFlush{httptest.NewRecorder()}
	if err := (&SSERenderer{Events: events}).Render(w, httptest.NewRequest("GET", "/", nil)); err == nil {
		t.Error("expected error without http.Flusher")
	}
}

type noFlush struct {
	rec *httptest.ResponseRecorder
}

func (n noFlush) Header() http.Header         { return n.rec.Header() }
func (n noFlush) Write(b []byte) (int, error) { return n.rec.Write(b) }
func (n noFlush) WriteHeader(code int)        { n.rec.WriteHeader(code) }
