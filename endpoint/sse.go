package endpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"
)

// SSEvent is a single server-sent event.
type SSEvent struct {
	ID   *string // nil omits the field; "" resets the client's last event ID
	Type *string // nil omits the field; clients then see "message"
	Data string
}

// JSONEvent returns an event of the given type with v encoded as JSON data.
func JSONEvent(eventType string, v any) (SSEvent, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return SSEvent{}, err
	}
	return SSEvent{Type: &eventType, Data: string(b)}, nil
}

// WriteTo implements io.WriterTo.
func (e SSEvent) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	if e.ID != nil {
		sb.WriteString("id: ")
		sb.WriteString(*e.ID)
		sb.WriteString("\n")
	}
	if e.Type != nil {
		sb.WriteString("event: ")
		sb.WriteString(*e.Type)
		sb.WriteString("\n")
	}
	sb.WriteString("data: ")
	sb.WriteString(strings.ReplaceAll(e.Data, "\n", "\ndata: "))
	sb.WriteString("\n\n")

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// SSERenderer streams Events until the iterator ends or the client goes away.
// When Heartbeat is positive a comment line is written at that interval so
// idle connections are not reaped.
type SSERenderer struct {
	Events    iter.Seq[SSEvent]
	Heartbeat time.Duration
}

func (r *SSERenderer) Render(w http.ResponseWriter, req *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sse: ResponseWriter does not implement http.Flusher")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := req.Context()
	eventCh := make(chan SSEvent, 1)
	go func() {
		defer close(eventCh)
		for event := range r.Events {
			select {
			case <-ctx.Done():
				return
			case eventCh <- event:
			}
		}
	}()

	var tick <-chan time.Time
	if r.Heartbeat > 0 {
		t := time.NewTicker(r.Heartbeat)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case event, ok := <-eventCh:
			if !ok {
				return nil
			}
			if _, err := event.WriteTo(w); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}
