package endpoint

import (
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"
)

// SSEvent represents a Server-Sent Event to be streamed to a client.
type SSEvent struct {
	ID   *string // nil = not set, "" = reset
	Type *string // nil = not set, "" = default "message"
	Data string
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

// SSERenderer streams SSEvent values to an HTTP client, flushing after each
// event.
//
// Events should stop yielding once the request context is done. When
// Heartbeat is positive, a comment line is written whenever no event was sent
// for that long, which keeps idle connections open through proxies.
type SSERenderer struct {
	Events    iter.Seq[SSEvent]
	Heartbeat time.Duration
}

// Render streams events to the client until Events is exhausted or the
// request context ends.
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

	// Unbuffered so that an event is only taken from the iterator when the
	// writer loop is ready for it.
	eventCh := make(chan SSEvent)
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
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
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
