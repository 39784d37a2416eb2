package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/isoreg/internal/listener"
)

// eventPayload is the data of one SSE event on /v1/events.
type eventPayload struct {
	Scope      string    `json:"scope"`
	Generation uint64    `json:"generation,omitempty"`
	At         time.Time `json:"at"`
}

// handleStreamEvents streams update and destroy events of every scope as
// server-sent events until the client disconnects or the server shuts down.
// The optional scope query parameter (e.g. tenant:4) filters the stream.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	filter := r.URL.Query().Get("scope")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	ch, unsub := s.events.Subscribe()
	defer unsub()
	eventStreams.Inc()
	defer eventStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if filter != "" && e.Scope.String() != filter {
				continue
			}
			if err := writeEvent(w, e); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

func writeEvent(w http.ResponseWriter, e listener.Event) error {
	data, err := json.Marshal(eventPayload{Scope: e.Scope.String(), Generation: e.Generation, At: e.At})
	if err != nil {
		return err
	}
	return writeSSEEvent(w, string(e.Kind), string(data))
}

// writeSSEEvent writes a named SSE event. Multi-line data is split so that
// each segment gets its own "data:" prefix.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}
