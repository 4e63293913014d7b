package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleEvents streams the bus over Server-Sent Events. Each message is
// `event: <type>` with a JSON data line; keepalives and status
// snapshots arrive on the bus itself.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	s.metrics.SSESubscribers.Add(r.Context(), 1)
	defer s.metrics.SSESubscribers.Add(r.Context(), -1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-sub.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
			flusher.Flush()
		}
	}
}
