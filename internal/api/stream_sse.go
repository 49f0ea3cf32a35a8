package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"geyserfeed/internal/stream"
)

// SubscribeSSEHandler streams the same updates as SubscribeWSHandler as
// Server-Sent Events, one event per update named after its kind. A lagged
// stream ends with an "error" event.
func (s *Server) SubscribeSSEHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	hint, err := hintFromQuery(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid filter", err.Error(), r.URL.Path)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path)
		return
	}
	sub, err := s.Streams.Subscribe(r.Context(), stream.SubscribeOptions{Hint: hint})
	if err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not accepting subscriptions", err.Error(), r.URL.Path)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for u := range sub.Updates() {
		b, err := json.Marshal(u)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\n", u.Kind())
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}
	<-sub.Done()
	if sub.State() == stream.StateLagged {
		b, _ := json.Marshal(streamError{Error: sub.Err().Error()})
		fmt.Fprintf(w, "event: error\n")
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}
}
