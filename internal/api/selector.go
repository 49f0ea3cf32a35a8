package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"geyserfeed/internal/control"
	"geyserfeed/internal/store"
)

const maxSelectorBody = 1 << 20

// UpdateSelectorHandler handles POST /v1/selector. The body is either
// {"config": "<selector json>"} or the selector object itself. Validation
// failures are reported in the 200 response, not as HTTP errors. With a
// selector secret configured the raw body must carry a valid X-Signature.
func (s *Server) UpdateSelectorHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.Limiter != nil && !s.Limiter.Allow() {
		writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "selector updates are rate limited", r.URL.Path)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSelectorBody))
	if err != nil {
		writeProblem(w, http.StatusRequestEntityTooLarge, "Body too large", err.Error(), r.URL.Path)
		return
	}
	if s.SelectorSecret != "" && !control.VerifyHMAC(s.SelectorSecret, body, r.Header.Get(control.SignatureHeader)) {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid "+control.SignatureHeader, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, s.Control.UpdateSelector(r.Context(), "http", selectorPayload(body)))
}

// selectorPayload unwraps the {"config": "..."} envelope when present.
func selectorPayload(body []byte) []byte {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	raw, ok := env["config"]
	if !ok || len(env) != 1 {
		return body
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return body
	}
	return []byte(text)
}

// SelectorHistoryHandler handles GET /v1/admin/selector-history?limit=N.
func (s *Server) SelectorHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid limit", v, r.URL.Path)
			return
		}
		limit = n
	}
	items, err := s.Store.ListSelectorRequests(r.Context(), limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "History unavailable", err.Error(), r.URL.Path)
		return
	}
	if items == nil {
		items = []store.SelectorRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// SelectorRequestHandler handles GET /v1/admin/selector-history/{id}.
func (s *Server) SelectorRequestHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/admin/selector-history/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	item, err := s.Store.GetSelectorRequest(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Selector request not found", id, r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "History unavailable", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
