package api

import (
	"net/http"
)

// handleOAuthCallback completes the broker authorization flow. The broker
// redirects the user's browser here with the state we issued and an
// authorization code.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	state := query.Get("state")
	code := query.Get("code")

	// Zerodha sends request_token instead of code on its redirect.
	if code == "" {
		code = query.Get("request_token")
	}

	if state == "" || code == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Missing state or code parameter", nil)
		return
	}

	conn, err := s.connectService.CompleteConnection(r.Context(), state, code)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, conn.View(s.manager.FailureThreshold()))
}
