package api

import (
	"net/http"
)

// handleGetPortfolio returns the user's consolidated portfolio snapshot.
// ?refresh=true forces a fresh aggregation round past the cache.
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == "" {
		return
	}

	forceRefresh := r.URL.Query().Get("refresh") == "true"

	snapshot, err := s.portfolioService.GetPortfolio(r.Context(), user, forceRefresh)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, snapshot)
}
