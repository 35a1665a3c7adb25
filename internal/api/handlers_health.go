package api

import (
	"net/http"
	"time"
)

// handleBrokerHealth returns per-broker success rates over the last 24 hours
// plus the current circuit breaker states.
func (s *Server) handleBrokerHealth(w http.ResponseWriter, r *http.Request) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	stats, err := s.healthLog.StatsByBroker(r.Context(), from, to)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"window": map[string]time.Time{
			"from": from,
			"to":   to,
		},
		"brokers":  stats,
		"breakers": s.breakers.States(),
	})
}
