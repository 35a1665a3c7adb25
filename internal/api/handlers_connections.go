package api

import (
	"net/http"

	"github.com/broker-aggregator/internal/models"
	"github.com/broker-aggregator/internal/types"
	"github.com/gorilla/mux"
)

// InitiateConnectionRequest is the body for POST /api/connections.
type InitiateConnectionRequest struct {
	BrokerType string `json:"brokerType"`
}

// handleInitiateConnection starts the broker authorization flow and returns
// the URL the client must redirect the user to.
func (s *Server) handleInitiateConnection(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == "" {
		return
	}

	var req InitiateConnectionRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	intent, err := s.connectService.InitiateConnection(r.Context(), user, types.BrokerType(req.BrokerType))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, intent)
}

// ConnectionListResponse is the body for GET /api/connections.
type ConnectionListResponse struct {
	Connections []*models.ConnectionView `json:"connections"`
}

// handleListConnections returns the user's connections as token-free views.
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == "" {
		return
	}

	conns, err := s.manager.Connections(r.Context(), user)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	threshold := s.manager.FailureThreshold()
	views := make([]*models.ConnectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, conn.View(threshold))
	}

	respondJSON(w, http.StatusOK, ConnectionListResponse{Connections: views})
}

// handleDisconnect moves a connection to its terminal DISCONNECTED status.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == "" {
		return
	}

	connectionID := mux.Vars(r)["id"]
	if err := s.manager.Disconnect(r.Context(), user, connectionID); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"id":     connectionID,
		"status": string(types.StatusDisconnected),
	})
}

// handleRefreshToken triggers one manual token refresh attempt.
func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == "" {
		return
	}

	connectionID := mux.Vars(r)["id"]

	// Ownership check before touching the connection.
	if !s.ownsConnection(r, user, connectionID) {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Connection not found", nil)
		return
	}

	if err := s.manager.RefreshToken(r.Context(), connectionID); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"id":     connectionID,
		"status": string(types.StatusConnected),
	})
}

// SetMaintenanceRequest is the body for POST /api/connections/{id}/maintenance.
type SetMaintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

// handleSetMaintenance pins or unpins a connection's maintenance status. While
// pinned, call failures are audited but never walk the connection toward error.
func (s *Server) handleSetMaintenance(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == "" {
		return
	}

	connectionID := mux.Vars(r)["id"]
	if !s.ownsConnection(r, user, connectionID) {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Connection not found", nil)
		return
	}

	var req SetMaintenanceRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if err := s.manager.SetMaintenance(r.Context(), connectionID, req.Enabled); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":          connectionID,
		"maintenance": req.Enabled,
	})
}

// handleConnectionHealth returns the recent health log for one connection.
func (s *Server) handleConnectionHealth(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == "" {
		return
	}

	connectionID := mux.Vars(r)["id"]
	if !s.ownsConnection(r, user, connectionID) {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Connection not found", nil)
		return
	}

	records, err := s.healthLog.RecentByConnection(r.Context(), connectionID, 100)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"connectionId": connectionID,
		"records":      records,
	})
}

// ownsConnection reports whether the connection belongs to the user.
func (s *Server) ownsConnection(r *http.Request, user, connectionID string) bool {
	conns, err := s.manager.Connections(r.Context(), user)
	if err != nil {
		return false
	}
	for _, conn := range conns {
		if conn.ID == connectionID {
			return true
		}
	}
	return false
}
