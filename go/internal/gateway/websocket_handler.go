package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles WebSocket upgrade requests for score renderers
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	stateProvider     StateProvider
	commandTimeout    time.Duration
}

// NewWebSocketHandler creates a new WebSocket handler and installs it as the
// manager's inbound message handler.
func NewWebSocketHandler(cm *ConnectionManager, provider StateProvider, commandTimeout time.Duration) *WebSocketHandler {
	h := &WebSocketHandler{
		connectionManager: cm,
		stateProvider:     provider,
		commandTimeout:    commandTimeout,
	}
	cm.SetMessageHandler(h.handleClientMessage)
	return h
}

// HandleScoresConnection handles WebSocket connections from renderers
func (h *WebSocketHandler) HandleScoresConnection(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = "anonymous"
	}

	if _, err := h.connectionManager.UpgradeConnection(w, r, clientID); err != nil {
		// Upgrade already wrote the HTTP error response
		log.Error().
			Err(err).
			Str("client_id", clientID).
			Msg("failed to upgrade WebSocket connection")
		return
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.connectionManager.GetConnectionStats()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// handleClientMessage turns a renderer gesture into a command and reports
// the outcome to the sending connection only.
func (h *WebSocketHandler) handleClientMessage(c *Connection, message []byte) {
	nodeID := h.stateProvider.NodeID()

	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		h.replyError(c, nodeID, "malformed message")
		return
	}

	cmd, err := CommandFor(msg)
	if err != nil {
		h.replyError(c, nodeID, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.commandTimeout)
	defer cancel()

	result, err := h.stateProvider.Apply(ctx, cmd)
	if err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", c.ID).
			Str("command", string(cmd)).
			Msg("command failed")
		result.Errors = append(result.Errors, err.Error())
	}

	event, err := newEvent(nodeID, EventTypeCommandResult, result)
	if err != nil {
		log.Error().Err(err).Msg("failed to build command result event")
		return
	}
	h.connectionManager.SendEvent(c.ID, event)
}

func (h *WebSocketHandler) replyError(c *Connection, nodeID, message string) {
	event, err := newEvent(nodeID, EventTypeError, ErrorPayload{Message: message})
	if err != nil {
		log.Error().Err(err).Msg("failed to build error event")
		return
	}
	h.connectionManager.SendEvent(c.ID, event)
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/scores", h.HandleScoresConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
