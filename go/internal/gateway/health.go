package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type HealthStatus struct {
	Healthy         bool
	Role            Role
	ViewInitialized bool
	TransportUp     bool
	OpenConnections int
	Errors          []string
}

type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

// NodeHealthChecker reports a node unhealthy until its view is initialized
// or while its transport is down.
type NodeHealthChecker struct {
	provider    StateProvider
	cm          *ConnectionManager
	connectedFn func() bool
}

// NewNodeHealthChecker creates a checker. connectedFn may be nil for
// in-process transports.
func NewNodeHealthChecker(provider StateProvider, cm *ConnectionManager, connectedFn func() bool) *NodeHealthChecker {
	return &NodeHealthChecker{
		provider:    provider,
		cm:          cm,
		connectedFn: connectedFn,
	}
}

func (h *NodeHealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy:     true,
		TransportUp: true,
		Errors:      []string{},
	}

	state, err := h.provider.State(ctx)
	if err != nil {
		status.Healthy = false
		status.Errors = append(status.Errors, "state unavailable: "+err.Error())
	} else {
		status.Role = state.Role
		status.ViewInitialized = state.Initialized
		if !state.Initialized {
			status.Healthy = false
			status.Errors = append(status.Errors, "score view not initialized")
		}
	}

	if h.connectedFn != nil {
		status.TransportUp = h.connectedFn()
		if !status.TransportUp {
			status.Healthy = false
			status.Errors = append(status.Errors, "transport disconnected")
		}
	}

	if h.cm != nil {
		status.OpenConnections = h.cm.ConnectionCount()
	}

	return status
}

// HTTP handler helper
func (h *NodeHealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	response := map[string]interface{}{
		"healthy":          status.Healthy,
		"role":             status.Role,
		"view_initialized": status.ViewInitialized,
		"transport_up":     status.TransportUp,
		"open_connections": status.OpenConnections,
		"errors":           status.Errors,
	}

	w.Header().Set("Content-Type", "application/json")

	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(response)
}
