package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Service is the renderer gateway: it pushes a node's score view over
// WebSockets and turns gestures into commands.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
	healthChecker     *NodeHealthChecker
	stateProvider     StateProvider
	statsSources      map[string]func() map[string]interface{}
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	CommandTimeout   time.Duration
	// Connected reports transport health; nil means always connected
	Connected func() bool
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		CommandTimeout:   5 * time.Second,
	}
}

// NewService creates a new gateway service for one node
func NewService(config Config, stateProvider StateProvider) *Service {
	connectionManager := NewConnectionManager(config.ConnectionConfig, func() (*ScoreEvent, error) {
		state, err := stateProvider.State(context.Background())
		if err != nil {
			return nil, err
		}
		return newEvent(stateProvider.NodeID(), EventTypeState, state)
	})

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager, stateProvider, config.CommandTimeout),
		stateHandler:      NewStateHandler(stateProvider),
		healthChecker:     NewNodeHealthChecker(stateProvider, connectionManager, config.Connected),
		stateProvider:     stateProvider,
		statsSources:      make(map[string]func() map[string]interface{}),
	}
}

// AddStatsSource merges extra counters into GetStats under the given key
func (s *Service) AddStatsSource(name string, fn func() map[string]interface{}) {
	s.statsSources[name] = fn
}

// Start runs the broadcast loop and pushes state on every view change until
// ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Str("node_id", s.stateProvider.NodeID()).Msg("starting score gateway service")

	stop := s.stateProvider.Watch(s.connectionManager.BroadcastState)
	defer stop()

	s.connectionManager.Start(ctx)

	log.Info().Msg("score gateway service stopped")
	return nil
}

// RegisterRoutes registers the gateway HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	mux.Handle("/health", s.healthChecker)
	log.Info().Msg("score gateway routes registered")
}

// Handler returns the full HTTP handler: routes wrapped with CORS and h2c
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "score_gateway"
	stats["node_id"] = s.stateProvider.NodeID()
	for name, fn := range s.statsSources {
		stats[name] = fn()
	}
	return stats
}

// BroadcastEvent allows manual event broadcasting (useful for testing)
func (s *Service) BroadcastEvent(event *ScoreEvent) {
	s.connectionManager.SendEvent("", event)
}
