package command

import (
	"sync/atomic"
	"time"

	"github.com/mcdev12/scoresync/go/internal/models"
)

// MetricsCollector defines the interface for collecting command metrics
type MetricsCollector interface {
	RecordSend(cmd models.Command, nodeID string, success bool, duration time.Duration)
	RecordBroadcast(cmd models.Command, targets int, failures int)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordSend(cmd models.Command, nodeID string, success bool, duration time.Duration) {
}
func (n *NoOpMetricsCollector) RecordBroadcast(cmd models.Command, targets int, failures int) {}

// CounterMetrics keeps running totals, exposed through the gateway stats
type CounterMetrics struct {
	sent         atomic.Uint64
	failed       atomic.Uint64
	broadcasts   atomic.Uint64
	unreached    atomic.Uint64
	lastSendNano atomic.Int64
}

func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{}
}

func (m *CounterMetrics) RecordSend(cmd models.Command, nodeID string, success bool, duration time.Duration) {
	if success {
		m.sent.Add(1)
	} else {
		m.failed.Add(1)
	}
	m.lastSendNano.Store(duration.Nanoseconds())
}

func (m *CounterMetrics) RecordBroadcast(cmd models.Command, targets int, failures int) {
	m.broadcasts.Add(1)
	if targets == 0 {
		m.unreached.Add(1)
	}
}

// Snapshot returns the counters as a map for JSON stats endpoints
func (m *CounterMetrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"commands_sent":         m.sent.Load(),
		"commands_failed":       m.failed.Load(),
		"broadcasts":            m.broadcasts.Load(),
		"broadcasts_no_targets": m.unreached.Load(),
		"last_send_ms":          time.Duration(m.lastSendNano.Load()).Milliseconds(),
	}
}
