package gateway

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingStateSource(calls *atomic.Int32) func() (*ScoreEvent, error) {
	return func() (*ScoreEvent, error) {
		calls.Add(1)
		return newEvent("phone", EventTypeState, ScoreState{})
	}
}

func TestConnectionManager_StateNotDroppedWhenQueueFull(t *testing.T) {
	var calls atomic.Int32
	cm := NewConnectionManager(DefaultConnectionConfig(), countingStateSource(&calls))

	event, err := newEvent("phone", EventTypeError, ErrorPayload{Message: "busy"})
	require.NoError(t, err)
	for range cap(cm.broadcastCh) {
		cm.SendEvent("", event)
	}
	require.Len(t, cm.broadcastCh, cap(cm.broadcastCh))

	cm.BroadcastState()
	cm.BroadcastState()
	cm.SendState("late-connection")
	assert.Equal(t, true, cm.GetConnectionStats()["state_pending"])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cm.Start(ctx)

	require.Eventually(t, func() bool {
		return len(cm.broadcastCh) == 0 && len(cm.stateDirty) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond,
		"pending state requests collapse into one send")
}

func TestConnectionManager_SendStateQueuesWhenRoom(t *testing.T) {
	var calls atomic.Int32
	cm := NewConnectionManager(DefaultConnectionConfig(), countingStateSource(&calls))

	cm.SendState("conn-1")
	assert.Len(t, cm.broadcastCh, 1)
	assert.Equal(t, false, cm.GetConnectionStats()["state_pending"])
}
