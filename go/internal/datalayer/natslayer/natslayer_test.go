package natslayer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/scoresync/go/internal/models"
)

func TestKeyForPath(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{path: "/scores", want: "scores"},
		{path: "scores", want: "scores"},
		{path: "/game/scores", want: "game/scores"},
		{path: "/", wantErr: true},
		{path: "", wantErr: true},
		{path: "/has space", wantErr: true},
		{path: "/.hidden", wantErr: true},
		{path: "/wild*", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := KeyForPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, "/"+tt.want, PathForKey(got))
		})
	}
}

func TestNodeSubject(t *testing.T) {
	assert.Equal(t, "scoresync.node.watch-1", NodeSubject("scoresync", "watch-1"))
}

func TestValidateToken(t *testing.T) {
	assert.NoError(t, validateToken("9f3c1a2e-77b0-4c1e-a1f2-3b4c5d6e7f80"))
	assert.Error(t, validateToken(""))
	assert.Error(t, validateToken("a.b"))
	assert.Error(t, validateToken("a>"))
	assert.Error(t, validateToken("a b"))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	c := DefaultConfig()
	c.PresenceTTL = c.HeartbeatInterval
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.SubjectPrefix = "score.sync"
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.URL = ""
	assert.Error(t, c.Validate())
}

func TestMessageHeadersRoundTrip(t *testing.T) {
	msg := buildMessage("scoresync", "watch", "phone", "/increment_left", nil)
	assert.Equal(t, "scoresync.node.phone", msg.Subject)

	got := parseMessage(msg)
	assert.Equal(t, "watch", got.SourceNodeID)
	assert.Equal(t, "/increment_left", got.Path)
	assert.Empty(t, got.Data)
}

func TestPresenceEncoding(t *testing.T) {
	node := models.Node{ID: "phone", DisplayName: "Pixel", Capabilities: []string{models.CapabilityScoreAuthority}}
	data, err := encodeNode(node)
	require.NoError(t, err)

	got, err := decodeNode(data)
	require.NoError(t, err)
	assert.Equal(t, node, got)
	assert.True(t, got.HasCapability(models.CapabilityScoreAuthority))

	_, err = decodeNode([]byte(`{"display_name":"nameless"}`))
	assert.Error(t, err)
}

func TestNewScoreEvent(t *testing.T) {
	ev := NewScoreEvent("phone", models.ScorePair{Left: 2, Right: 1}, []models.ScorePair{{Left: 1, Right: 1}})
	require.NotNil(t, ev.Previous)
	assert.Equal(t, models.ScorePair{Left: 1, Right: 1}, *ev.Previous)
	assert.NotEqual(t, ev.ID, NewScoreEvent("phone", models.ScorePair{}, nil).ID)

	assert.Nil(t, NewScoreEvent("phone", models.ScorePair{}, nil).Previous)
	assert.Equal(t, "scoresync.events.scores_changed", eventSubject("scoresync", EventTypeScoresChanged))
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []ScoreEvent
}

func (s *sinkRecorder) Publish(_ context.Context, ev ScoreEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestRelay(t *testing.T) {
	sink := &sinkRecorder{}
	relay := NewRelay(sink, 1)

	assert.True(t, relay.Offer(NewScoreEvent("phone", models.ScorePair{Left: 1}, nil)))
	assert.False(t, relay.Offer(NewScoreEvent("phone", models.ScorePair{Left: 2}, nil)), "buffer of one is full")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx)

	assert.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, relay.Offer(NewScoreEvent("phone", models.ScorePair{Left: 3}, nil)))
	assert.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
}
