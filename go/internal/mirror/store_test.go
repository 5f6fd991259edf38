package mirror

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/scoresync/go/internal/authority"
	"github.com/mcdev12/scoresync/go/internal/command"
	"github.com/mcdev12/scoresync/go/internal/datalayer"
	"github.com/mcdev12/scoresync/go/internal/datalayer/memory"
	"github.com/mcdev12/scoresync/go/internal/models"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	network *memory.Network
	phone   *memory.Endpoint
	watch   *memory.Endpoint
	clock   *clockwork.FakeClock
	mirror  *Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	n := memory.NewNetwork()
	phone := n.Join(models.Node{ID: "phone", Capabilities: []string{models.CapabilityScoreAuthority}})
	watch := n.Join(models.Node{ID: "watch", Capabilities: []string{models.CapabilityScoreMirror}})
	clock := clockwork.NewFakeClock()

	ch := command.NewChannel(watch.Messages(), watch, command.DefaultConfig("watch"))
	m := NewStore(watch, ch, DefaultConfig("watch"), WithClock(clock))
	t.Cleanup(func() {
		m.Close()
		phone.Close()
		watch.Close()
	})
	return &harness{network: n, phone: phone, watch: watch, clock: clock, mirror: m}
}

// respondWith makes the phone answer request_scores by writing pair.
func (h *harness) respondWith(t *testing.T, pair models.ScorePair) {
	t.Helper()
	_, err := h.phone.Messages().Subscribe(context.Background(), func(msg datalayer.Message) {
		if msg.Path == models.CommandRequestScores.Path() {
			_ = h.phone.Put(context.Background(), datalayer.ScoresItem(pair))
		}
	})
	require.NoError(t, err)
}

type bootstrapResult struct {
	outcome Outcome
	err     error
}

func (h *harness) bootstrapAsync(ctx context.Context) <-chan bootstrapResult {
	done := make(chan bootstrapResult, 1)
	go func() {
		outcome, err := h.mirror.Bootstrap(ctx)
		done <- bootstrapResult{outcome, err}
	}()
	return done
}

func pairOf(t *testing.T, v models.MirrorViewState) models.ScorePair {
	t.Helper()
	p, ok := v.Pair()
	require.True(t, ok, "view not initialized")
	return p
}

func TestMirror_PendingBeforeBootstrap(t *testing.T) {
	h := newHarness(t)
	v := h.mirror.View()
	assert.False(t, v.Initialized)
	assert.Nil(t, v.Left)
	assert.Nil(t, v.Right)
	assert.Equal(t, PhaseUninitialized, h.mirror.Phase())
}

func TestMirror_BootstrapFromResponse(t *testing.T) {
	h := newHarness(t)
	h.respondWith(t, models.ScorePair{Left: 3, Right: 2})

	outcome, err := h.mirror.Bootstrap(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeResponse, outcome)
	assert.Equal(t, PhaseInitialized, h.mirror.Phase())
	assert.Equal(t, models.ScorePair{Left: 3, Right: 2}, pairOf(t, h.mirror.View()))
	assert.Empty(t, h.mirror.History())
}

func TestMirror_BootstrapFoundExisting(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.phone.Put(context.Background(), datalayer.ScoresItem(models.ScorePair{Left: 5, Right: 1})))

	b := &countingBroadcaster{}
	m := NewStore(h.watch, b, DefaultConfig("watch"), WithClock(h.clock))
	t.Cleanup(func() { m.Close() })

	outcome, err := m.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFoundExisting, outcome)
	assert.Equal(t, models.ScorePair{Left: 5, Right: 1}, pairOf(t, m.View()))
	assert.Zero(t, b.count(), "an existing record needs no request")
}

func TestMirror_BootstrapTimesOutToZero(t *testing.T) {
	h := newHarness(t)
	h.network.Disconnect("phone")
	ctx := context.Background()

	done := h.bootstrapAsync(ctx)
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, PhaseAwaitingResponse, h.mirror.Phase())

	h.clock.Advance(2999 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("bootstrap finished before the timeout")
	case <-time.After(20 * time.Millisecond):
	}

	h.clock.Advance(time.Millisecond)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, OutcomeTimeout, res.outcome)
	assert.Equal(t, models.ScorePair{}, pairOf(t, h.mirror.View()))
	assert.Empty(t, h.mirror.History(), "the timeout default is not an observation")
}

func TestMirror_LateResponseAfterTimeout(t *testing.T) {
	h := newHarness(t)
	h.respondWith(t, models.ScorePair{Left: 3, Right: 2})
	h.network.DropMessages("phone", true)
	ctx := context.Background()

	done := h.bootstrapAsync(ctx)
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(DefaultConfig("watch").BootstrapTimeout)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, OutcomeTimeout, res.outcome)

	require.NoError(t, h.phone.Put(ctx, datalayer.ScoresItem(models.ScorePair{Left: 3, Right: 2})))
	assert.Eventually(t, func() bool {
		p, ok := h.mirror.View().Pair()
		return ok && p == models.ScorePair{Left: 3, Right: 2}
	}, waitFor, tick)
	assert.Empty(t, h.mirror.History())
}

func TestMirror_BootstrapCancelled(t *testing.T) {
	h := newHarness(t)
	h.network.Disconnect("phone")
	ctx, cancel := context.WithCancel(context.Background())

	done := h.bootstrapAsync(ctx)
	require.NoError(t, h.clock.BlockUntilContext(context.Background(), 1))
	cancel()

	res := <-done
	assert.ErrorIs(t, res.err, context.Canceled)
	assert.False(t, h.mirror.View().Initialized)
}

func TestMirror_BootstrapOnlyOnce(t *testing.T) {
	h := newHarness(t)
	h.respondWith(t, models.ScorePair{})
	_, err := h.mirror.Bootstrap(context.Background())
	require.NoError(t, err)

	_, err = h.mirror.Bootstrap(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyBootstrapped)
}

// scriptedRecords wraps an endpoint with a replaceable List and counts
// subscriptions.
type scriptedRecords struct {
	*memory.Endpoint

	list       func(ctx context.Context) ([]datalayer.DataItem, error)
	subscribed atomic.Int32
}

func (r *scriptedRecords) List(ctx context.Context) ([]datalayer.DataItem, error) {
	if r.list != nil {
		return r.list(ctx)
	}
	return r.Endpoint.List(ctx)
}

func (r *scriptedRecords) Subscribe(ctx context.Context, handler func(datalayer.DataItem)) (datalayer.Subscription, error) {
	r.subscribed.Add(1)
	return r.Endpoint.Subscribe(ctx, handler)
}

func TestMirror_ListFailureRequestsScores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	records := &scriptedRecords{
		Endpoint: h.watch,
		list: func(context.Context) ([]datalayer.DataItem, error) {
			return nil, errors.New("data layer unavailable")
		},
	}
	b := &countingBroadcaster{}
	m := NewStore(records, b, DefaultConfig("watch"), WithClock(h.clock))
	t.Cleanup(func() { m.Close() })

	done := make(chan bootstrapResult, 1)
	go func() {
		outcome, err := m.Bootstrap(ctx)
		done <- bootstrapResult{outcome, err}
	}()

	require.Eventually(t, func() bool { return b.count() == 1 }, waitFor, tick)
	assert.Equal(t, PhaseAwaitingResponse, m.Phase())
	require.NoError(t, h.phone.Put(ctx, datalayer.ScoresItem(models.ScorePair{Left: 3, Right: 2})))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, OutcomeResponse, res.outcome)
	case <-time.After(waitFor):
		t.Fatal("bootstrap did not finish after the response")
	}
	assert.Equal(t, models.ScorePair{Left: 3, Right: 2}, pairOf(t, m.View()))
	assert.Empty(t, m.History())
}

func TestMirror_ListingOlderThanNotificationIsDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.phone.Put(ctx, datalayer.ScoresItem(models.ScorePair{Left: 3, Right: 2})))

	listed := make(chan struct{})
	release := make(chan struct{})
	records := &scriptedRecords{Endpoint: h.watch}
	records.list = func(ctx context.Context) ([]datalayer.DataItem, error) {
		items, err := records.Endpoint.List(ctx)
		close(listed)
		<-release
		return items, err
	}
	m := NewStore(records, &countingBroadcaster{}, DefaultConfig("watch"), WithClock(h.clock))
	t.Cleanup(func() { m.Close() })

	done := make(chan bootstrapResult, 1)
	go func() {
		outcome, err := m.Bootstrap(ctx)
		done <- bootstrapResult{outcome, err}
	}()

	<-listed
	require.NoError(t, h.phone.Put(ctx, datalayer.ScoresItem(models.ScorePair{Left: 4, Right: 2})))
	require.Eventually(t, func() bool { return m.Phase() == PhaseInitialized }, waitFor, tick)
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, OutcomeResponse, res.outcome)
	assert.Equal(t, models.ScorePair{Left: 4, Right: 2}, pairOf(t, m.View()))
	assert.Empty(t, m.History(), "the stale listing is not an observation")
}

func TestMirror_ConcurrentBootstrapSubscribesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.phone.Put(ctx, datalayer.ScoresItem(models.ScorePair{Left: 1, Right: 1})))

	records := &scriptedRecords{Endpoint: h.watch}
	m := NewStore(records, &countingBroadcaster{}, DefaultConfig("watch"), WithClock(h.clock))
	t.Cleanup(func() { m.Close() })

	start := make(chan struct{})
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.Bootstrap(ctx)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var rejected int
	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrAlreadyBootstrapped)
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)
	assert.Equal(t, int32(1), records.subscribed.Load())
	assert.Equal(t, models.ScorePair{Left: 1, Right: 1}, pairOf(t, m.View()))
}

func TestMirror_HistoryTracksObservedChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.phone.Put(ctx, datalayer.ScoresItem(models.ScorePair{})))
	_, err := h.mirror.Bootstrap(ctx)
	require.NoError(t, err)

	for _, p := range []models.ScorePair{{Left: 1}, {Left: 2}, {Left: 2, Right: 1}} {
		require.NoError(t, h.phone.Put(ctx, datalayer.ScoresItem(p)))
	}

	want := []models.ScorePair{{Left: 2}, {Left: 1}, {}}
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, h.mirror.History())
	}, waitFor, tick)
	assert.Equal(t, models.ScorePair{Left: 2, Right: 1}, pairOf(t, h.mirror.View()))
}

func TestMirror_IgnoresMalformedNotification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.phone.Put(ctx, datalayer.ScoresItem(models.ScorePair{Left: 4})))
	_, err := h.mirror.Bootstrap(ctx)
	require.NoError(t, err)

	bad := datalayer.DataItem{Path: models.ScoresPath, Fields: map[string]int{models.FieldLeftScore: -1, models.FieldRightScore: 0}}
	require.NoError(t, h.phone.Put(ctx, bad))
	require.NoError(t, h.phone.Put(ctx, datalayer.ScoresItem(models.ScorePair{Left: 5})))

	assert.Eventually(t, func() bool {
		p, _ := h.mirror.View().Pair()
		return p == models.ScorePair{Left: 5}
	}, waitFor, tick)
	assert.Equal(t, []models.ScorePair{{Left: 4}}, h.mirror.History())
}

func TestMirror_CommandsDoNotMutateLocally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.phone.Put(ctx, datalayer.ScoresItem(models.ScorePair{Left: 1, Right: 1})))
	_, err := h.mirror.Bootstrap(ctx)
	require.NoError(t, err)

	// nobody on the phone handles commands, so every send fails
	result, err := h.mirror.IncrementLeftScore(ctx)
	require.NoError(t, err)
	assert.Len(t, result.Failures(), 1)

	_, err = h.mirror.ResetScores(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.ScorePair{Left: 1, Right: 1}, pairOf(t, h.mirror.View()))
	assert.Empty(t, h.mirror.History())
}

func TestMirror_OnChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var mu sync.Mutex
	var phases []Phase
	h.mirror.OnChange(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, s.Phase)
	})

	require.NoError(t, h.phone.Put(ctx, datalayer.ScoresItem(models.ScorePair{})))
	_, err := h.mirror.Bootstrap(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, phases)
	assert.Equal(t, PhaseInitialized, phases[0])
}

// End to end: mirror commands reach a real authoritative store and come back
// as record notifications.
func TestMirror_RoundTripThroughAuthority(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	phoneCh := command.NewChannel(h.phone.Messages(), h.phone, command.DefaultConfig("phone"))
	t.Cleanup(func() { phoneCh.Close() })
	auth := authority.NewStore(h.phone, phoneCh, authority.DefaultConfig("phone"))
	require.NoError(t, auth.Start(ctx))
	_, err := auth.SetScores(ctx, 1, 1)
	require.NoError(t, err)

	outcome, err := h.mirror.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFoundExisting, outcome)

	_, err = h.mirror.IncrementLeftScore(ctx)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		p, _ := h.mirror.View().Pair()
		return p == models.ScorePair{Left: 2, Right: 1}
	}, waitFor, tick)
	assert.Equal(t, models.ScorePair{Left: 1, Right: 1}, auth.History()[0])

	_, err = h.mirror.DecrementRightScore(ctx)
	require.NoError(t, err)
	_, err = h.mirror.DecrementRightScore(ctx)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		p, _ := h.mirror.View().Pair()
		return p == models.ScorePair{Left: 2, Right: 0}
	}, waitFor, tick)
	assert.Equal(t, models.ScorePair{Left: 2, Right: 0}, auth.Scores())
}

type countingBroadcaster struct {
	mu sync.Mutex
	n  int
}

func (b *countingBroadcaster) Broadcast(_ context.Context, cmd models.Command) (command.BroadcastResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n++
	return command.BroadcastResult{Command: cmd}, nil
}

func (b *countingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}
