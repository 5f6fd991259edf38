package authority

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/scoresync/go/internal/command"
	"github.com/mcdev12/scoresync/go/internal/datalayer"
	"github.com/mcdev12/scoresync/go/internal/datalayer/memory"
	"github.com/mcdev12/scoresync/go/internal/models"
)

type fixture struct {
	network *memory.Network
	phone   *memory.Endpoint
	watch   *memory.Endpoint
	store   *Store
	watchCh *command.Channel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	n := memory.NewNetwork()
	phone := n.Join(models.Node{ID: "phone", Capabilities: []string{models.CapabilityScoreAuthority}})
	watch := n.Join(models.Node{ID: "watch", Capabilities: []string{models.CapabilityScoreMirror}})

	phoneCh := command.NewChannel(phone.Messages(), phone, command.DefaultConfig("phone"))
	t.Cleanup(func() {
		phoneCh.Close()
		phone.Close()
		watch.Close()
	})

	return &fixture{
		network: n,
		phone:   phone,
		watch:   watch,
		store:   NewStore(phone, phoneCh, DefaultConfig("phone")),
		watchCh: command.NewChannel(watch.Messages(), watch, command.DefaultConfig("watch")),
	}
}

func recordOn(t *testing.T, ep *memory.Endpoint) (models.ScorePair, bool) {
	t.Helper()
	items, err := ep.List(context.Background())
	require.NoError(t, err)
	p, found, err := datalayer.FindScores(items)
	require.NoError(t, err)
	return p, found
}

func TestStore_StartPublishesZerosWhenAbsent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Start(context.Background()))

	p, found := recordOn(t, f.watch)
	require.True(t, found)
	assert.Equal(t, models.ScorePair{}, p)
	assert.Empty(t, f.store.History())
}

func TestStore_StartAdoptsExistingRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.watch.Put(ctx, datalayer.ScoresItem(models.ScorePair{Left: 7, Right: 4})))

	require.NoError(t, f.store.Start(ctx))

	assert.Equal(t, models.ScorePair{Left: 7, Right: 4}, f.store.Scores())
	assert.Empty(t, f.store.History(), "adopting a record is not a change")
}

func TestStore_StartIgnoresMalformedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := datalayer.DataItem{Path: models.ScoresPath, Fields: map[string]int{models.FieldLeftScore: 2}}
	require.NoError(t, f.watch.Put(ctx, bad))

	require.NoError(t, f.store.Start(ctx))
	assert.Equal(t, models.ScorePair{}, f.store.Scores())

	p, found := recordOn(t, f.phone)
	require.True(t, found)
	assert.Equal(t, models.ScorePair{}, p)
}

// flakyList fails List until healed; writes go to the wrapped endpoint.
type flakyList struct {
	*memory.Endpoint

	mu     sync.Mutex
	failed bool
}

func (f *flakyList) List(ctx context.Context) ([]datalayer.DataItem, error) {
	f.mu.Lock()
	failed := f.failed
	f.mu.Unlock()
	if failed {
		return nil, errors.New("data layer unavailable")
	}
	return f.Endpoint.List(ctx)
}

func (f *flakyList) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = false
}

func TestStore_StartFailedScanKeepsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.watch.Put(ctx, datalayer.ScoresItem(models.ScorePair{Left: 3, Right: 2})))

	records := &flakyList{Endpoint: f.phone, failed: true}
	store := NewStore(records, nil, DefaultConfig("phone"))
	require.NoError(t, store.Start(ctx))

	p, found := recordOn(t, f.watch)
	require.True(t, found)
	assert.Equal(t, models.ScorePair{Left: 3, Right: 2}, p, "a failed scan must not overwrite the record")

	assert.Error(t, store.Apply(ctx, models.CommandRequestScores))
	p, _ = recordOn(t, f.watch)
	assert.Equal(t, models.ScorePair{Left: 3, Right: 2}, p)
}

func TestStore_FailedScanRetriedBeforeWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.watch.Put(ctx, datalayer.ScoresItem(models.ScorePair{Left: 3, Right: 2})))

	records := &flakyList{Endpoint: f.phone, failed: true}
	store := NewStore(records, nil, DefaultConfig("phone"))
	require.NoError(t, store.Start(ctx))
	assert.Equal(t, models.ScorePair{}, store.Scores())

	records.heal()
	got := store.Increment(ctx, models.SideLeft)
	assert.Equal(t, models.ScorePair{Left: 4, Right: 2}, got)
	assert.Equal(t, []models.ScorePair{{Left: 3, Right: 2}}, store.History())

	p, _ := recordOn(t, f.watch)
	assert.Equal(t, models.ScorePair{Left: 4, Right: 2}, p)
}

func TestStore_IncrementRecordsHistoryAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Start(ctx))
	_, err := f.store.SetScores(ctx, 1, 1)
	require.NoError(t, err)

	got := f.store.Increment(ctx, models.SideLeft)

	assert.Equal(t, models.ScorePair{Left: 2, Right: 1}, got)
	require.NotEmpty(t, f.store.History())
	assert.Equal(t, models.ScorePair{Left: 1, Right: 1}, f.store.History()[0])

	p, _ := recordOn(t, f.watch)
	assert.Equal(t, models.ScorePair{Left: 2, Right: 1}, p)
}

func TestStore_DecrementAtZeroIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Start(ctx))
	_, err := f.store.SetScores(ctx, 0, 5)
	require.NoError(t, err)
	before := f.store.History()

	var changes int
	f.store.OnChange(func(Snapshot) { changes++ })

	got := f.store.Decrement(ctx, models.SideLeft)

	assert.Equal(t, models.ScorePair{Left: 0, Right: 5}, got)
	assert.Equal(t, before, f.store.History())
	assert.Zero(t, changes)
}

func TestStore_ResetFromZeroIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Start(ctx))

	f.store.Reset(ctx)
	assert.Empty(t, f.store.History())

	f.store.Increment(ctx, models.SideRight)
	f.store.Reset(ctx)
	assert.Equal(t, []models.ScorePair{{Left: 0, Right: 1}, {Left: 0, Right: 0}}, f.store.History())
}

func TestStore_SetScoresRejectsNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Start(ctx))

	_, err := f.store.SetScores(ctx, -1, 3)
	assert.ErrorIs(t, err, models.ErrNegativeScore)
	assert.Equal(t, models.ScorePair{}, f.store.Scores())
}

func TestStore_RequestScoresIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Start(ctx))
	_, err := f.store.SetScores(ctx, 3, 2)
	require.NoError(t, err)
	history := f.store.History()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.Apply(ctx, models.CommandRequestScores))
	}

	assert.Equal(t, models.ScorePair{Left: 3, Right: 2}, f.store.Scores())
	assert.Equal(t, history, f.store.History())
}

func TestStore_ApplyUnknownCommand(t *testing.T) {
	f := newFixture(t)
	err := f.store.Apply(context.Background(), models.Command("start_activity"))
	assert.ErrorIs(t, err, models.ErrUnknownCommand)
}

func TestStore_RemoteCommandsMutate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Start(ctx))

	_, err := f.watchCh.Broadcast(ctx, models.CommandIncrementRight)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return f.store.Scores() == models.ScorePair{Left: 0, Right: 1}
	}, time.Second, 5*time.Millisecond)
}

func TestStore_PublishFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Start(ctx))

	f.network.FailPuts("phone", errors.New("link down"))
	got := f.store.Increment(ctx, models.SideLeft)
	assert.Equal(t, models.ScorePair{Left: 1}, got, "local state commits even when the write fails")

	p, _ := recordOn(t, f.watch)
	assert.Equal(t, models.ScorePair{}, p)

	f.network.FailPuts("phone", nil)
	require.NoError(t, f.store.Apply(ctx, models.CommandRequestScores))
	p, _ = recordOn(t, f.watch)
	assert.Equal(t, models.ScorePair{Left: 1}, p)
}

func TestStore_OnChangeUnregister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Start(ctx))

	var seen []models.ScorePair
	stop := f.store.OnChange(func(s Snapshot) { seen = append(seen, s.Scores) })
	f.store.Increment(ctx, models.SideLeft)
	stop()
	f.store.Increment(ctx, models.SideLeft)

	assert.Equal(t, []models.ScorePair{{Left: 1}}, seen)
}

func TestStore_ScoresNeverNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Start(ctx))

	rng := rand.New(rand.NewSource(42))
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		cmds := make([]models.Command, 200)
		for i := range cmds {
			cmds[i] = models.AllCommands[rng.Intn(len(models.AllCommands))]
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, c := range cmds {
				assert.NoError(t, f.store.Apply(ctx, c))
				p := f.store.Scores()
				assert.GreaterOrEqual(t, p.Left, 0)
				assert.GreaterOrEqual(t, p.Right, 0)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, len(f.store.History()), 5)
	p, _ := recordOn(t, f.watch)
	assert.Equal(t, f.store.Scores(), p, "the record matches the last committed pair")
}
