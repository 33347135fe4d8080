package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/stagegate/internal/notify"
	"github.com/kingrea/stagegate/internal/tier"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "history", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.BeginRun(ctx, "run-1", "dashboard", start))
	require.NoError(t, store.RecordEvent(ctx, "run-1", notify.Event{Seq: 1, Kind: notify.KindRegistered, CallID: "overview", Tier: tier.Critical, Stage: tier.Initial, At: start}))
	require.NoError(t, store.RecordEvent(ctx, "run-1", notify.Event{Seq: 2, Kind: notify.KindStage, Stage: tier.StageCritical, At: start}))
	require.NoError(t, store.RecordEvent(ctx, "run-1", notify.Event{Seq: 3, Kind: notify.KindEnabled, CallID: "overview", Tier: tier.Critical, Stage: tier.StageCritical, Progress: 10, At: start.Add(time.Millisecond)}))
	require.NoError(t, store.FinishRun(ctx, "run-1", start.Add(time.Second), tier.Complete, 10))

	runs, err := store.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "dashboard", runs[0].Plan)
	assert.True(t, runs[0].StartedAt.Equal(start))
	assert.True(t, runs[0].FinishedAt.Equal(start.Add(time.Second)))
	assert.Equal(t, tier.Complete, runs[0].FinalStage)
	assert.Equal(t, 10.0, runs[0].FinalProgress)

	events, err := store.Events(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, notify.KindRegistered, events[0].Kind)
	assert.Equal(t, notify.KindStage, events[1].Kind)
	assert.Equal(t, tier.StageCritical, events[1].Stage)
	assert.Equal(t, "overview", events[2].CallID)
	assert.Equal(t, tier.Critical, events[2].Tier)
	assert.Equal(t, 10.0, events[2].Progress)
	assert.True(t, events[2].At.Equal(start.Add(time.Millisecond)))
}

func TestRecordEventIgnoresReplays(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.BeginRun(ctx, "run-1", "", time.Now()))
	ev := notify.Event{Seq: 4, Kind: notify.KindEnabled, CallID: "segments", Tier: tier.Important, At: time.Now()}
	require.NoError(t, store.RecordEvent(ctx, "run-1", ev))
	require.NoError(t, store.RecordEvent(ctx, "run-1", ev))

	events, err := store.Events(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestUnknownRun(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	_, err := store.Events(ctx, "missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))

	err = store.FinishRun(ctx, "missing", time.Now(), tier.Complete, 0)
	assert.True(t, errors.Is(err, ErrRunNotFound))

	require.NoError(t, store.BeginRun(ctx, "dup", "", time.Now()))
	assert.Error(t, store.BeginRun(ctx, "dup", "", time.Now()))
}

func TestRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.BeginRun(ctx, id, "", base.Add(time.Duration(i)*time.Minute)))
	}
	runs, err := store.Runs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
}

func TestFollowStoresHubFeed(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.BeginRun(ctx, "run-1", "", time.Now()))

	hub := notify.NewHub()
	sub := hub.Subscribe()
	hub.Publish(notify.Event{Kind: notify.KindRegistered, CallID: "overview", Tier: tier.Critical})
	hub.Publish(notify.Event{Kind: notify.KindEnabled, CallID: "overview", Tier: tier.Critical, Progress: 10})
	hub.Close()

	stored, err := store.Follow(ctx, "run-1", sub.Events)
	require.NoError(t, err)
	assert.Equal(t, 3, stored)

	events, err := store.Events(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, notify.KindClosed, events[2].Kind)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{events[0].Seq, events[1].Seq, events[2].Seq})
}
