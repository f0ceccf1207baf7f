package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snap uint64

func (s snap) SnapshotID() uint64 { return uint64(s) }

type diff struct{ first, last uint64 }

func (d diff) UpdateRange() (uint64, uint64) { return d.first, d.last }

// scriptedSource returns the queued results in order.
type scriptedSource struct {
	results []fetchResult
	calls   int
}

type fetchResult struct {
	s   snap
	err error
}

func (s *scriptedSource) Fetch(context.Context) (snap, error) {
	s.calls++
	if len(s.results) == 0 {
		return 0, errors.New("no snapshot scripted")
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r.s, r.err
}

type recorder struct {
	events []Event[snap, diff]
}

func (r *recorder) emit(e Event[snap, diff]) { r.events = append(r.events, e) }

func (r *recorder) describe() []string {
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		switch e.Kind {
		case EventSnapshot:
			out = append(out, fmt.Sprintf("snapshot:%d", e.Snapshot))
		case EventDiff:
			out = append(out, fmt.Sprintf("diff:%d-%d", e.Diff.first, e.Diff.last))
		}
	}
	return out
}

type countingObserver struct {
	gaps    int
	fetches int
	fails   int
	states  []State
}

func (o *countingObserver) Gap(uint64, uint64) { o.gaps++ }
func (o *countingObserver) SnapshotFetched(err error) {
	o.fetches++
	if err != nil {
		o.fails++
	}
}
func (o *countingObserver) StateChanged(s State) { o.states = append(o.states, s) }

func TestReconciler_BridgesSnapshotIntoBufferedDiffs(t *testing.T) {
	src := &scriptedSource{results: []fetchResult{{s: 8}}}
	r := New[snap, diff](src)
	rec := &recorder{}
	ctx := context.Background()

	for _, d := range []diff{{1, 5}, {6, 10}, {11, 15}} {
		require.NoError(t, r.Apply(ctx, d, rec.emit))
	}

	assert.Equal(t, []string{"snapshot:8", "diff:6-10", "diff:11-15"}, rec.describe())
	assert.Equal(t, Synced, r.State())
	assert.Equal(t, uint64(15), r.LastUpdateID())
	assert.Equal(t, 0, r.Buffered())
	assert.Equal(t, 1, src.calls, "cached snapshot reused while it is not older than the buffer")
}

func TestReconciler_GapWhileSynced(t *testing.T) {
	src := &scriptedSource{results: []fetchResult{{s: 9}, {s: 3}}}
	obs := &countingObserver{}
	r := New[snap, diff](src, WithObserver(obs))
	rec := &recorder{}
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, diff{9, 10}, rec.emit))
	require.Equal(t, Synced, r.State())
	require.Equal(t, uint64(10), r.LastUpdateID())
	rec.events = nil

	// 12 skips 11. The refetched snapshot is too old to bridge.
	require.NoError(t, r.Apply(ctx, diff{12, 14}, rec.emit))

	assert.Equal(t, Unsynced, r.State())
	assert.Empty(t, rec.events)
	assert.Equal(t, 1, r.Buffered())
	assert.Equal(t, 1, obs.gaps)
	assert.Equal(t, []State{Synced, Unsynced}, obs.states)
}

func TestReconciler_GapScenarioWaitsForBridge(t *testing.T) {
	src := &scriptedSource{results: []fetchResult{
		{err: errors.New("connection refused")},
		{s: 11},
	}}
	r := New[snap, diff](src)
	r.state = Synced
	r.last = 10
	rec := &recorder{}
	ctx := context.Background()

	err := r.Apply(ctx, diff{12, 13}, rec.emit)
	require.Error(t, err)
	assert.Equal(t, Unsynced, r.State())
	assert.Empty(t, rec.events)

	require.NoError(t, r.Apply(ctx, diff{14, 16}, rec.emit))
	assert.Equal(t, []string{"snapshot:11", "diff:12-13", "diff:14-16"}, rec.describe())
	assert.Equal(t, Synced, r.State())
}

func TestReconciler_FetchFailureIsNotCached(t *testing.T) {
	boom := errors.New("boom")
	src := &scriptedSource{results: []fetchResult{{err: boom}, {err: boom}, {s: 4}}}
	obs := &countingObserver{}
	r := New[snap, diff](src, WithObserver(obs))
	rec := &recorder{}
	ctx := context.Background()

	assert.ErrorIs(t, r.Apply(ctx, diff{1, 2}, rec.emit), boom)
	assert.ErrorIs(t, r.Apply(ctx, diff{3, 4}, rec.emit), boom)
	require.NoError(t, r.Apply(ctx, diff{5, 6}, rec.emit))

	assert.Equal(t, 3, src.calls)
	assert.Equal(t, 3, obs.fetches)
	assert.Equal(t, 2, obs.fails)
	assert.Equal(t, []string{"snapshot:4", "diff:5-6"}, rec.describe())
}

func TestReconciler_RefetchesSnapshotOlderThanBuffer(t *testing.T) {
	src := &scriptedSource{results: []fetchResult{{s: 2}, {s: 25}}}
	r := New[snap, diff](src)
	rec := &recorder{}
	ctx := context.Background()

	// Snapshot 2 is older than diff 10's first id.
	require.NoError(t, r.Apply(ctx, diff{10, 20}, rec.emit))
	assert.Empty(t, rec.events)

	require.NoError(t, r.Apply(ctx, diff{21, 30}, rec.emit))
	assert.Equal(t, 2, src.calls)
	assert.Equal(t, []string{"snapshot:25", "diff:21-30"}, rec.describe())
}

func TestReconciler_SnapshotAheadOfDiffsKeepsBuffering(t *testing.T) {
	src := &scriptedSource{results: []fetchResult{{s: 50}}}
	r := New[snap, diff](src)
	rec := &recorder{}
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, diff{40, 45}, rec.emit))
	require.NoError(t, r.Apply(ctx, diff{46, 48}, rec.emit))
	assert.Empty(t, rec.events)
	assert.Equal(t, Unsynced, r.State())

	require.NoError(t, r.Apply(ctx, diff{49, 55}, rec.emit))
	assert.Equal(t, []string{"snapshot:50", "diff:49-55"}, rec.describe())
	assert.Equal(t, 1, src.calls)
}

func TestReconciler_GapWhileBufferingDiscardsPrefix(t *testing.T) {
	src := &scriptedSource{results: []fetchResult{{s: 100}, {s: 100}, {s: 100}}}
	r := New[snap, diff](src)
	rec := &recorder{}
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, diff{90, 95}, rec.emit))
	// 96..97 lost.
	require.NoError(t, r.Apply(ctx, diff{98, 99}, rec.emit))
	assert.Equal(t, 1, r.Buffered(), "diffs before the gap are dropped")

	require.NoError(t, r.Apply(ctx, diff{100, 102}, rec.emit))
	assert.Equal(t, []string{"snapshot:100", "diff:100-102"}, rec.describe())
}

func TestReconciler_BridgeRequiresContiguousTail(t *testing.T) {
	src := &scriptedSource{results: []fetchResult{{s: 8}}}
	r := New[snap, diff](src)
	rec := &recorder{}

	// Inject a non-contiguous buffer directly.
	r.buf = []diff{{6, 10}, {12, 15}}
	r.last = 15
	r.bridgeAfterFetch(t)

	assert.Empty(t, rec.events)
	assert.Equal(t, Unsynced, r.State())
	assert.Equal(t, []diff{{12, 15}}, r.buf)
}

// bridgeAfterFetch caches the scripted snapshot and runs the bridge step.
func (r *Reconciler[S, D]) bridgeAfterFetch(t *testing.T) {
	t.Helper()
	s, err := r.source.Fetch(context.Background())
	require.NoError(t, err)
	r.snapshot, r.cached = s, true
	r.bridge(func(Event[S, D]) { t.Fatal("unexpected emit") })
}

func TestReconciler_OfferInBand(t *testing.T) {
	pending := SourceFunc[snap](func(context.Context) (snap, error) {
		return 0, ErrSnapshotPending
	})
	r := New[snap, diff](pending)
	rec := &recorder{}
	ctx := context.Background()

	// Diffs before the first snapshot are buffered; the fetch only asks.
	assert.ErrorIs(t, r.Apply(ctx, diff{3, 3}, rec.emit), ErrSnapshotPending)
	assert.ErrorIs(t, r.Apply(ctx, diff{4, 4}, rec.emit), ErrSnapshotPending)

	r.Offer(snap(3), rec.emit)
	assert.Equal(t, []string{"snapshot:3", "diff:4-4"}, rec.describe())
	assert.Equal(t, Synced, r.State())

	require.NoError(t, r.Apply(ctx, diff{5, 5}, rec.emit))

	// A fresh snapshot while synced resets the sequence.
	rec.events = nil
	r.Offer(snap(1), rec.emit)
	require.NoError(t, r.Apply(ctx, diff{2, 2}, rec.emit))
	assert.Equal(t, []string{"snapshot:1", "diff:2-2"}, rec.describe())
	assert.Equal(t, uint64(2), r.LastUpdateID())
}

func TestReconciler_OfferWithEmptyBufferSyncs(t *testing.T) {
	r := New[snap, diff](SourceFunc[snap](func(context.Context) (snap, error) {
		return 0, ErrSnapshotPending
	}))
	rec := &recorder{}

	r.Offer(snap(7), rec.emit)
	assert.Equal(t, Synced, r.State())
	assert.Equal(t, uint64(7), r.LastUpdateID())

	require.NoError(t, r.Apply(context.Background(), diff{8, 8}, rec.emit))
	assert.Equal(t, []string{"snapshot:7", "diff:8-8"}, rec.describe())
}

func TestObservers_FanOut(t *testing.T) {
	a, b := &countingObserver{}, &countingObserver{}
	obs := Observers(a, b)

	obs.Gap(3, 5)
	obs.SnapshotFetched(errors.New("timeout"))
	obs.StateChanged(Synced)

	for _, o := range []*countingObserver{a, b} {
		assert.Equal(t, 1, o.gaps)
		assert.Equal(t, 1, o.fails)
		assert.Equal(t, []State{Synced}, o.states)
	}
}
