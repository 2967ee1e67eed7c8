package dataset

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lessucettes/redlight/internal/store"
	"github.com/lessucettes/redlight/internal/testutils"
	"github.com/lessucettes/redlight/internal/upstream"
)

var errUpstreamDown = errors.New("upstream down")

func newTestStore(src upstream.ClientInterface, clock *testutils.FakeClock, snaps store.Store) *Store {
	return New(src, Options{
		TTL:            time.Hour,
		RefreshTimeout: 5 * time.Second,
		FailureBackoff: 30 * time.Second,
		Snapshots:      snaps,
		Now:            clock.Now,
	}, testutils.DiscardLogger())
}

// settle waits for any background refresh to finish.
func settle(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.awaitRefresh(ctx, false)
	require.NoError(t, ctx.Err(), "background refresh did not finish")
}

func TestBuildLastWriteWins(t *testing.T) {
	d := Build([]upstream.AbuseRecord{
		testutils.Record("aa", "r1"),
		testutils.Record("bb", "r2"),
		testutils.Record("aa", "r3"),
	})
	require.Len(t, d, 2)
	id, ok := d.Lookup("aa")
	assert.True(t, ok)
	assert.Equal(t, "r3", id)

	_, ok = d.Lookup("cc")
	assert.False(t, ok)
}

func TestCurrentRefreshRule(t *testing.T) {
	ctx := context.Background()
	clock := testutils.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	src := testutils.NewMockUpstream(testutils.Record("aa", "r1"))
	s := newTestStore(src, clock, nil)

	d, err := s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, Dataset{"aa": "r1"}, d)
	assert.Equal(t, 1, src.Calls())

	// Within the TTL no fetch happens.
	src.SetRecords(testutils.Record("bb", "r2"))
	clock.Advance(59 * time.Minute)
	d, err = s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, Dataset{"aa": "r1"}, d)
	assert.Equal(t, 1, src.Calls())

	// Past the TTL the stale dataset is served while a refresh runs, and the
	// new dataset replaces it once the refresh lands.
	clock.Advance(2 * time.Minute)
	d, err = s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, Dataset{"aa": "r1"}, d)
	settle(t, s)
	assert.Equal(t, 2, src.Calls())

	d, err = s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, Dataset{"bb": "r2"}, d)
	assert.Equal(t, 2, src.Calls())

	loaded, entries, at := s.Stats()
	assert.True(t, loaded)
	assert.Equal(t, 1, entries)
	assert.Equal(t, clock.Now(), at)
}

func TestCurrentServesStaleOnFailure(t *testing.T) {
	ctx := context.Background()
	clock := testutils.NewFakeClock(time.Now())
	src := testutils.NewMockUpstream(testutils.Record("aa", "r1"))
	s := newTestStore(src, clock, nil)

	_, err := s.Current(ctx)
	require.NoError(t, err)

	src.SetError(errUpstreamDown)
	clock.Advance(2 * time.Hour)

	d, err := s.Current(ctx)
	require.NoError(t, err, "a failed refresh with a previous dataset is not an error")
	assert.Equal(t, Dataset{"aa": "r1"}, d)
	settle(t, s)
	assert.Equal(t, 2, src.Calls())

	// Backoff suppresses immediate retries.
	clock.Advance(10 * time.Second)
	d, err = s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, Dataset{"aa": "r1"}, d)
	settle(t, s)
	assert.Equal(t, 2, src.Calls())

	// After the backoff the refresh is retried and recovers.
	src.ClearError()
	src.SetRecords(testutils.Record("bb", "r2"))
	clock.Advance(30 * time.Second)
	_, err = s.Current(ctx)
	require.NoError(t, err)
	settle(t, s)
	assert.Equal(t, 3, src.Calls())

	d, err = s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, Dataset{"bb": "r2"}, d)
}

func TestCurrentColdStartFailure(t *testing.T) {
	ctx := context.Background()
	clock := testutils.NewFakeClock(time.Now())
	src := testutils.NewMockUpstream()
	src.SetError(errUpstreamDown)
	s := newTestStore(src, clock, nil)

	d, err := s.Current(ctx)
	require.Error(t, err)
	assert.Nil(t, d)
	assert.ErrorIs(t, err, ErrColdStart)
	assert.ErrorIs(t, err, errUpstreamDown)

	// Cold start retries on every call, without backoff.
	_, err = s.Current(ctx)
	require.ErrorIs(t, err, ErrColdStart)
	assert.Equal(t, 2, src.Calls())

	src.ClearError()
	src.SetRecords(testutils.Record("aa", "r1"))
	d, err = s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, Dataset{"aa": "r1"}, d)
}

func TestCurrentEmptyDatasetIsNotAnError(t *testing.T) {
	s := newTestStore(testutils.NewMockUpstream(), testutils.NewFakeClock(time.Now()), nil)
	d, err := s.Current(context.Background())
	require.NoError(t, err)
	assert.Empty(t, d)
}

func TestCurrentSingleFlight(t *testing.T) {
	ctx := context.Background()
	clock := testutils.NewFakeClock(time.Now())
	src := testutils.NewMockUpstream(testutils.Record("aa", "r1"))
	s := newTestStore(src, clock, nil)

	_, err := s.Current(ctx)
	require.NoError(t, err)
	<-src.FetchSignal

	gate := make(chan struct{})
	src.SetGate(gate)
	src.SetRecords(testutils.Record("bb", "r2"))
	clock.Advance(2 * time.Hour)

	const callers = 50
	var wg sync.WaitGroup
	results := make(chan Dataset, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := s.Current(ctx)
			assert.NoError(t, err)
			results <- d
		}()
	}

	// Stale callers return without waiting for the held fetch.
	wg.Wait()
	close(results)
	<-src.FetchSignal
	for d := range results {
		assert.Equal(t, Dataset{"aa": "r1"}, d)
	}
	assert.Equal(t, 2, src.Calls(), "concurrent stale callers must share one fetch")

	close(gate)
	settle(t, s)
	assert.Equal(t, 2, src.Calls())

	d, err := s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, Dataset{"bb": "r2"}, d)
}

func TestCurrentStaleDoesNotWaitForUpstream(t *testing.T) {
	ctx := context.Background()
	clock := testutils.NewFakeClock(time.Now())
	src := testutils.NewMockUpstream(testutils.Record("aa", "r1"))
	s := newTestStore(src, clock, nil)

	_, err := s.Current(ctx)
	require.NoError(t, err)
	<-src.FetchSignal

	gate := make(chan struct{})
	defer close(gate)
	src.SetGate(gate)
	clock.Advance(2 * time.Hour)

	start := time.Now()
	d, err := s.Current(ctx)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, Dataset{"aa": "r1"}, d)
	assert.Less(t, elapsed, 100*time.Millisecond, "a loaded dataset is served while upstream hangs")

	// A second stale caller joins the held fetch instead of starting another.
	<-src.FetchSignal
	_, err = s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, src.Calls())
}

func TestCurrentCallerCancelServesStale(t *testing.T) {
	clock := testutils.NewFakeClock(time.Now())
	src := testutils.NewMockUpstream(testutils.Record("aa", "r1"))
	s := newTestStore(src, clock, nil)

	_, err := s.Current(context.Background())
	require.NoError(t, err)

	gate := make(chan struct{})
	defer close(gate)
	src.SetGate(gate)
	clock.Advance(2 * time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d, err := s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, Dataset{"aa": "r1"}, d)
}

func TestCurrentNotModified(t *testing.T) {
	ctx := context.Background()
	clock := testutils.NewFakeClock(time.Now())
	src := testutils.NewMockUpstream(testutils.Record("aa", "r1"))
	s := newTestStore(src, clock, nil)

	_, err := s.Current(ctx)
	require.NoError(t, err)

	src.SetError(upstream.ErrNotModified)
	clock.Advance(2 * time.Hour)
	d, err := s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, Dataset{"aa": "r1"}, d)
	settle(t, s)

	_, _, at := s.Stats()
	assert.Equal(t, clock.Now(), at, "a 304 resets staleness")

	// Fresh again, so no fetch within the TTL.
	clock.Advance(time.Minute)
	_, err = s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, src.Calls())
}

func TestPrimeRestoresSnapshot(t *testing.T) {
	ctx := context.Background()
	clock := testutils.NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	snaps := testutils.NewInMemoryStore()
	snapAt := clock.Now().Add(-10 * time.Minute)
	require.NoError(t, snaps.SaveSnapshot(ctx, store.Snapshot{
		RefreshedAt: snapAt,
		Entries:     map[string]string{"aa": "r1"},
	}))

	src := testutils.NewMockUpstream()
	src.SetError(errUpstreamDown)
	s := newTestStore(src, clock, snaps)

	err := s.Prime(ctx)
	require.ErrorIs(t, err, errUpstreamDown)

	d, err := s.Current(ctx)
	require.NoError(t, err, "a restored snapshot counts as a loaded dataset")
	assert.Equal(t, Dataset{"aa": "r1"}, d)

	_, _, at := s.Stats()
	assert.Equal(t, snapAt, at, "the snapshot keeps its own refresh time")
	assert.Equal(t, 1, src.Calls())
}

func TestRefreshPersistsSnapshot(t *testing.T) {
	ctx := context.Background()
	clock := testutils.NewFakeClock(time.Now())
	snaps := testutils.NewInMemoryStore()
	src := testutils.NewMockUpstream(testutils.Record("aa", "r1"), testutils.Record("bb", "r2"))
	s := New(src, Options{
		TTL:       time.Hour,
		Snapshots: snaps,
		Origin:    "https://registry.example.org|list.json|spam",
		Now:       clock.Now,
	}, testutils.DiscardLogger())

	require.NoError(t, s.Prime(ctx))
	assert.Equal(t, 1, snaps.Saves())

	snap, err := snaps.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"aa": "r1", "bb": "r2"}, snap.Entries)
	assert.Equal(t, clock.Now(), snap.RefreshedAt)
	assert.Equal(t, "https://registry.example.org|list.json|spam", snap.Origin)
}

func TestPrimeSkipsSnapshotFromOtherOrigin(t *testing.T) {
	ctx := context.Background()
	clock := testutils.NewFakeClock(time.Now())
	snaps := testutils.NewInMemoryStore()
	require.NoError(t, snaps.SaveSnapshot(ctx, store.Snapshot{
		Origin:      "https://registry.example.org|list.json|spam",
		RefreshedAt: clock.Now().Add(-time.Minute),
		Entries:     map[string]string{"aa": "r1"},
	}))

	src := testutils.NewMockUpstream()
	src.SetError(errUpstreamDown)
	s := New(src, Options{
		TTL:       time.Hour,
		Snapshots: snaps,
		Origin:    "https://registry.example.org|list.json|csam,spam",
		Now:       clock.Now,
	}, testutils.DiscardLogger())

	require.ErrorIs(t, s.Prime(ctx), errUpstreamDown)

	loaded, _, _ := s.Stats()
	assert.False(t, loaded, "a snapshot taken with other tags must not be served")
	_, err := s.Current(ctx)
	assert.ErrorIs(t, err, ErrColdStart)
}

func TestSnapshotWriteErrorIsIgnored(t *testing.T) {
	snaps := testutils.NewInMemoryStore()
	snaps.SetError(errors.New("disk full"))
	src := testutils.NewMockUpstream(testutils.Record("aa", "r1"))
	s := newTestStore(src, testutils.NewFakeClock(time.Now()), snaps)

	require.NoError(t, s.Prime(context.Background()))
	d, err := s.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Dataset{"aa": "r1"}, d)
}
