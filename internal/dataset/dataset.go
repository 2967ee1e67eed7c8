// Package dataset keeps the filtered abuse registry warm in memory.
//
// Store.Current is the only read path. When the published dataset is older
// than its TTL it starts one refresh shared by all concurrent callers and
// keeps serving the previous dataset until that refresh lands. Only a store
// that has never loaded anything waits for upstream, and only such a store
// reports an error.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lessucettes/redlight/internal/metrics"
	"github.com/lessucettes/redlight/internal/store"
	"github.com/lessucettes/redlight/internal/upstream"
)

// ErrColdStart means no dataset has ever been loaded and the refresh failed.
var ErrColdStart = errors.New("dataset: no dataset available")

const refreshKey = "refresh"

// Dataset maps a room hash to its report id. A published Dataset is never
// mutated.
type Dataset map[string]string

func (d Dataset) Lookup(roomHash string) (reportID string, ok bool) {
	reportID, ok = d[roomHash]
	return reportID, ok
}

// Build indexes records by room hash. Later records win on duplicates.
func Build(records []upstream.AbuseRecord) Dataset {
	d := make(Dataset, len(records))
	for _, r := range records {
		d[r.RoomHash] = r.ReportID
	}
	return d
}

type Options struct {
	TTL            time.Duration
	RefreshTimeout time.Duration
	FailureBackoff time.Duration
	// Snapshots is optional.
	Snapshots store.Store
	// Origin identifies the upstream selection. A snapshot saved under a
	// different origin is not restored.
	Origin    string
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Store struct {
	source    upstream.ClientInterface
	snapshots store.Store
	origin    string
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	ttl            time.Duration
	refreshTimeout time.Duration
	backoff        time.Duration

	sf singleflight.Group

	mu          sync.RWMutex
	data        Dataset
	refreshedAt time.Time
	loaded      bool
	failedAt    time.Time
}

func New(source upstream.ClientInterface, opts Options, logger *slog.Logger) *Store {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		source:         source,
		snapshots:      opts.Snapshots,
		origin:         opts.Origin,
		metrics:        opts.Metrics,
		logger:         logger.With("component", "dataset"),
		now:            now,
		ttl:            ttl,
		refreshTimeout: opts.RefreshTimeout,
		backoff:        opts.FailureBackoff,
	}
}

// Stats reports what is currently published.
func (s *Store) Stats() (loaded bool, entries int, refreshedAt time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded, len(s.data), s.refreshedAt
}

// dueLocked must be called with s.mu held.
func (s *Store) dueLocked(now time.Time) bool {
	if !s.loaded {
		return true
	}
	if now.Sub(s.refreshedAt) <= s.ttl {
		return false
	}
	return s.failedAt.IsZero() || now.Sub(s.failedAt) >= s.backoff
}

// Current returns the published dataset. A stale dataset is returned at once
// while a background refresh replaces it. Without any dataset the caller
// waits for the refresh.
func (s *Store) Current(ctx context.Context) (Dataset, error) {
	s.mu.RLock()
	data, loaded, due := s.data, s.loaded, s.dueLocked(s.now())
	s.mu.RUnlock()
	if !due {
		return data, nil
	}
	if loaded {
		s.startRefresh(ctx, false)
		return data, nil
	}

	err := s.awaitRefresh(ctx, false)

	s.mu.RLock()
	data, loaded = s.data, s.loaded
	s.mu.RUnlock()

	if loaded {
		return data, nil
	}
	if err == nil {
		err = errors.New("refresh produced no dataset")
	}
	return nil, fmt.Errorf("%w: %w", ErrColdStart, err)
}

// Prime restores the persisted snapshot, if any, and then refreshes once
// regardless of age.
func (s *Store) Prime(ctx context.Context) error {
	s.restoreSnapshot(ctx)
	return s.awaitRefresh(ctx, true)
}

// startRefresh joins the shared refresh, starting it if none is running.
// The refresh outlives ctx and is bounded by the refresh timeout.
func (s *Store) startRefresh(ctx context.Context, force bool) <-chan singleflight.Result {
	detached := context.WithoutCancel(ctx)
	return s.sf.DoChan(refreshKey, func() (any, error) {
		return nil, s.refresh(detached, force)
	})
}

// awaitRefresh joins the shared refresh and waits for it or for ctx.
func (s *Store) awaitRefresh(ctx context.Context, force bool) error {
	ch := s.startRefresh(ctx, force)
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) refresh(ctx context.Context, force bool) error {
	// A caller may have raced a refresh that finished before it joined.
	if !force {
		s.mu.RLock()
		due := s.dueLocked(s.now())
		s.mu.RUnlock()
		if !due {
			return nil
		}
	}

	if s.refreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.refreshTimeout)
		defer cancel()
	}

	start := s.now()
	records, err := s.source.FetchRecords(ctx)

	switch {
	case errors.Is(err, upstream.ErrNotModified):
		s.mu.Lock()
		loaded := s.loaded
		if loaded {
			s.refreshedAt = s.now()
			s.failedAt = time.Time{}
		}
		n, at := len(s.data), s.refreshedAt
		s.mu.Unlock()
		if !loaded {
			s.metrics.IncUpstreamFetch("error")
			return s.fail(errors.New("upstream reported not modified before any dataset was loaded"))
		}
		s.metrics.IncUpstreamFetch("not_modified")
		s.metrics.SetDataset(n, at)
		s.logger.Debug("Registry unchanged", "entries", n)
		return nil

	case err != nil:
		s.metrics.IncUpstreamFetch("error")
		return s.fail(err)
	}

	data := Build(records)
	now := s.now()

	s.mu.Lock()
	s.data = data
	s.refreshedAt = now
	s.loaded = true
	s.failedAt = time.Time{}
	s.mu.Unlock()

	s.metrics.IncUpstreamFetch("ok")
	s.metrics.SetDataset(len(data), now)
	s.logger.Info("Dataset refreshed", "entries", len(data), "duration", now.Sub(start))

	s.saveSnapshot(ctx, data, now)
	return nil
}

func (s *Store) fail(err error) error {
	s.mu.Lock()
	s.failedAt = s.now()
	loaded := s.loaded
	s.mu.Unlock()

	if loaded {
		s.logger.Warn("Dataset refresh failed, serving previous dataset", "error", err, "retry_after", s.backoff)
	} else {
		s.logger.Error("Dataset refresh failed with no dataset loaded", "error", err)
	}
	return err
}

func (s *Store) restoreSnapshot(ctx context.Context) {
	if s.snapshots == nil {
		return
	}
	snap, err := s.snapshots.LoadSnapshot(ctx)
	if errors.Is(err, store.ErrNoSnapshot) {
		return
	}
	if err != nil {
		s.logger.Warn("Failed to load dataset snapshot", "error", err)
		return
	}
	if snap.Origin != s.origin {
		s.logger.Info("Ignoring dataset snapshot from a different upstream selection",
			"snapshot_origin", snap.Origin, "origin", s.origin)
		return
	}

	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return
	}
	s.data = Dataset(snap.Entries)
	s.refreshedAt = snap.RefreshedAt
	s.loaded = true
	s.mu.Unlock()

	s.metrics.SetDataset(len(snap.Entries), snap.RefreshedAt)
	s.logger.Info("Restored dataset snapshot", "entries", len(snap.Entries), "refreshed_at", snap.RefreshedAt)
}

func (s *Store) saveSnapshot(ctx context.Context, data Dataset, at time.Time) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.SaveSnapshot(ctx, store.Snapshot{Origin: s.origin, RefreshedAt: at, Entries: data}); err != nil {
		s.logger.Warn("Failed to persist dataset snapshot", "error", err)
	}
}
