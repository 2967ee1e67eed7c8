package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const snapshotKey = "snapshot:dataset"

// ErrNoSnapshot is returned by LoadSnapshot when nothing has been saved yet.
var ErrNoSnapshot = errors.New("store: no snapshot")

// Snapshot is the last good dataset together with the time it was fetched.
// Origin names the upstream selection that produced it.
type Snapshot struct {
	Origin      string            `json:"origin"`
	RefreshedAt time.Time         `json:"refreshed_at"`
	Entries     map[string]string `json:"entries"`
}

// Store persists dataset snapshots across restarts.
type Store interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context) (Snapshot, error)
	Close() error
}

// BadgerStore implements Store on an embedded BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ Store = (*BadgerStore)(nil)

// badgerLogger adapts slog.Logger to be used as a logger for BadgerDB.
type badgerLogger struct {
	*slog.Logger
}

func (l *badgerLogger) Warningf(f string, v ...any) { l.Warn(fmt.Sprintf(f, v...)) }
func (l *badgerLogger) Errorf(f string, v ...any)   { l.Error(fmt.Sprintf(f, v...)) }
func (l *badgerLogger) Infof(f string, v ...any)    {}
func (l *badgerLogger) Debugf(f string, v ...any)   {}

// NewBadgerStore opens (or creates) the database directory at path.
func NewBadgerStore(path string, logger *slog.Logger) (*BadgerStore, error) {
	logger = logger.With("component", "snapshot_store")

	opts := badger.DefaultOptions(path)
	// The snapshot is one large value; keep it out of the LSM tree.
	opts.ValueThreshold = 1024
	opts.Logger = &badgerLogger{logger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// SaveSnapshot replaces the stored snapshot in a single transaction.
func (s *BadgerStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(snapshotKey), val)
	}); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	s.logger.Debug("Saved dataset snapshot", "entries", len(snap.Entries), "refreshed_at", snap.RefreshedAt)
	return nil
}

func (s *BadgerStore) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if snap.Entries == nil {
		snap.Entries = map[string]string{}
	}
	return snap, nil
}
