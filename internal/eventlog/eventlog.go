// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

// Package eventlog provides the durable raw-event log on BadgerDB.
//
// Events are persisted before aggregation and deleted only after the
// aggregator has confirmed that their effects were merged into the
// aggregated store. A crash between merge and delete therefore replays
// events (at-least-once), never loses them.
//
//	Intake -> Append (ACID, fsync) -> ... -> Aggregator -> DeleteMany
//	                                             | (on persist failure)
//	                                       entries preserved for replay
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tabscope/tabscope/internal/logging"
	"github.com/tabscope/tabscope/internal/metrics"
	"github.com/tabscope/tabscope/internal/models"
)

// Log errors.
var (
	ErrClosed   = errors.New("event log is closed")
	ErrNilEvent = errors.New("nil event")
)

const keyPrefix = "event:"

// Log is the BadgerDB-backed raw-event store.
type Log struct {
	db *badger.DB

	totalAppends atomic.Int64
	totalDeletes atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// Options configures Open.
type Options struct {
	Path       string
	SyncWrites bool

	// InMemory runs Badger without files. Tests only.
	InMemory bool
}

// Open creates or opens the event log at the configured path.
func Open(opts Options) (*Log, error) {
	if opts.Path == "" && !opts.InMemory {
		return nil, fmt.Errorf("event log path is empty")
	}

	bopts := badger.DefaultOptions(opts.Path)
	bopts.SyncWrites = opts.SyncWrites
	bopts.InMemory = opts.InMemory
	if opts.InMemory {
		bopts.Dir = ""
		bopts.ValueDir = ""
	}
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", opts.Path).
		Bool("sync_writes", opts.SyncWrites).
		Msg("Event log opened")
	return &Log{db: db}, nil
}

// Append validates and persists one raw event, keyed by its id.
func (l *Log) Append(ctx context.Context, event *models.CoreEvent) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	l.mu.RUnlock()

	if event == nil {
		return ErrNilEvent
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("validate event: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+event.ID), data)
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	l.totalAppends.Add(1)
	return nil
}

// GetAll returns every stored event. Order is not guaranteed; the
// aggregator sorts by timestamp before folding.
//
// Uses a View transaction, so the result is a consistent snapshot even
// under concurrent appends.
func (l *Log) GetAll(ctx context.Context) ([]*models.CoreEvent, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrClosed
	}
	l.mu.RUnlock()

	var events []*models.CoreEvent

	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var event models.CoreEvent
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			})
			if err != nil {
				return fmt.Errorf("unmarshal event %s: %w", it.Item().Key(), err)
			}
			events = append(events, &event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.EventLogPending.Set(float64(len(events)))
	return events, nil
}

// DeleteMany removes the given event ids. Missing ids are ignored: after a
// crash-replay the aggregator may delete ids a previous pass already
// removed.
func (l *Log) DeleteMany(ctx context.Context, ids []string) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	l.mu.RUnlock()

	if len(ids) == 0 {
		return nil
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()

	for _, id := range ids {
		if err := wb.Delete([]byte(keyPrefix + id)); err != nil {
			return fmt.Errorf("delete event %s: %w", id, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush deletes: %w", err)
	}

	l.totalDeletes.Add(int64(len(ids)))
	return nil
}

// GetOlderThan returns ids of events whose timestamp is older than maxAge.
// Used by the expiry compactor to bound log growth when aggregation is
// not keeping up.
func (l *Log) GetOlderThan(ctx context.Context, maxAge time.Duration) ([]string, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrClosed
	}
	l.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	var ids []string

	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var event models.CoreEvent
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			})
			if err != nil {
				// Undecodable entries count as expired so they
				// cannot pin the log forever.
				ids = append(ids, string(it.Item().Key())[len(keyPrefix):])
				continue
			}
			if event.Timestamp.Before(cutoff) {
				ids = append(ids, event.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Clear removes every stored event.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	l.mu.RUnlock()

	return l.db.DropPrefix([]byte(keyPrefix))
}

// Count returns the number of stored events.
func (l *Log) Count(ctx context.Context) (int, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return 0, ErrClosed
	}
	l.mu.RUnlock()

	count := 0
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Stats reports log counters for the stats surface.
type Stats struct {
	TotalAppends int64 `json:"total_appends"`
	TotalDeletes int64 `json:"total_deletes"`
}

// Stats returns a snapshot of log counters.
func (l *Log) Stats() Stats {
	return Stats{
		TotalAppends: l.totalAppends.Load(),
		TotalDeletes: l.totalDeletes.Load(),
	}
}

// Close shuts the log down. Further operations return ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
