// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

// Package store provides the durable aggregated-record store on BadgerDB.
//
// Layout (all values goccy/go-json encoded):
//
//	visit:<id>          PageVisit, keyed by deterministic visit id
//	tab:<tabId>         TabAggregate, keyed by tab id
//	meta:active_visit   singleton active-visit pointer
//	meta:sync_state     singleton last-sync record
//	meta:client_id      singleton anonymous client id
//	meta:hb_history     heartbeat sampler ring buffer
//
// Saves are upserts keyed by stable ids, which is what makes crash-replay
// of an aggregation pass idempotent for both record types.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tabscope/tabscope/internal/logging"
	"github.com/tabscope/tabscope/internal/models"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store is closed")

const (
	visitPrefix = "visit:"
	tabPrefix   = "tab:"

	keyActiveVisit      = "meta:active_visit"
	keySyncState        = "meta:sync_state"
	keyClientID         = "meta:client_id"
	keyHeartbeatHistory = "meta:hb_history"
)

// Store is the BadgerDB-backed aggregated-record store.
type Store struct {
	db *badger.DB

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

// Open creates or opens the aggregated store at the configured path.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" && !opts.InMemory {
		return nil, fmt.Errorf("store path is empty")
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
		Msg("Aggregated store opened")
	return &Store{db: db}, nil
}

func (s *Store) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// GetPageVisits returns all stored page visits.
func (s *Store) GetPageVisits(ctx context.Context) ([]*models.PageVisit, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var visits []*models.PageVisit
	err := s.scanPrefix(ctx, visitPrefix, func(val []byte) error {
		var v models.PageVisit
		if err := json.Unmarshal(val, &v); err != nil {
			return err
		}
		visits = append(visits, &v)
		return nil
	})
	return visits, err
}

// SavePageVisits upserts visits keyed by id. Re-persisting a visit that a
// replayed pass produced again overwrites the stored copy in place instead
// of duplicating it.
func (s *Store) SavePageVisits(ctx context.Context, visits []*models.PageVisit) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(visits) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, v := range visits {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal visit %s: %w", v.ID, err)
		}
		if err := wb.Set([]byte(visitPrefix+v.ID), data); err != nil {
			return fmt.Errorf("set visit %s: %w", v.ID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush visits: %w", err)
	}
	return nil
}

// DeletePageVisits removes visits by id. Missing ids are ignored.
func (s *Store) DeletePageVisits(ctx context.Context, ids []string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, id := range ids {
		if err := wb.Delete([]byte(visitPrefix + id)); err != nil {
			return fmt.Errorf("delete visit %s: %w", id, err)
		}
	}
	return wb.Flush()
}

// GetTabAggregates returns all stored tab aggregates.
func (s *Store) GetTabAggregates(ctx context.Context) ([]*models.TabAggregate, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var aggs []*models.TabAggregate
	err := s.scanPrefix(ctx, tabPrefix, func(val []byte) error {
		var a models.TabAggregate
		if err := json.Unmarshal(val, &a); err != nil {
			return err
		}
		aggs = append(aggs, &a)
		return nil
	})
	return aggs, err
}

// SaveTabAggregates upserts aggregates keyed by tab id. Only the touched
// tabs are written; other stored aggregates are untouched.
func (s *Store) SaveTabAggregates(ctx context.Context, aggs []*models.TabAggregate) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(aggs) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, a := range aggs {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal tab aggregate %d: %w", a.TabID, err)
		}
		if err := wb.Set([]byte(tabPrefix+strconv.Itoa(a.TabID)), data); err != nil {
			return fmt.Errorf("set tab aggregate %d: %w", a.TabID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush tab aggregates: %w", err)
	}
	return nil
}

// DeleteTabAggregates removes aggregates by tab id. Missing ids are ignored.
func (s *Store) DeleteTabAggregates(ctx context.Context, tabIDs []int) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(tabIDs) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, id := range tabIDs {
		if err := wb.Delete([]byte(tabPrefix + strconv.Itoa(id))); err != nil {
			return fmt.Errorf("delete tab aggregate %d: %w", id, err)
		}
	}
	return wb.Flush()
}

// GetActiveVisit returns the persisted active-visit pointer, or nil when no
// visit is open.
func (s *Store) GetActiveVisit(ctx context.Context) (*models.PageVisit, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var visit *models.PageVisit
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyActiveVisit))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var v models.PageVisit
			if err := json.Unmarshal(val, &v); err != nil {
				return err
			}
			visit = &v
			return nil
		})
	})
	return visit, err
}

// SetActiveVisit persists the active-visit pointer; nil clears it.
func (s *Store) SetActiveVisit(ctx context.Context, visit *models.PageVisit) error {
	if err := s.guard(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if visit == nil {
			err := txn.Delete([]byte(keyActiveVisit))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		data, err := json.Marshal(visit)
		if err != nil {
			return fmt.Errorf("marshal active visit: %w", err)
		}
		return txn.Set([]byte(keyActiveVisit), data)
	})
}

// GetSyncState returns the singleton last-sync record, or nil before the
// first sync.
func (s *Store) GetSyncState(ctx context.Context) (*models.SyncState, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var state *models.SyncState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keySyncState))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var st models.SyncState
			if err := json.Unmarshal(val, &st); err != nil {
				return err
			}
			state = &st
			return nil
		})
	})
	return state, err
}

// SetSyncState persists the singleton last-sync record.
func (s *Store) SetSyncState(ctx context.Context, state *models.SyncState) error {
	if err := s.guard(); err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal sync state: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keySyncState), data)
	})
}

// GetOrCreateClientID returns the persisted anonymous client id, minting
// one on first call.
func (s *Store) GetOrCreateClientID(ctx context.Context) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}

	var id string
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyClientID))
		if err == nil {
			return item.Value(func(val []byte) error {
				id = string(val)
				return nil
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		id = uuid.New().String()
		return txn.Set([]byte(keyClientID), []byte(id))
	})
	return id, err
}

// GetHeartbeatHistory loads the persisted sampler ring buffer; nil when no
// history has been persisted yet.
func (s *Store) GetHeartbeatHistory(ctx context.Context) ([]models.HeartbeatSample, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var samples []models.HeartbeatSample
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyHeartbeatHistory))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &samples)
		})
	})
	return samples, err
}

// SaveHeartbeatHistory persists the sampler ring buffer.
func (s *Store) SaveHeartbeatHistory(ctx context.Context, samples []models.HeartbeatSample) error {
	if err := s.guard(); err != nil {
		return err
	}

	data, err := json.Marshal(samples)
	if err != nil {
		return fmt.Errorf("marshal heartbeat history: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyHeartbeatHistory), data)
	})
}

// scanPrefix iterates values under a key prefix inside one View snapshot.
func (s *Store) scanPrefix(ctx context.Context, prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := it.Item().Value(fn); err != nil {
				return fmt.Errorf("scan %s%s: %w", prefix, it.Item().Key(), err)
			}
		}
		return nil
	})
}

// Close shuts the store down. Further operations return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
