// Package graph exposes the similarity pools as a symmetric graph. Links
// only ever exist in pairs: the API creates and deletes pairs, never single
// links. Pool counts are refreshed in the background after creation and
// synchronously after deletion.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"horse.fit/similarity/internal/db"
	"horse.fit/similarity/internal/work"
)

// Backend is the persistence the graph needs. *db.Pool implements it.
type Backend interface {
	GetOrCreatePool(ctx context.Context, itemID int64) (db.PoolRecord, error)
	CreatePair(ctx context.Context, itemA, itemB int64, score float64) (db.PairResult, error)
	DeletePair(ctx context.Context, linkID int64) (db.BatchDeleteResult, error)
	BatchDeletePairs(ctx context.Context, linkIDs []int64) (db.BatchDeleteResult, error)
	RecountPool(ctx context.Context, poolID int64) (int, error)
	ListPoolLinks(ctx context.Context, itemID int64) (db.PoolRecord, []db.Link, error)
	GetLink(ctx context.Context, linkID int64) (db.Link, error)
	ItemLinkIDs(ctx context.Context, itemID int64) ([]int64, error)
	LinkIDsBelowScore(ctx context.Context, score float64, limit int) ([]int64, error)
	DeletePoolForItem(ctx context.Context, itemID int64) (bool, error)
	PoolIDs(ctx context.Context, itemIDs []int64) ([]int64, error)
}

const pruneBatchSize = 1000

type recountState struct {
	running bool
	dirty   bool
}

type Store struct {
	backend Backend
	workers *work.Pool
	logger  zerolog.Logger

	mu        sync.Mutex
	scheduled map[int64]*recountState
}

// NewStore builds a graph store whose background recounts run on workers.
// The caller owns the worker pool lifecycle through Start and Stop.
func NewStore(backend Backend, workers *work.Pool, logger zerolog.Logger) *Store {
	return &Store{
		backend:   backend,
		workers:   workers,
		logger:    logger.With().Str("component", "graph").Logger(),
		scheduled: make(map[int64]*recountState),
	}
}

func (s *Store) Start(ctx context.Context) {
	s.workers.Start(ctx)
}

// Stop waits for scheduled recounts and stops the workers.
func (s *Store) Stop() {
	s.workers.Stop()
}

// Wait blocks until every scheduled recount has run.
func (s *Store) Wait() {
	s.workers.Wait()
}

func (s *Store) GetOrCreatePool(ctx context.Context, itemID int64) (db.PoolRecord, error) {
	return s.backend.GetOrCreatePool(ctx, itemID)
}

// CreatePair links a and b in both pools and schedules a count refresh for
// each pool when a new pair was written.
func (s *Store) CreatePair(ctx context.Context, a, b int64, score float64) (db.PairResult, error) {
	res, err := s.backend.CreatePair(ctx, a, b, score)
	if err != nil {
		return db.PairResult{}, err
	}
	if res.Created {
		s.RefreshCountAsync(res.PoolA)
		s.RefreshCountAsync(res.PoolB)
	}
	return res, nil
}

func (s *Store) DeletePair(ctx context.Context, linkID int64) (db.BatchDeleteResult, error) {
	return s.backend.DeletePair(ctx, linkID)
}

func (s *Store) BatchDeletePairs(ctx context.Context, linkIDs []int64) (db.BatchDeleteResult, error) {
	return s.backend.BatchDeletePairs(ctx, linkIDs)
}

func (s *Store) Links(ctx context.Context, itemID int64) (db.PoolRecord, []db.Link, error) {
	return s.backend.ListPoolLinks(ctx, itemID)
}

func (s *Store) Link(ctx context.Context, linkID int64) (db.Link, error) {
	return s.backend.GetLink(ctx, linkID)
}

// DeleteItemLinks removes every pair touching itemID.
func (s *Store) DeleteItemLinks(ctx context.Context, itemID int64) (db.BatchDeleteResult, error) {
	ids, err := s.backend.ItemLinkIDs(ctx, itemID)
	if err != nil {
		return db.BatchDeleteResult{}, fmt.Errorf("list links for item %d: %w", itemID, err)
	}
	return s.backend.BatchDeletePairs(ctx, ids)
}

// RemoveItem deletes the item's pairs and then its pool row.
func (s *Store) RemoveItem(ctx context.Context, itemID int64) (db.BatchDeleteResult, error) {
	res, err := s.DeleteItemLinks(ctx, itemID)
	if err != nil {
		return db.BatchDeleteResult{}, err
	}
	if _, err := s.backend.DeletePoolForItem(ctx, itemID); err != nil {
		return res, err
	}
	return res, nil
}

// PruneBelow deletes every pair scoring under minScore, in batches.
func (s *Store) PruneBelow(ctx context.Context, minScore float64) (int, error) {
	deleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		ids, err := s.backend.LinkIDsBelowScore(ctx, minScore, pruneBatchSize)
		if err != nil {
			return deleted, fmt.Errorf("list weak links: %w", err)
		}
		if len(ids) == 0 {
			return deleted, nil
		}
		res, err := s.backend.BatchDeletePairs(ctx, ids)
		if err != nil {
			return deleted, err
		}
		if len(res.Deleted) == 0 {
			return deleted, nil
		}
		deleted += len(res.Deleted)
	}
}

// RecountNow recounts a pool synchronously.
func (s *Store) RecountNow(ctx context.Context, poolID int64) (int, error) {
	return s.backend.RecountPool(ctx, poolID)
}

// RecountItems recounts the pools of itemIDs, or every pool when empty.
func (s *Store) RecountItems(ctx context.Context, itemIDs []int64) (map[int64]int, error) {
	poolIDs, err := s.backend.PoolIDs(ctx, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	out := make(map[int64]int, len(poolIDs))
	for _, poolID := range poolIDs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		count, err := s.backend.RecountPool(ctx, poolID)
		if err != nil {
			return out, err
		}
		out[poolID] = count
	}
	return out, nil
}

// RefreshCountAsync schedules a background recount of poolID. A pool is
// queued at most once; a request that arrives while its recount runs makes
// that recount repeat once more when it finishes.
func (s *Store) RefreshCountAsync(poolID int64) {
	if poolID <= 0 {
		return
	}

	s.mu.Lock()
	if st, ok := s.scheduled[poolID]; ok {
		if st.running {
			st.dirty = true
		}
		s.mu.Unlock()
		return
	}
	st := &recountState{}
	s.scheduled[poolID] = st
	s.mu.Unlock()

	err := s.workers.Submit(context.Background(), work.Task{
		Name: fmt.Sprintf("recount pool %d", poolID),
		Run: func(ctx context.Context) error {
			return s.runRecount(ctx, poolID, st)
		},
	})
	if err != nil {
		s.mu.Lock()
		delete(s.scheduled, poolID)
		s.mu.Unlock()
		if !errors.Is(err, work.ErrPoolStopped) {
			s.logger.Warn().Err(err).Int64("pool_id", poolID).Msg("schedule pool recount failed")
		}
	}
}

func (s *Store) runRecount(ctx context.Context, poolID int64, st *recountState) error {
	for {
		s.mu.Lock()
		st.running = true
		st.dirty = false
		s.mu.Unlock()

		_, err := s.backend.RecountPool(ctx, poolID)

		s.mu.Lock()
		if err != nil || !st.dirty {
			delete(s.scheduled, poolID)
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()
	}
}

// Scheduled reports how many pools are waiting for or running a recount.
func (s *Store) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduled)
}
