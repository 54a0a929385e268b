package db

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"horse.fit/similarity/internal/fingerprint"
	"horse.fit/similarity/internal/globaltime"
)

const maxIDsPerStatement = 500

var ErrSelfPair = errors.New("cannot link an item to itself")

type PoolRecord struct {
	PoolID       int64      `json:"pool_id"`
	ItemID       int64      `json:"item_id"`
	ElementCount int        `json:"element_count"`
	CountedAt    *time.Time `json:"counted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type Link struct {
	LinkID       int64     `json:"link_id"`
	PoolID       int64     `json:"pool_id"`
	OwnerItemID  int64     `json:"owner_item_id"`
	LinkedItemID int64     `json:"linked_item_id"`
	Score        float64   `json:"score"`
	SiblingID    *int64    `json:"sibling_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type PairResult struct {
	Created bool  `json:"created"`
	LinkA   int64 `json:"link_a,omitempty"`
	LinkB   int64 `json:"link_b,omitempty"`
	PoolA   int64 `json:"pool_a"`
	PoolB   int64 `json:"pool_b"`
}

type BatchDeleteResult struct {
	Deleted []int64 `json:"deleted"`
	Missing []int64 `json:"missing,omitempty"`
	Pools   []int64 `json:"pools"`
}

const selectPoolByItemSQL = `
SELECT pool_id, item_id, element_count, counted_at, created_at
FROM similarity_pools
WHERE item_id = ?
`

func (p *Pool) GetOrCreatePool(ctx context.Context, itemID int64) (PoolRecord, error) {
	return getOrCreatePool(ctx, p, itemID)
}

func getOrCreatePool(ctx context.Context, q querier, itemID int64) (PoolRecord, error) {
	if itemID <= 0 {
		return PoolRecord{}, fmt.Errorf("pool item id must be positive, got %d", itemID)
	}
	if _, err := q.Exec(ctx, `
INSERT INTO similarity_pools (item_id, element_count, created_at)
VALUES (?, 0, ?)
ON CONFLICT (item_id) DO NOTHING
`, itemID, globaltime.UTC()); err != nil {
		return PoolRecord{}, fmt.Errorf("insert pool for item %d: %w", itemID, err)
	}
	rec, err := scanPool(q.QueryRow(ctx, selectPoolByItemSQL, itemID))
	if err != nil {
		return PoolRecord{}, fmt.Errorf("load pool for item %d: %w", itemID, err)
	}
	return rec, nil
}

// PoolForItem returns ErrNoRows when the item has no pool yet.
func (p *Pool) PoolForItem(ctx context.Context, itemID int64) (PoolRecord, error) {
	return scanPool(p.QueryRow(ctx, selectPoolByItemSQL, itemID))
}

func scanPool(row *Row) (PoolRecord, error) {
	var rec PoolRecord
	if err := row.Scan(&rec.PoolID, &rec.ItemID, &rec.ElementCount, &rec.CountedAt, &rec.CreatedAt); err != nil {
		return PoolRecord{}, err
	}
	return rec, nil
}

// CreatePair links itemA and itemB in both pools inside one transaction.
// It is a no-op when either direction is already linked.
func (p *Pool) CreatePair(ctx context.Context, itemA, itemB int64, score float64) (PairResult, error) {
	if itemA == itemB {
		return PairResult{}, fmt.Errorf("%w: item %d", ErrSelfPair, itemA)
	}
	score = fingerprint.Round(score, 2)

	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return PairResult{}, fmt.Errorf("begin create pair transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	poolA, err := getOrCreatePool(ctx, tx, itemA)
	if err != nil {
		return PairResult{}, err
	}
	poolB, err := getOrCreatePool(ctx, tx, itemB)
	if err != nil {
		return PairResult{}, err
	}
	result := PairResult{PoolA: poolA.PoolID, PoolB: poolB.PoolID}

	if p.dialect == DialectPostgres {
		// serialize concurrent pairings that touch the same pools
		if _, err := tx.Exec(ctx, `
SELECT pool_id FROM similarity_pools WHERE pool_id IN ? ORDER BY pool_id FOR UPDATE
`, []int64{poolA.PoolID, poolB.PoolID}); err != nil {
			return PairResult{}, fmt.Errorf("lock pools %d/%d: %w", poolA.PoolID, poolB.PoolID, err)
		}
	}

	var existing int64
	err = tx.QueryRow(ctx, `
SELECT link_id
FROM similarity_links
WHERE (pool_id = ? AND linked_item_id = ?)
   OR (pool_id = ? AND linked_item_id = ?)
LIMIT 1
`, poolA.PoolID, itemB, poolB.PoolID, itemA).Scan(&existing)
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return PairResult{}, fmt.Errorf("commit create pair transaction: %w", err)
		}
		return result, nil
	case !IsNoRows(err):
		return PairResult{}, fmt.Errorf("check existing link %d<->%d: %w", itemA, itemB, err)
	}

	now := globaltime.UTC()
	if err := tx.QueryRow(ctx, `
INSERT INTO similarity_links (pool_id, linked_item_id, score, created_at)
VALUES (?, ?, ?, ?)
RETURNING link_id
`, poolA.PoolID, itemB, score, now).Scan(&result.LinkA); err != nil {
		return PairResult{}, fmt.Errorf("insert link %d->%d: %w", itemA, itemB, err)
	}

	if err := tx.QueryRow(ctx, `
INSERT INTO similarity_links (pool_id, linked_item_id, score, sibling_id, created_at)
VALUES (?, ?, ?, ?, ?)
RETURNING link_id
`, poolB.PoolID, itemA, score, result.LinkA, now).Scan(&result.LinkB); err != nil {
		return PairResult{}, fmt.Errorf("insert link %d->%d: %w", itemB, itemA, err)
	}

	if _, err := tx.Exec(ctx, `UPDATE similarity_links SET sibling_id = ? WHERE link_id = ?`, result.LinkB, result.LinkA); err != nil {
		return PairResult{}, fmt.Errorf("set sibling for link %d: %w", result.LinkA, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return PairResult{}, fmt.Errorf("commit create pair transaction: %w", err)
	}
	result.Created = true
	return result, nil
}

// DeletePair removes a link and its sibling and recounts both pools.
func (p *Pool) DeletePair(ctx context.Context, linkID int64) (BatchDeleteResult, error) {
	res, err := p.BatchDeletePairs(ctx, []int64{linkID})
	if err != nil {
		return BatchDeleteResult{}, err
	}
	if len(res.Deleted) == 0 {
		return res, fmt.Errorf("link %d: %w", linkID, ErrNoRows)
	}
	return res, nil
}

// BatchDeletePairs deletes every requested link together with its sibling,
// then recounts each affected pool once. Unknown ids are reported in
// Missing rather than failing the batch.
func (p *Pool) BatchDeletePairs(ctx context.Context, linkIDs []int64) (BatchDeleteResult, error) {
	requested := uniqueIDs(linkIDs)
	result := BatchDeleteResult{Deleted: []int64{}, Pools: []int64{}}
	if len(requested) == 0 {
		return result, nil
	}

	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return BatchDeleteResult{}, fmt.Errorf("begin delete links transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	targets := make(map[int64]int64)
	found := make(map[int64]bool, len(requested))
	for _, batch := range batchIDs(requested, maxIDsPerStatement) {
		rows, err := tx.Query(ctx, `
SELECT link_id, pool_id, sibling_id
FROM similarity_links
WHERE link_id IN ? OR sibling_id IN ?
`, batch, batch)
		if err != nil {
			return BatchDeleteResult{}, fmt.Errorf("collect links: %w", err)
		}
		for rows.Next() {
			var linkID, poolID int64
			var siblingID *int64
			if err := rows.Scan(&linkID, &poolID, &siblingID); err != nil {
				rows.Close()
				return BatchDeleteResult{}, fmt.Errorf("scan link: %w", err)
			}
			targets[linkID] = poolID
			found[linkID] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return BatchDeleteResult{}, fmt.Errorf("iterate links: %w", err)
		}
	}

	// one-way sibling references are not caught by the query above
	extra, err := siblingClosure(ctx, tx, targets)
	if err != nil {
		return BatchDeleteResult{}, err
	}
	for id, poolID := range extra {
		targets[id] = poolID
	}

	all := make([]int64, 0, len(targets))
	poolSet := make(map[int64]struct{})
	for id, poolID := range targets {
		all = append(all, id)
		poolSet[poolID] = struct{}{}
	}
	slices.Sort(all)

	for _, batch := range batchIDs(all, maxIDsPerStatement) {
		if _, err := tx.Exec(ctx, `UPDATE similarity_links SET sibling_id = NULL WHERE link_id IN ?`, batch); err != nil {
			return BatchDeleteResult{}, fmt.Errorf("clear sibling references: %w", err)
		}
	}
	for _, batch := range batchIDs(all, maxIDsPerStatement) {
		if _, err := tx.Exec(ctx, `DELETE FROM similarity_links WHERE link_id IN ?`, batch); err != nil {
			return BatchDeleteResult{}, fmt.Errorf("delete links: %w", err)
		}
	}

	now := globaltime.UTC()
	for poolID := range poolSet {
		if err := recountPool(ctx, tx, poolID, now); err != nil {
			return BatchDeleteResult{}, err
		}
		result.Pools = append(result.Pools, poolID)
	}
	slices.Sort(result.Pools)

	if err := tx.Commit(ctx); err != nil {
		return BatchDeleteResult{}, fmt.Errorf("commit delete links transaction: %w", err)
	}

	result.Deleted = all
	for _, id := range requested {
		if !found[id] {
			result.Missing = append(result.Missing, id)
		}
	}
	return result, nil
}

func siblingClosure(ctx context.Context, tx Tx, targets map[int64]int64) (map[int64]int64, error) {
	ids := make([]int64, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	out := make(map[int64]int64)
	for _, batch := range batchIDs(ids, maxIDsPerStatement) {
		rows, err := tx.Query(ctx, `
SELECT s.link_id, s.pool_id
FROM similarity_links l
JOIN similarity_links s ON s.link_id = l.sibling_id
WHERE l.link_id IN ?
`, batch)
		if err != nil {
			return nil, fmt.Errorf("collect sibling links: %w", err)
		}
		for rows.Next() {
			var id, poolID int64
			if err := rows.Scan(&id, &poolID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan sibling link: %w", err)
			}
			if _, ok := targets[id]; !ok {
				out[id] = poolID
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate sibling links: %w", err)
		}
	}
	return out, nil
}

// RecountPool stores the exact link count for a pool and returns it.
func (p *Pool) RecountPool(ctx context.Context, poolID int64) (int, error) {
	if err := recountPool(ctx, p, poolID, globaltime.UTC()); err != nil {
		return 0, err
	}
	var count int
	if err := p.QueryRow(ctx, `SELECT element_count FROM similarity_pools WHERE pool_id = ?`, poolID).Scan(&count); err != nil {
		return 0, fmt.Errorf("read pool %d count: %w", poolID, err)
	}
	return count, nil
}

func recountPool(ctx context.Context, q querier, poolID int64, now time.Time) error {
	if _, err := q.Exec(ctx, `
UPDATE similarity_pools
SET element_count = (SELECT COUNT(*) FROM similarity_links WHERE similarity_links.pool_id = ?),
    counted_at = ?
WHERE pool_id = ?
`, poolID, now, poolID); err != nil {
		return fmt.Errorf("recount pool %d: %w", poolID, err)
	}
	return nil
}

// ListPoolLinks returns the item's pool and its links, best score first.
func (p *Pool) ListPoolLinks(ctx context.Context, itemID int64) (PoolRecord, []Link, error) {
	rec, err := p.PoolForItem(ctx, itemID)
	if err != nil {
		return PoolRecord{}, nil, err
	}

	rows, err := p.Query(ctx, `
SELECT link_id, pool_id, linked_item_id, score, sibling_id, created_at
FROM similarity_links
WHERE pool_id = ?
ORDER BY score DESC, linked_item_id
`, rec.PoolID)
	if err != nil {
		return PoolRecord{}, nil, fmt.Errorf("list links for pool %d: %w", rec.PoolID, err)
	}
	defer rows.Close()

	links := make([]Link, 0)
	for rows.Next() {
		l := Link{OwnerItemID: itemID}
		if err := rows.Scan(&l.LinkID, &l.PoolID, &l.LinkedItemID, &l.Score, &l.SiblingID, &l.CreatedAt); err != nil {
			return PoolRecord{}, nil, fmt.Errorf("scan link: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return PoolRecord{}, nil, fmt.Errorf("iterate links: %w", err)
	}
	return rec, links, nil
}

// GetLink loads a single link with its owning item.
func (p *Pool) GetLink(ctx context.Context, linkID int64) (Link, error) {
	var l Link
	err := p.QueryRow(ctx, `
SELECT l.link_id, l.pool_id, sp.item_id, l.linked_item_id, l.score, l.sibling_id, l.created_at
FROM similarity_links l
JOIN similarity_pools sp ON sp.pool_id = l.pool_id
WHERE l.link_id = ?
`, linkID).Scan(&l.LinkID, &l.PoolID, &l.OwnerItemID, &l.LinkedItemID, &l.Score, &l.SiblingID, &l.CreatedAt)
	return l, err
}

// ItemLinkIDs lists links owned by the item's pool or pointing at the item.
func (p *Pool) ItemLinkIDs(ctx context.Context, itemID int64) ([]int64, error) {
	return p.queryIDs(ctx, `
SELECT l.link_id
FROM similarity_links l
JOIN similarity_pools sp ON sp.pool_id = l.pool_id
WHERE sp.item_id = ? OR l.linked_item_id = ?
ORDER BY l.link_id
`, itemID, itemID)
}

func (p *Pool) LinkIDsBelowScore(ctx context.Context, score float64, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 10_000
	}
	return p.queryIDs(ctx, `
SELECT link_id
FROM similarity_links
WHERE score < ?
ORDER BY link_id
LIMIT ?
`, score, limit)
}

func (p *Pool) PoolIDs(ctx context.Context, itemIDs []int64) ([]int64, error) {
	if len(itemIDs) == 0 {
		return p.queryIDs(ctx, `SELECT pool_id FROM similarity_pools ORDER BY pool_id`)
	}
	out := make([]int64, 0, len(itemIDs))
	for _, batch := range batchIDs(uniqueIDs(itemIDs), maxIDsPerStatement) {
		ids, err := p.queryIDs(ctx, `SELECT pool_id FROM similarity_pools WHERE item_id IN ? ORDER BY pool_id`, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
	}
	return out, nil
}

// DeletePoolForItem removes an item's pool row. Links must already be gone.
func (p *Pool) DeletePoolForItem(ctx context.Context, itemID int64) (bool, error) {
	tag, err := p.Exec(ctx, `
DELETE FROM similarity_pools
WHERE item_id = ?
  AND NOT EXISTS (SELECT 1 FROM similarity_links WHERE similarity_links.pool_id = similarity_pools.pool_id)
`, itemID)
	if err != nil {
		return false, fmt.Errorf("delete pool for item %d: %w", itemID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Pool) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := p.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	out := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return out, nil
}

func uniqueIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func batchIDs(ids []int64, size int) [][]int64 {
	if len(ids) == 0 {
		return nil
	}
	out := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		out = append(out, ids[start:min(start+size, len(ids))])
	}
	return out
}
