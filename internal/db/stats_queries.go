package db

import (
	"context"
	"fmt"
)

type Stats struct {
	Items           int64  `json:"items"`
	Renditions      int64  `json:"renditions"`
	Fingerprints    int64  `json:"fingerprints"`
	Fingerprinted   int64  `json:"fingerprinted_items"`
	Pools           int64  `json:"pools"`
	Links           int64  `json:"links"`
	UnpairedLinks   int64  `json:"unpaired_links"`
	StalePoolCounts int64  `json:"stale_pool_counts"`
	Layout          string `json:"layout"`
	Dialect         string `json:"dialect"`
}

func (p *Pool) QueryStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Layout:  layoutSignature(p.layout, p.algorithm),
		Dialect: string(p.dialect),
	}

	counters := []struct {
		label string
		query string
		dest  *int64
	}{
		{"items", `SELECT COUNT(DISTINCT item_id) FROM media_renditions`, &stats.Items},
		{"renditions", `SELECT COUNT(*) FROM media_renditions`, &stats.Renditions},
		{"fingerprints", `SELECT COUNT(*) FROM similarity_fingerprints`, &stats.Fingerprints},
		{"fingerprinted items", `SELECT COUNT(DISTINCT item_id) FROM similarity_fingerprints`, &stats.Fingerprinted},
		{"pools", `SELECT COUNT(*) FROM similarity_pools`, &stats.Pools},
		{"links", `SELECT COUNT(*) FROM similarity_links`, &stats.Links},
		{"unpaired links", `SELECT COUNT(*) FROM similarity_links WHERE sibling_id IS NULL`, &stats.UnpairedLinks},
		{"stale pools", `
SELECT COUNT(*)
FROM similarity_pools sp
WHERE sp.element_count <> (SELECT COUNT(*) FROM similarity_links l WHERE l.pool_id = sp.pool_id)
`, &stats.StalePoolCounts},
	}

	for _, c := range counters {
		if err := p.QueryRow(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("count %s: %w", c.label, err)
		}
	}
	return stats, nil
}
