package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"horse.fit/similarity/internal/bucket"
	"horse.fit/similarity/internal/fingerprint"
	"horse.fit/similarity/internal/globaltime"
)

var ErrInvalidFingerprint = errors.New("invalid fingerprint")

type NewFingerprint struct {
	ItemID    int64
	Rendition string
	Canonical bool
	Ratio     float64
	Chunks    []string
}

type StoredFingerprint struct {
	FingerprintID int64
	ItemID        int64
	Rendition     string
	Canonical     bool
	Ratio         float64
	Chunks        []string
	Hash          fingerprint.Hash
	CreatedAt     time.Time
}

// CandidateQuery drives the two-stage pre-filter: aspect ratio range, then
// bucket-pattern chunk equality.
type CandidateQuery struct {
	Chunks        []string
	Ratio         float64
	Tolerance     float64
	ExcludeItemID int64
	Pattern       string
	Limit         int
}

type compiledBucket struct {
	table  *bucket.Table
	clause string
}

func ChunkColumn(i int) string {
	return fmt.Sprintf("chunk%02d", i)
}

func (p *Pool) chunkColumnList() string {
	cols := make([]string, p.layout.NumChunks())
	for i := range cols {
		cols[i] = ChunkColumn(i)
	}
	return strings.Join(cols, ", ")
}

// RatioBounds returns the closed range [ratio*(1-tol), ratio*(1+tol)] with
// both ends rounded to four decimals.
func RatioBounds(ratio, tolerance float64) (float64, float64) {
	return fingerprint.Round(ratio*(1-tolerance), 4), fingerprint.Round(ratio*(1+tolerance), 4)
}

func (p *Pool) InsertFingerprint(ctx context.Context, fp NewFingerprint) (int64, error) {
	return p.insertFingerprint(ctx, p, fp)
}

func (p *Pool) insertFingerprint(ctx context.Context, q querier, fp NewFingerprint) (int64, error) {
	if fp.ItemID <= 0 {
		return 0, fmt.Errorf("%w: item id must be positive", ErrInvalidFingerprint)
	}
	if _, err := p.layout.Decode(fp.Chunks); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFingerprint, err)
	}

	chunks := make([]string, len(fp.Chunks))
	for i, c := range fp.Chunks {
		chunks[i] = strings.ToLower(c)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunks)), ", ")
	query := fmt.Sprintf(`
INSERT INTO similarity_fingerprints (item_id, rendition, canonical, ratio, created_at, %s)
VALUES (?, ?, ?, ?, ?, %s)
RETURNING fingerprint_id
`, p.chunkColumnList(), placeholders)

	args := make([]any, 0, 5+len(chunks))
	args = append(args, fp.ItemID, fp.Rendition, fp.Canonical, fingerprint.Round(fp.Ratio, 4), globaltime.UTC())
	for _, c := range chunks {
		args = append(args, c)
	}

	var id int64
	if err := q.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert fingerprint for item %d: %w", fp.ItemID, err)
	}
	return id, nil
}

func (p *Pool) ListItemFingerprints(ctx context.Context, itemID int64) ([]StoredFingerprint, error) {
	query := fmt.Sprintf(`
SELECT fingerprint_id, item_id, rendition, canonical, ratio, created_at, %s
FROM similarity_fingerprints
WHERE item_id = ?
ORDER BY fingerprint_id
`, p.chunkColumnList())

	rows, err := p.Query(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("list fingerprints for item %d: %w", itemID, err)
	}
	defer rows.Close()
	return p.scanFingerprints(rows)
}

func (p *Pool) DeleteItemFingerprints(ctx context.Context, itemID int64) (int64, error) {
	tag, err := p.Exec(ctx, `DELETE FROM similarity_fingerprints WHERE item_id = ?`, itemID)
	if err != nil {
		return 0, fmt.Errorf("delete fingerprints for item %d: %w", itemID, err)
	}
	return tag.RowsAffected(), nil
}

// FingerprintedItemIDs reports which of ids already have at least one
// fingerprint.
func (p *Pool) FingerprintedItemIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(ids))
	for _, batch := range batchIDs(ids, maxIDsPerStatement) {
		rows, err := p.Query(ctx, `SELECT DISTINCT item_id FROM similarity_fingerprints WHERE item_id IN ?`, batch)
		if err != nil {
			return nil, fmt.Errorf("query fingerprinted items: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan fingerprinted item: %w", err)
			}
			out[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate fingerprinted items: %w", err)
		}
	}
	return out, nil
}

// CandidateFingerprints runs the ratio and bucket pre-filters. Rows are
// returned in insertion order; ranking is the scorer's job.
func (p *Pool) CandidateFingerprints(ctx context.Context, cq CandidateQuery) ([]StoredFingerprint, error) {
	compiled, err := p.bucketClause(cq.Pattern)
	if err != nil {
		return nil, err
	}
	bucketArgs, err := compiled.table.Args(lowerAll(cq.Chunks))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFingerprint, err)
	}

	lo, hi := RatioBounds(cq.Ratio, cq.Tolerance)

	var b strings.Builder
	fmt.Fprintf(&b, `
SELECT fingerprint_id, item_id, rendition, canonical, ratio, created_at, %s
FROM similarity_fingerprints
WHERE ratio BETWEEN ? AND ?`, p.chunkColumnList())
	args := []any{lo, hi}
	if cq.ExcludeItemID > 0 {
		b.WriteString("\n  AND item_id <> ?")
		args = append(args, cq.ExcludeItemID)
	}
	b.WriteString("\n  AND ")
	b.WriteString(compiled.clause)
	args = append(args, bucketArgs...)
	b.WriteString("\nORDER BY fingerprint_id")
	if cq.Limit > 0 {
		b.WriteString("\nLIMIT ?")
		args = append(args, cq.Limit)
	}

	rows, err := p.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query candidate fingerprints: %w", err)
	}
	defer rows.Close()
	return p.scanFingerprints(rows)
}

// bucketClause builds the pattern table for the pool layout once and caches
// the rendered SQL.
func (p *Pool) bucketClause(pattern string) (*compiledBucket, error) {
	pat, err := bucket.Lookup(pattern)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s@%d/%d", pat.Name, pat.Version, p.layout.NumChunks())
	if cached, ok := p.clauses.Load(key); ok {
		return cached.(*compiledBucket), nil
	}

	table, err := pat.Build(p.layout.NumChunks())
	if err != nil {
		return nil, err
	}
	compiled := &compiledBucket{
		table:  table,
		clause: table.Clause(ChunkColumn),
	}
	actual, _ := p.clauses.LoadOrStore(table.Key(), compiled)
	return actual.(*compiledBucket), nil
}

func (p *Pool) scanFingerprints(rows *Rows) ([]StoredFingerprint, error) {
	n := p.layout.NumChunks()
	out := make([]StoredFingerprint, 0)
	for rows.Next() {
		var fp StoredFingerprint
		fp.Chunks = make([]string, n)
		dest := make([]any, 0, 6+n)
		dest = append(dest, &fp.FingerprintID, &fp.ItemID, &fp.Rendition, &fp.Canonical, &fp.Ratio, &fp.CreatedAt)
		for i := range fp.Chunks {
			dest = append(dest, &fp.Chunks[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		for i, c := range fp.Chunks {
			fp.Chunks[i] = strings.TrimSpace(c)
		}
		hash, err := p.layout.Decode(fp.Chunks)
		if err != nil {
			return nil, fmt.Errorf("decode stored fingerprint %d: %w", fp.FingerprintID, err)
		}
		fp.Hash = hash
		out = append(out, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fingerprints: %w", err)
	}
	return out, nil
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}
