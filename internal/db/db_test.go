package db

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"horse.fit/similarity/internal/config"
	"horse.fit/similarity/internal/fingerprint"
)

func testConfig(path string) *config.Config {
	return &config.Config{
		Environment:       "test",
		LogLevel:          "silent",
		DatabaseURL:       path,
		DBMinConns:        1,
		DBMaxConns:        1,
		HashGridSize:      16,
		HashCharsPerChunk: 4,
		HashAlgorithm:     "wavelet",
	}
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()

	pool, err := NewPool(context.Background(), testConfig(filepath.Join(t.TempDir(), "similarity.db")))
	if err != nil {
		t.Fatalf("open test pool: %v", err)
	}
	t.Cleanup(func() {
		_ = pool.Close()
	})
	return pool
}

func uniformChunks(value string) []string {
	chunks := make([]string, fingerprint.DefaultLayout.NumChunks())
	for i := range chunks {
		chunks[i] = value
	}
	return chunks
}

func withChunks(base []string, value string, positions ...int) []string {
	out := append([]string(nil), base...)
	for _, p := range positions {
		out[p] = value
	}
	return out
}

func TestOpenDialector(t *testing.T) {
	t.Parallel()

	cases := map[string]Dialect{
		"postgres://u:p@localhost:5432/db":     DialectPostgres,
		"postgresql://localhost/db":            DialectPostgres,
		"host=localhost user=u dbname=db":      DialectPostgres,
		"/var/lib/similarity/similarity.db":    DialectSQLite,
		":memory:":                             DialectSQLite,
		"sqlite:///var/lib/similarity/data.db": DialectSQLite,
	}
	for dsn, want := range cases {
		_, got, err := openDialector(dsn)
		if err != nil {
			t.Fatalf("%s: %v", dsn, err)
		}
		if got != want {
			t.Fatalf("%s: got %s want %s", dsn, got, want)
		}
	}
	if _, _, err := openDialector(" "); err == nil {
		t.Fatalf("expected empty dsn to fail")
	}
	if got := sqliteDSN("data.db"); !strings.HasPrefix(got, "file:data.db?") || !strings.Contains(got, "_busy_timeout=5000") {
		t.Fatalf("unexpected sqlite dsn: %s", got)
	}
}

func TestCreatePairIsSymmetric(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t)
	ctx := context.Background()

	res, err := pool.CreatePair(ctx, 1, 2, 95.3125)
	if err != nil {
		t.Fatalf("create pair: %v", err)
	}
	if !res.Created || res.LinkA == 0 || res.LinkB == 0 {
		t.Fatalf("unexpected pair result: %+v", res)
	}

	_, linksA, err := pool.ListPoolLinks(ctx, 1)
	if err != nil {
		t.Fatalf("list pool 1: %v", err)
	}
	_, linksB, err := pool.ListPoolLinks(ctx, 2)
	if err != nil {
		t.Fatalf("list pool 2: %v", err)
	}
	if len(linksA) != 1 || len(linksB) != 1 {
		t.Fatalf("expected one link per pool, got %d and %d", len(linksA), len(linksB))
	}

	a, b := linksA[0], linksB[0]
	if a.LinkedItemID != 2 || b.LinkedItemID != 1 {
		t.Fatalf("unexpected linked items: %d %d", a.LinkedItemID, b.LinkedItemID)
	}
	if a.Score != 95.31 || b.Score != 95.31 {
		t.Fatalf("unexpected scores: %v %v", a.Score, b.Score)
	}
	if a.SiblingID == nil || *a.SiblingID != b.LinkID || b.SiblingID == nil || *b.SiblingID != a.LinkID {
		t.Fatalf("sibling references do not resolve: %+v %+v", a, b)
	}

	again, err := pool.CreatePair(ctx, 2, 1, 99)
	if err != nil {
		t.Fatalf("create reverse pair: %v", err)
	}
	if again.Created {
		t.Fatalf("expected existing pair to be skipped")
	}
	_, linksA, _ = pool.ListPoolLinks(ctx, 1)
	if len(linksA) != 1 {
		t.Fatalf("expected no duplicate link, got %d", len(linksA))
	}

	if _, err := pool.CreatePair(ctx, 3, 3, 100); !errors.Is(err, ErrSelfPair) {
		t.Fatalf("expected ErrSelfPair, got %v", err)
	}
}

func TestBatchDeletePairsKeepsCountsConsistent(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t)
	ctx := context.Background()

	first, err := pool.CreatePair(ctx, 1, 2, 97)
	if err != nil {
		t.Fatalf("create 1-2: %v", err)
	}
	if _, err := pool.CreatePair(ctx, 1, 3, 93); err != nil {
		t.Fatalf("create 1-3: %v", err)
	}
	if _, err := pool.CreatePair(ctx, 2, 3, 91); err != nil {
		t.Fatalf("create 2-3: %v", err)
	}

	res, err := pool.BatchDeletePairs(ctx, []int64{first.LinkA, 99999})
	if err != nil {
		t.Fatalf("batch delete: %v", err)
	}
	if len(res.Deleted) != 2 {
		t.Fatalf("expected link and sibling deleted, got %v", res.Deleted)
	}
	if len(res.Missing) != 1 || res.Missing[0] != 99999 {
		t.Fatalf("unexpected missing ids: %v", res.Missing)
	}
	if len(res.Pools) != 2 || res.Pools[0] != first.PoolA || res.Pools[1] != first.PoolB {
		t.Fatalf("unexpected affected pools: %v", res.Pools)
	}

	for _, itemID := range []int64{1, 2, 3} {
		rec, err := pool.PoolForItem(ctx, itemID)
		if err != nil {
			t.Fatalf("load pool %d: %v", itemID, err)
		}
		count, err := pool.RecountPool(ctx, rec.PoolID)
		if err != nil {
			t.Fatalf("recount pool %d: %v", itemID, err)
		}
		_, links, err := pool.ListPoolLinks(ctx, itemID)
		if err != nil {
			t.Fatalf("list pool %d: %v", itemID, err)
		}
		if count != len(links) {
			t.Fatalf("pool %d count %d does not match %d links", itemID, count, len(links))
		}
	}

	stats, err := pool.QueryStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Links != 4 || stats.UnpairedLinks != 0 || stats.StalePoolCounts != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDeletePairRecountsSynchronously(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t)
	ctx := context.Background()

	pair, err := pool.CreatePair(ctx, 10, 20, 92.5)
	if err != nil {
		t.Fatalf("create pair: %v", err)
	}
	if _, err := pool.RecountPool(ctx, pair.PoolA); err != nil {
		t.Fatalf("recount: %v", err)
	}

	if _, err := pool.DeletePair(ctx, pair.LinkB); err != nil {
		t.Fatalf("delete pair: %v", err)
	}
	rec, err := pool.PoolForItem(ctx, 10)
	if err != nil {
		t.Fatalf("load pool: %v", err)
	}
	if rec.ElementCount != 0 || rec.CountedAt == nil {
		t.Fatalf("expected synchronous recount, got %+v", rec)
	}

	if _, err := pool.DeletePair(ctx, pair.LinkB); !errors.Is(err, ErrNoRows) {
		t.Fatalf("expected ErrNoRows for deleted link, got %v", err)
	}

	removed, err := pool.DeletePoolForItem(ctx, 10)
	if err != nil {
		t.Fatalf("delete pool: %v", err)
	}
	if !removed {
		t.Fatalf("expected empty pool to be removed")
	}
}

func TestCandidateFingerprintsAppliesBothFilters(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t)
	ctx := context.Background()

	query := uniformChunks("aaaa")
	insert := func(itemID int64, ratio float64, chunks []string) {
		t.Helper()
		if _, err := pool.InsertFingerprint(ctx, NewFingerprint{ItemID: itemID, Rendition: "preview", Ratio: ratio, Chunks: chunks}); err != nil {
			t.Fatalf("insert item %d: %v", itemID, err)
		}
	}

	insert(1, 1.5, query)
	insert(2, 1.5, uniformChunks("bbbb"))
	insert(3, 1.6, query)
	insert(4, 1.505, query)
	insert(5, 1.5, withChunks(query, "aaab", 1, 6, 9, 14))
	insert(6, 1.5, strings.Split(strings.ToUpper(strings.Join(query, ",")), ","))

	got, err := pool.CandidateFingerprints(ctx, CandidateQuery{
		Chunks:        query,
		Ratio:         1.5,
		Tolerance:     0.01,
		ExcludeItemID: 1,
		Pattern:       "cross2",
	})
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}

	items := make([]int64, 0, len(got))
	for _, fp := range got {
		items = append(items, fp.ItemID)
		if len(fp.Hash) != fingerprint.DefaultLayout.Bytes() {
			t.Fatalf("unexpected decoded hash width: %d", len(fp.Hash))
		}
	}
	want := []int64{4, 5, 6}
	if len(items) != len(want) {
		t.Fatalf("unexpected candidates: %v", items)
	}
	for i := range want {
		if items[i] != want[i] {
			t.Fatalf("unexpected candidates: got %v want %v", items, want)
		}
	}

	exact, err := pool.CandidateFingerprints(ctx, CandidateQuery{Chunks: query, Ratio: 1.5, Tolerance: 0.01, Pattern: "exact"})
	if err != nil {
		t.Fatalf("exact candidates: %v", err)
	}
	if len(exact) != 3 {
		t.Fatalf("expected items 1, 4 and 6 for exact pattern, got %d", len(exact))
	}

	if _, err := pool.CandidateFingerprints(ctx, CandidateQuery{Chunks: query[:3], Ratio: 1.5}); !errors.Is(err, ErrInvalidFingerprint) {
		t.Fatalf("expected ErrInvalidFingerprint for short query, got %v", err)
	}
}

func TestInsertFingerprintValidatesChunks(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t)
	ctx := context.Background()

	if _, err := pool.InsertFingerprint(ctx, NewFingerprint{ItemID: 1, Ratio: 1, Chunks: []string{"abcd"}}); !errors.Is(err, ErrInvalidFingerprint) {
		t.Fatalf("expected ErrInvalidFingerprint, got %v", err)
	}

	id, err := pool.InsertFingerprint(ctx, NewFingerprint{ItemID: 1, Rendition: "original", Canonical: true, Ratio: 0.75, Chunks: uniformChunks("0f0f")})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	stored, err := pool.ListItemFingerprints(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 1 || stored[0].FingerprintID != id || !stored[0].Canonical || stored[0].Rendition != "original" || stored[0].Ratio != 0.75 {
		t.Fatalf("unexpected stored fingerprint: %+v", stored)
	}

	marked, err := pool.FingerprintedItemIDs(ctx, []int64{1, 2})
	if err != nil {
		t.Fatalf("fingerprinted ids: %v", err)
	}
	if !marked[1] || marked[2] {
		t.Fatalf("unexpected fingerprinted set: %v", marked)
	}

	n, err := pool.DeleteItemFingerprints(ctx, 1)
	if err != nil || n != 1 {
		t.Fatalf("delete fingerprints: %d %v", n, err)
	}
}

func TestLayoutChangeRejectedWhenFingerprintsExist(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "layout.db")
	ctx := context.Background()

	pool, err := NewPool(ctx, testConfig(path))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := pool.InsertFingerprint(ctx, NewFingerprint{ItemID: 1, Ratio: 1, Chunks: uniformChunks("abcd")}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = pool.Close()

	cfg := testConfig(path)
	cfg.HashGridSize = 8
	if _, err := NewPool(ctx, cfg); !errors.Is(err, ErrLayoutMismatch) {
		t.Fatalf("expected ErrLayoutMismatch, got %v", err)
	}

	reopened, err := NewPool(ctx, testConfig(path))
	if err != nil {
		t.Fatalf("reopen with original layout: %v", err)
	}
	_ = reopened.Close()
}

func TestLayoutChangeRebuildsEmptyTable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "layout.db")
	ctx := context.Background()

	pool, err := NewPool(ctx, testConfig(path))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = pool.Close()

	cfg := testConfig(path)
	cfg.HashCharsPerChunk = 8
	resized, err := NewPool(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen with new layout: %v", err)
	}
	defer resized.Close()

	chunks := make([]string, 8)
	for i := range chunks {
		chunks[i] = "deadbeef"
	}
	if _, err := resized.InsertFingerprint(ctx, NewFingerprint{ItemID: 1, Ratio: 1, Chunks: chunks}); err != nil {
		t.Fatalf("insert with new layout: %v", err)
	}
}

func TestRegisterAndLookupItems(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t)
	ctx := context.Background()

	width := 640
	inputs := []RenditionInput{
		{ItemID: 7, Name: "original", Location: "/media/7.png", Width: &width},
		{ItemID: 7, Name: "Preview", Location: "/media/7-preview.png"},
		{ItemID: 8, Name: "original", Location: "/media/8.png"},
		{ItemID: 7, Name: "original", Location: "/media/7-v2.png"},
	}
	for _, in := range inputs {
		if err := pool.RegisterRendition(ctx, in); err != nil {
			t.Fatalf("register %+v: %v", in, err)
		}
	}
	if err := pool.RegisterRendition(ctx, RenditionInput{ItemID: 9}); err == nil {
		t.Fatalf("expected missing location to fail")
	}

	items, err := pool.LookupItems(ctx, []int64{8, 7, 404})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(items) != 2 || items[0].ItemID != 7 || items[1].ItemID != 8 {
		t.Fatalf("unexpected items: %+v", items)
	}
	if len(items[0].Renditions) != 2 {
		t.Fatalf("unexpected renditions: %+v", items[0].Renditions)
	}
	if items[0].Renditions[0].Name != "original" || items[0].Renditions[0].Location != "/media/7-v2.png" {
		t.Fatalf("expected upserted original, got %+v", items[0].Renditions[0])
	}
	if items[0].Renditions[1].Name != "preview" {
		t.Fatalf("expected normalized rendition name, got %s", items[0].Renditions[1].Name)
	}
}

func TestRatioBounds(t *testing.T) {
	t.Parallel()

	lo, hi := RatioBounds(1.3333, 0.01)
	if lo != 1.32 || hi != 1.3466 {
		t.Fatalf("unexpected bounds: %v %v", lo, hi)
	}
}

func TestBatchIDs(t *testing.T) {
	t.Parallel()

	ids := []int64{1, 2, 3, 4, 5}
	batches := batchIDs(ids, 2)
	if len(batches) != 3 || len(batches[2]) != 1 {
		t.Fatalf("unexpected batches: %v", batches)
	}
	if batchIDs(nil, 2) != nil {
		t.Fatalf("expected no batches for empty input")
	}
}
