package graph

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/similarity/internal/config"
	"horse.fit/similarity/internal/db"
	"horse.fit/similarity/internal/work"
)

type blockingBackend struct {
	Backend

	mu      sync.Mutex
	calls   map[int64]int
	started chan int64
	release chan struct{}
}

func (b *blockingBackend) RecountPool(_ context.Context, poolID int64) (int, error) {
	b.mu.Lock()
	b.calls[poolID]++
	first := b.calls[poolID] == 1
	b.mu.Unlock()

	if first && b.release != nil {
		b.started <- poolID
		<-b.release
	}
	return 0, nil
}

func (b *blockingBackend) callCount(poolID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[poolID]
}

func TestRefreshCountAsyncCoalescesQueuedRequests(t *testing.T) {
	t.Parallel()

	backend := &blockingBackend{calls: map[int64]int{}}
	store := NewStore(backend, work.NewPool("recount", 2, 16, zerolog.Nop()), zerolog.Nop())

	for i := 0; i < 5; i++ {
		store.RefreshCountAsync(7)
	}
	if got := store.Scheduled(); got != 1 {
		t.Fatalf("expected a single scheduled recount, got %d", got)
	}

	store.Start(context.Background())
	store.Wait()
	store.Stop()

	if got := backend.callCount(7); got != 1 {
		t.Fatalf("expected one recount, got %d", got)
	}
	if got := store.Scheduled(); got != 0 {
		t.Fatalf("expected schedule to drain, got %d", got)
	}
}

func TestRefreshCountAsyncRepeatsOnceWhenDirty(t *testing.T) {
	t.Parallel()

	backend := &blockingBackend{
		calls:   map[int64]int{},
		started: make(chan int64, 1),
		release: make(chan struct{}),
	}
	store := NewStore(backend, work.NewPool("recount", 2, 16, zerolog.Nop()), zerolog.Nop())
	store.Start(context.Background())
	defer store.Stop()

	store.RefreshCountAsync(5)
	select {
	case <-backend.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("recount did not start")
	}

	for i := 0; i < 10; i++ {
		store.RefreshCountAsync(5)
	}
	close(backend.release)
	store.Wait()

	if got := backend.callCount(5); got != 2 {
		t.Fatalf("expected the running recount to repeat exactly once, got %d", got)
	}
}

func TestRefreshCountAsyncIgnoresInvalidPool(t *testing.T) {
	t.Parallel()

	store := NewStore(&blockingBackend{calls: map[int64]int{}}, work.NewPool("recount", 1, 1, zerolog.Nop()), zerolog.Nop())
	store.RefreshCountAsync(0)
	if store.Scheduled() != 0 {
		t.Fatalf("did not expect pool 0 to be scheduled")
	}
}

func newGraphStore(t *testing.T) (*Store, *db.Pool) {
	t.Helper()

	cfg := &config.Config{
		Environment:       "test",
		LogLevel:          "silent",
		DatabaseURL:       filepath.Join(t.TempDir(), "graph.db"),
		DBMinConns:        1,
		DBMaxConns:        1,
		HashGridSize:      16,
		HashCharsPerChunk: 4,
		HashAlgorithm:     "wavelet",
	}
	pool, err := db.NewPool(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	store := NewStore(pool, work.NewPool("recount", 5, 64, zerolog.Nop()), zerolog.Nop())
	store.Start(context.Background())
	t.Cleanup(func() {
		store.Stop()
		_ = pool.Close()
	})
	return store, pool
}

func TestCreatePairRefreshesCountsInBackground(t *testing.T) {
	t.Parallel()

	store, pool := newGraphStore(t)
	ctx := context.Background()

	for _, pair := range [][2]int64{{1, 2}, {1, 3}, {1, 4}, {2, 3}} {
		if _, err := store.CreatePair(ctx, pair[0], pair[1], 95); err != nil {
			t.Fatalf("create pair %v: %v", pair, err)
		}
	}
	store.Wait()

	want := map[int64]int{1: 3, 2: 2, 3: 2, 4: 1}
	for itemID, count := range want {
		rec, err := pool.PoolForItem(ctx, itemID)
		if err != nil {
			t.Fatalf("load pool %d: %v", itemID, err)
		}
		if rec.ElementCount != count {
			t.Fatalf("pool for item %d: count %d want %d", itemID, rec.ElementCount, count)
		}
	}
}

func TestRemoveItemDeletesPairsAndPool(t *testing.T) {
	t.Parallel()

	store, pool := newGraphStore(t)
	ctx := context.Background()

	_, _ = store.CreatePair(ctx, 1, 2, 95)
	_, _ = store.CreatePair(ctx, 3, 1, 92)
	_, _ = store.CreatePair(ctx, 2, 3, 91)
	store.Wait()

	res, err := store.RemoveItem(ctx, 1)
	if err != nil {
		t.Fatalf("remove item: %v", err)
	}
	if len(res.Deleted) != 4 {
		t.Fatalf("expected both pairs touching item 1 deleted, got %v", res.Deleted)
	}
	if _, err := pool.PoolForItem(ctx, 1); !db.IsNoRows(err) {
		t.Fatalf("expected pool for item 1 to be gone, got %v", err)
	}

	for _, itemID := range []int64{2, 3} {
		rec, links, err := store.Links(ctx, itemID)
		if err != nil {
			t.Fatalf("links for %d: %v", itemID, err)
		}
		if len(links) != 1 || rec.ElementCount != 1 {
			t.Fatalf("item %d: expected one remaining link with count 1, got %d links count %d", itemID, len(links), rec.ElementCount)
		}
	}
}

func TestPruneBelowRemovesWeakPairs(t *testing.T) {
	t.Parallel()

	store, _ := newGraphStore(t)
	ctx := context.Background()

	_, _ = store.CreatePair(ctx, 1, 2, 99)
	_, _ = store.CreatePair(ctx, 1, 3, 91)
	_, _ = store.CreatePair(ctx, 2, 3, 90.5)
	store.Wait()

	deleted, err := store.PruneBelow(ctx, 95)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 4 {
		t.Fatalf("expected 4 links pruned, got %d", deleted)
	}

	counts, err := store.RecountItems(ctx, nil)
	if err != nil {
		t.Fatalf("recount: %v", err)
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	if total != 2 {
		t.Fatalf("expected the strong pair to remain, got counts %v", counts)
	}
}
