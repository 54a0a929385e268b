package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"horse.fit/similarity/internal/auth"
	"horse.fit/similarity/internal/db"
	"horse.fit/similarity/internal/jobs"
	"horse.fit/similarity/internal/media"
	"horse.fit/similarity/internal/scorer"
	"horse.fit/similarity/internal/similarity"
	"horse.fit/similarity/internal/work"
)

type fakeEngine struct {
	checkReqs    []similarity.CheckRequest
	regenerated  []int64
	regenerateFn func(itemID int64) (similarity.ItemResult, error)
}

func (f *fakeEngine) Check(_ context.Context, req similarity.CheckRequest) ([]similarity.CheckResult, error) {
	f.checkReqs = append(f.checkReqs, req)
	out := make([]similarity.CheckResult, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		out = append(out, similarity.CheckResult{
			Input:   in,
			Matches: []scorer.Match{{ItemID: 9, FingerprintID: 90, Score: 97.66, Distance: 6}},
		})
	}
	return out, nil
}

func (f *fakeEngine) Regenerate(_ context.Context, itemID int64) (similarity.ItemResult, error) {
	f.regenerated = append(f.regenerated, itemID)
	if f.regenerateFn != nil {
		return f.regenerateFn(itemID)
	}
	return similarity.ItemResult{ItemID: itemID, Stage: similarity.StageMatched, Fingerprints: 1}, nil
}

type fakeGraph struct {
	links   map[int64][]db.Link
	deleted []int64
}

func (f *fakeGraph) Links(_ context.Context, itemID int64) (db.PoolRecord, []db.Link, error) {
	links, ok := f.links[itemID]
	if !ok {
		return db.PoolRecord{}, nil, db.ErrNoRows
	}
	return db.PoolRecord{PoolID: itemID * 10, ItemID: itemID, ElementCount: len(links)}, links, nil
}

func (f *fakeGraph) DeletePair(_ context.Context, linkID int64) (db.BatchDeleteResult, error) {
	if linkID != 5 {
		return db.BatchDeleteResult{}, db.ErrNoRows
	}
	f.deleted = append(f.deleted, linkID)
	return db.BatchDeleteResult{Deleted: []int64{5, 6}, Pools: []int64{10, 20}}, nil
}

type fakeJobs struct {
	enqueued []json.RawMessage
	err      error
}

func (f *fakeJobs) Enqueue(_ context.Context, name string, args json.RawMessage) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if name != similarity.JobGenerate {
		return "", fmt.Errorf("unexpected job %s", name)
	}
	f.enqueued = append(f.enqueued, args)
	return "job-1", nil
}

func (f *fakeJobs) Status(id string) (jobs.Status, error) {
	if id != "job-1" {
		return jobs.Status{}, jobs.ErrJobNotFound
	}
	return jobs.Status{ID: id, Name: similarity.JobGenerate, State: jobs.StateRunning}, nil
}

type testServer struct {
	server *Server
	engine *fakeEngine
	graph  *fakeGraph
	jobs   *fakeJobs
}

func newTestServer(t *testing.T, verifier *auth.Verifier) *testServer {
	t.Helper()

	ts := &testServer{
		engine: &fakeEngine{},
		graph: &fakeGraph{links: map[int64][]db.Link{
			1: {{LinkID: 5, PoolID: 10, OwnerItemID: 1, LinkedItemID: 2, Score: 95.31}},
		}},
		jobs: &fakeJobs{},
	}
	ts.server = NewServer(Deps{
		Engine:  ts.engine,
		Graph:   ts.graph,
		Jobs:    ts.jobs,
		APIKeys: verifier,
	}, zerolog.Nop(), Options{})
	return ts
}

func (ts *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) jsendResponse {
	t.Helper()

	var resp jsendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Status != "success" {
		t.Fatalf("unexpected jsend status: %q", resp.Status)
	}
}

func TestCheckValidatesBodyAgainstSchema(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	cases := []string{
		`{}`,
		`{"inputs": []}`,
		`{"inputs": ["a"], "rendition": "huge"}`,
		`{"inputs": ["a"], "min_score": 101}`,
		`{"inputs": ["a"], "surprise": true}`,
		`{"inputs": ["a"]} {"inputs": ["b"]}`,
	}
	for _, body := range cases {
		rec := ts.do(http.MethodPost, "/api/v1/check", body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rec.Code)
		}
		if resp := decodeResponse(t, rec); resp.Status != "fail" {
			t.Fatalf("%s: expected fail status, got %q", body, resp.Status)
		}
	}
	if len(ts.engine.checkReqs) != 0 {
		t.Fatalf("did not expect the engine to be called")
	}
}

func TestCheckReturnsResults(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodPost, "/api/v1/check", `{"inputs": ["https://cdn.test/a.jpg", "item:4"], "min_score": 92.5, "rendition": "original", "limit": 5}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Results []similarity.CheckResult `json:"results"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data.Results) != 2 || resp.Data.Results[1].Input != "item:4" {
		t.Fatalf("unexpected results: %+v", resp.Data.Results)
	}
	got := ts.engine.checkReqs[0]
	if got.MinScore != 92.5 || got.Rendition != "original" || got.Limit != 5 {
		t.Fatalf("request not forwarded: %+v", got)
	}
}

func TestGenerateEnqueuesJob(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodPost, "/api/v1/generate", `{"item_ids": [3, 1, 3], "force": true}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body %s", rec.Code, rec.Body.String())
	}
	if len(ts.jobs.enqueued) != 1 {
		t.Fatalf("expected one job, got %d", len(ts.jobs.enqueued))
	}
	var args similarity.GenerateArgs
	if err := json.Unmarshal(ts.jobs.enqueued[0], &args); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if len(args.ItemIDs) != 2 || !args.Force {
		t.Fatalf("unexpected job args: %+v", args)
	}

	if rec := ts.do(http.MethodPost, "/api/v1/generate", `{"item_ids": [0]}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid id, got %d", rec.Code)
	}

	ts.jobs.err = work.ErrQueueFull
	if rec := ts.do(http.MethodPost, "/api/v1/generate", `{"item_ids": [1]}`, nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when queue is full, got %d", rec.Code)
	}
}

func TestJobStatus(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	if rec := ts.do(http.MethodGet, "/api/v1/jobs/job-1", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/api/v1/jobs/other", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRegenerateMapsErrors(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	ts.engine.regenerateFn = func(itemID int64) (similarity.ItemResult, error) {
		switch itemID {
		case 404:
			return similarity.ItemResult{}, fmt.Errorf("%w: %d", similarity.ErrItemNotFound, itemID)
		case 422:
			return similarity.ItemResult{}, fmt.Errorf("rendition original: %w", media.ErrNotImage)
		case 500:
			return similarity.ItemResult{}, errors.New("disk on fire")
		}
		return similarity.ItemResult{ItemID: itemID, Stage: similarity.StageMatched}, nil
	}

	cases := map[string]int{
		"/api/v1/items/7/regenerate":   http.StatusOK,
		"/api/v1/items/abc/regenerate": http.StatusBadRequest,
		"/api/v1/items/404/regenerate": http.StatusNotFound,
		"/api/v1/items/422/regenerate": http.StatusUnprocessableEntity,
		"/api/v1/items/500/regenerate": http.StatusInternalServerError,
	}
	for path, want := range cases {
		if rec := ts.do(http.MethodPost, path, "", nil); rec.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, rec.Code)
		}
	}
}

func TestItemPoolAndDeleteLink(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/v1/items/1/pool", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"linked_item_id":2`) {
		t.Fatalf("expected link in response, got %s", rec.Body.String())
	}
	if rec := ts.do(http.MethodGet, "/api/v1/items/2/pool", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing pool, got %d", rec.Code)
	}

	if rec := ts.do(http.MethodDelete, "/api/v1/links/5", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("unexpected delete status: %d", rec.Code)
	}
	if rec := ts.do(http.MethodDelete, "/api/v1/links/6", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown link, got %d", rec.Code)
	}
	if len(ts.graph.deleted) != 1 {
		t.Fatalf("expected a single paired deletion, got %v", ts.graph.deleted)
	}
}

func TestAPIKeyRequiredWhenConfigured(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("k3y"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	verifier, err := auth.NewVerifier(string(hash))
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	ts := newTestServer(t, verifier)

	if rec := ts.do(http.MethodGet, "/api/v1/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health should stay open, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/api/v1/items/1/pool", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/api/v1/items/1/pool", "", map[string]string{apiKeyHeader: "nope"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/api/v1/items/1/pool", "", map[string]string{apiKeyHeader: "k3y"}); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}
}

func TestUnknownRouteUsesJSend(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodGet, "/api/v1/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Status != "fail" {
		t.Fatalf("expected jsend fail, got %q", resp.Status)
	}
}

func TestNewServerDefaults(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{}, zerolog.Nop(), Options{})
	if server.opts.Port != 8090 || server.opts.Host != "0.0.0.0" {
		t.Fatalf("unexpected defaults: %+v", server.opts)
	}
	if server.opts.MaxBodyBytes != 1<<20 || len(server.opts.CORSAllowedOrigins) != 1 {
		t.Fatalf("unexpected body/cors defaults: %+v", server.opts)
	}
	if err := server.Start(context.Background()); err == nil {
		t.Fatalf("expected start without dependencies to fail")
	}
}
