package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for x := 0; x < 8; x++ {
		img.Set(x, 1, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()

	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	cache, err := NewCache(opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return cache
}

func TestFetchOrCacheDownloadsOnce(t *testing.T) {
	t.Parallel()

	body := pngBytes(t)
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("unexpected user agent: %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cache := newTestCache(t, Options{UserAgent: "test-agent"})
	ctx := context.Background()

	first, err := cache.FetchOrCache(ctx, srv.URL+"/a.png")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	second, err := cache.FetchOrCache(ctx, srv.URL+"/a.png")
	if err != nil {
		t.Fatalf("fetch cached: %v", err)
	}
	if first != second {
		t.Fatalf("expected same cache path, got %s and %s", first, second)
	}
	if filepath.Ext(first) != ".png" {
		t.Fatalf("expected extension to be kept, got %s", first)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single download, got %d", hits.Load())
	}

	img, format, err := DecodeFile(first)
	if err != nil {
		t.Fatalf("decode cached file: %v", err)
	}
	if format != "png" || img.Bounds().Dx() != 8 {
		t.Fatalf("unexpected decoded image: %s %v", format, img.Bounds())
	}
}

func TestFetchOrCacheRejectsBadResponses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/text":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html></html>"))
		case "/big":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(make([]byte, 2048))
		}
	}))
	defer srv.Close()

	cache := newTestCache(t, Options{MaxBytes: 1024})
	ctx := context.Background()

	cases := map[string]error{
		"/missing": ErrFetchStatus,
		"/text":    ErrNotImage,
		"/big":     ErrTooLarge,
	}
	for p, want := range cases {
		if _, err := cache.FetchOrCache(ctx, srv.URL+p); !errors.Is(err, want) {
			t.Fatalf("%s: expected %v, got %v", p, want, err)
		}
	}
}

func TestFetchOrCacheSniffsOctetStream(t *testing.T) {
	t.Parallel()

	body := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cache := newTestCache(t, Options{})
	if _, err := cache.FetchOrCache(context.Background(), srv.URL+"/blob"); err != nil {
		t.Fatalf("expected sniffed png to be accepted: %v", err)
	}
}

func TestFetchOrCacheLocalPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "local.png")
	if err := os.WriteFile(file, pngBytes(t), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	cache := newTestCache(t, Options{})
	ctx := context.Background()

	got, err := cache.FetchOrCache(ctx, file)
	if err != nil || got != file {
		t.Fatalf("unexpected local result: %s %v", got, err)
	}
	got, err = cache.FetchOrCache(ctx, "file://"+file)
	if err != nil || got != file {
		t.Fatalf("unexpected file url result: %s %v", got, err)
	}
	if _, err := cache.FetchOrCache(ctx, filepath.Join(dir, "nope.png")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := cache.FetchOrCache(ctx, "ftp://example.com/a.png"); !errors.Is(err, ErrUnsupportedURL) {
		t.Fatalf("expected ErrUnsupportedURL, got %v", err)
	}
}

func TestPruneExpired(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, Options{TTL: time.Hour})
	old := filepath.Join(cache.Dir(), "old.png")
	recent := filepath.Join(cache.Dir(), "recent.png")
	for _, p := range []string{old, recent} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := cache.PruneExpired()
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one expired entry, got %d", removed)
	}
	if _, err := os.Stat(recent); err != nil {
		t.Fatalf("expected recent entry to remain: %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, _, err := Decode(bytes.NewReader([]byte("definitely not an image"))); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if _, _, err := DecodeFile(filepath.Join(t.TempDir(), "missing.png")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
