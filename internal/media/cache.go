// Package media resolves media URLs to local files and decodes them.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"horse.fit/similarity/internal/globaltime"
)

var (
	ErrNotFound       = errors.New("media not found")
	ErrNotImage       = errors.New("media is not an image")
	ErrTooLarge       = errors.New("media exceeds size limit")
	ErrFetchStatus    = errors.New("unexpected media response status")
	ErrUnsupportedURL = errors.New("unsupported media url")
)

const (
	defaultTTL       = 24 * time.Hour
	defaultMaxBytes  = 50 << 20
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "similarity-media-cache/1.0"
	sniffLength      = 512
)

type Options struct {
	Dir       string
	TTL       time.Duration
	MaxBytes  int64
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client
}

// Cache downloads remote media into a directory and serves it from there
// until the entry is older than the TTL.
type Cache struct {
	opts   Options
	client *http.Client
	logger zerolog.Logger
	group  singleflight.Group
}

func NewCache(opts Options, logger zerolog.Logger) (*Cache, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("media cache dir is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media cache dir: %w", err)
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	return &Cache{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "media").Logger(),
	}, nil
}

// FetchOrCache returns a local path for rawURL. Local paths and file:// URLs
// are returned as-is once they are known to exist; http(s) URLs are served
// from the cache or downloaded into it.
func (c *Cache) FetchOrCache(ctx context.Context, rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty url", ErrUnsupportedURL)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "":
		return localPath(trimmed)
	case "file":
		return localPath(u.Path)
	case "http", "https":
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}

	target := c.pathFor(u)
	if c.fresh(target) {
		return target, nil
	}

	v, err, _ := c.group.Do(target, func() (any, error) {
		if c.fresh(target) {
			return target, nil
		}
		if err := c.download(ctx, trimmed, target); err != nil {
			return "", err
		}
		return target, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// PruneExpired removes cache entries older than the TTL.
func (c *Cache) PruneExpired() (int, error) {
	entries, err := os.ReadDir(c.opts.Dir)
	if err != nil {
		return 0, fmt.Errorf("read media cache dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if globaltime.Since(info.ModTime()) <= c.opts.TTL {
			continue
		}
		if err := os.Remove(filepath.Join(c.opts.Dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("remove %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

func (c *Cache) Dir() string {
	return c.opts.Dir
}

func (c *Cache) pathFor(u *url.URL) string {
	sum := sha256.Sum256([]byte(u.String()))
	name := hex.EncodeToString(sum[:])
	if ext := strings.ToLower(path.Ext(u.Path)); len(ext) > 1 && len(ext) <= 6 {
		name += ext
	}
	return filepath.Join(c.opts.Dir, name)
}

func (c *Cache) fresh(target string) bool {
	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		return false
	}
	return globaltime.Since(info.ModTime()) <= c.opts.TTL
}

func (c *Cache) download(ctx context.Context, rawURL, target string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrFetchStatus, rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBytes+1))
	if err != nil {
		return fmt.Errorf("read %s: %w", rawURL, err)
	}
	if int64(len(data)) > c.opts.MaxBytes {
		return fmt.Errorf("%w: %s is larger than %d bytes", ErrTooLarge, rawURL, c.opts.MaxBytes)
	}

	ct := mediaType(resp.Header.Get("Content-Type"))
	if ct == "" || ct == "application/octet-stream" {
		ct = mediaType(http.DetectContentType(data[:min(len(data), sniffLength)]))
	}
	if !strings.HasPrefix(ct, "image/") {
		return fmt.Errorf("%w: %s has content type %q", ErrNotImage, rawURL, ct)
	}

	tmp, err := os.CreateTemp(c.opts.Dir, ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store %s: %w", rawURL, err)
	}

	c.logger.Debug().Str("url", rawURL).Int("bytes", len(data)).Str("content_type", ct).Msg("media cached")
	return nil
}

func mediaType(contentType string) string {
	ct := contentType
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func localPath(p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return "", fmt.Errorf("stat %s: %w", p, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrNotFound, p)
	}
	return p, nil
}
