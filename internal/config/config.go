package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"horse.fit/similarity/internal/bucket"
	"horse.fit/similarity/internal/fingerprint"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"8"`

	HashGridSize      int    `envconfig:"HASH_GRID_SIZE" default:"16"`
	HashCharsPerChunk int    `envconfig:"HASH_CHARS_PER_CHUNK" default:"4"`
	HashAlgorithm     string `envconfig:"HASH_ALGORITHM" default:"wavelet"`

	MinScore       float64 `envconfig:"SIMILARITY_MIN_SCORE" default:"90"`
	DedupScore     float64 `envconfig:"SIMILARITY_DEDUP_SCORE" default:"90"`
	RatioTolerance float64 `envconfig:"SIMILARITY_RATIO_TOLERANCE" default:"0.01"`
	BucketPattern  string  `envconfig:"SIMILARITY_BUCKET_PATTERN" default:"cross2"`

	GenerationConcurrency int `envconfig:"GENERATION_CONCURRENCY" default:"1"`
	CheckConcurrency      int `envconfig:"CHECK_CONCURRENCY" default:"1"`
	RecountWorkers        int `envconfig:"RECOUNT_WORKERS" default:"5"`
	JobWorkers            int `envconfig:"JOB_WORKERS" default:"2"`

	MediaCacheDir     string        `envconfig:"MEDIA_CACHE_DIR" default:""`
	MediaCacheTTL     time.Duration `envconfig:"MEDIA_CACHE_TTL" default:"24h"`
	MediaMaxBytes     int64         `envconfig:"MEDIA_MAX_BYTES" default:"52428800"`
	MediaFetchTimeout time.Duration `envconfig:"MEDIA_FETCH_TIMEOUT" default:"30s"`
	MediaUserAgent    string        `envconfig:"MEDIA_USER_AGENT" default:"similarity-media-cache/1.0"`

	APIKeyHash         string `envconfig:"API_KEY_HASH" default:""`
	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.MediaCacheDir) == "" {
		cfg.MediaCacheDir = filepath.Join(os.TempDir(), "similarity-media")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	algo, err := fingerprint.ParseAlgorithm(c.HashAlgorithm)
	if err != nil {
		return fmt.Errorf("HASH_ALGORITHM: %w", err)
	}
	if err := c.Layout().ValidateFor(algo); err != nil {
		return fmt.Errorf("HASH_GRID_SIZE/HASH_CHARS_PER_CHUNK: %w", err)
	}
	if _, err := bucket.Lookup(c.BucketPattern); err != nil {
		return fmt.Errorf("SIMILARITY_BUCKET_PATTERN: %w", err)
	}

	if c.MinScore < 0 || c.MinScore > 100 {
		return fmt.Errorf("SIMILARITY_MIN_SCORE must be between 0 and 100")
	}
	if c.DedupScore < 0 || c.DedupScore > 100 {
		return fmt.Errorf("SIMILARITY_DEDUP_SCORE must be between 0 and 100")
	}
	if c.RatioTolerance < 0 || c.RatioTolerance >= 1 {
		return fmt.Errorf("SIMILARITY_RATIO_TOLERANCE must be in [0, 1)")
	}

	if c.GenerationConcurrency < 1 {
		return fmt.Errorf("GENERATION_CONCURRENCY must be >= 1")
	}
	if c.CheckConcurrency < 1 {
		return fmt.Errorf("CHECK_CONCURRENCY must be >= 1")
	}
	if c.RecountWorkers < 1 {
		return fmt.Errorf("RECOUNT_WORKERS must be >= 1")
	}
	if c.JobWorkers < 1 {
		return fmt.Errorf("JOB_WORKERS must be >= 1")
	}

	if c.MediaMaxBytes < 1 {
		return fmt.Errorf("MEDIA_MAX_BYTES must be >= 1")
	}
	if c.MediaFetchTimeout <= 0 {
		return fmt.Errorf("MEDIA_FETCH_TIMEOUT must be > 0")
	}
	if c.MediaCacheTTL < 0 {
		return fmt.Errorf("MEDIA_CACHE_TTL must be >= 0")
	}
	return nil
}

func (c *Config) Layout() fingerprint.Layout {
	return fingerprint.Layout{
		GridSize:      c.HashGridSize,
		CharsPerChunk: c.HashCharsPerChunk,
	}
}

// Algorithm returns the configured hash algorithm; Validate has already
// rejected unknown values.
func (c *Config) Algorithm() fingerprint.Algorithm {
	algo, _ := fingerprint.ParseAlgorithm(c.HashAlgorithm)
	return algo
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
