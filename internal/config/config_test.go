package config

import (
	"strings"
	"testing"
	"time"

	"horse.fit/similarity/internal/fingerprint"
)

func validConfig() Config {
	return Config{
		Environment:           "local",
		LogLevel:              "info",
		DatabaseURL:           "similarity.db",
		DBMinConns:            1,
		DBMaxConns:            8,
		HashGridSize:          16,
		HashCharsPerChunk:     4,
		HashAlgorithm:         "wavelet",
		MinScore:              90,
		DedupScore:            90,
		RatioTolerance:        0.01,
		BucketPattern:         "cross2",
		GenerationConcurrency: 1,
		CheckConcurrency:      1,
		RecountWorkers:        5,
		JobWorkers:            2,
		MediaCacheTTL:         time.Hour,
		MediaMaxBytes:         1024,
		MediaFetchTimeout:     time.Second,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if cfg.Layout() != fingerprint.DefaultLayout {
		t.Fatalf("unexpected layout: %s", cfg.Layout())
	}
	if cfg.Algorithm() != fingerprint.AlgorithmWavelet {
		t.Fatalf("unexpected algorithm: %s", cfg.Algorithm())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "missing database", mutate: func(c *Config) { c.DatabaseURL = " " }, want: "DATABASE_URL"},
		{name: "conns", mutate: func(c *Config) { c.DBMinConns = 9 }, want: "DB_MIN_CONNS"},
		{name: "algorithm", mutate: func(c *Config) { c.HashAlgorithm = "md5" }, want: "HASH_ALGORITHM"},
		{name: "grid", mutate: func(c *Config) { c.HashGridSize = 12 }, want: "HASH_GRID_SIZE"},
		{name: "pattern", mutate: func(c *Config) { c.BucketPattern = "spiral" }, want: "SIMILARITY_BUCKET_PATTERN"},
		{name: "score", mutate: func(c *Config) { c.MinScore = 101 }, want: "SIMILARITY_MIN_SCORE"},
		{name: "tolerance", mutate: func(c *Config) { c.RatioTolerance = 1 }, want: "SIMILARITY_RATIO_TOLERANCE"},
		{name: "recount", mutate: func(c *Config) { c.RecountWorkers = 0 }, want: "RECOUNT_WORKERS"},
		{name: "timeout", mutate: func(c *Config) { c.MediaFetchTimeout = 0 }, want: "MEDIA_FETCH_TIMEOUT"},
	}

	for _, tc := range cases {
		cfg := validConfig()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error mentioning %s, got %v", tc.name, tc.want, err)
		}
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "file.db")
	t.Setenv("HASH_ALGORITHM", "perception")
	t.Setenv("MEDIA_CACHE_DIR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Algorithm() != fingerprint.AlgorithmPerception {
		t.Fatalf("unexpected algorithm: %s", cfg.Algorithm())
	}
	if cfg.MediaCacheDir == "" {
		t.Fatalf("expected default media cache dir")
	}
	if cfg.RecountWorkers != 5 || cfg.MinScore != 90 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestCORSAllowedOriginsList(t *testing.T) {
	t.Parallel()

	cfg := &Config{CORSAllowedOrigins: " https://a.test, ,https://b.test,https://a.test "}
	got := cfg.CORSAllowedOriginsList()
	if len(got) != 2 || got[0] != "https://a.test" || got[1] != "https://b.test" {
		t.Fatalf("unexpected origins: %v", got)
	}
}
