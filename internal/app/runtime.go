package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/similarity/internal/cli"
	"horse.fit/similarity/internal/config"
	"horse.fit/similarity/internal/db"
	"horse.fit/similarity/internal/graph"
	"horse.fit/similarity/internal/logging"
	"horse.fit/similarity/internal/media"
	"horse.fit/similarity/internal/similarity"
	"horse.fit/similarity/internal/work"
)

const recountQueueSize = 1024

// engine bundles everything a generation or check command needs.
type engine struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *db.Pool
	graph   *graph.Store
	media   *media.Cache
	service *similarity.Service
}

func loadConfig(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// openEngine connects to the database and starts the recount workers. The
// caller must call close, which waits for scheduled recounts.
func openEngine(ctx context.Context, envLoader *cli.EnvLoader, connectTimeout time.Duration) (*engine, error) {
	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		return nil, err
	}

	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	dbCtx, dbCancel := context.WithTimeout(ctx, connectTimeout)
	defer dbCancel()

	pool, err := db.NewPool(dbCtx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("database connection failed")
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	cache, err := media.NewCache(media.Options{
		Dir:       cfg.MediaCacheDir,
		TTL:       cfg.MediaCacheTTL,
		MaxBytes:  cfg.MediaMaxBytes,
		Timeout:   cfg.MediaFetchTimeout,
		UserAgent: cfg.MediaUserAgent,
	}, logger)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	store := graph.NewStore(pool, work.NewPool("recount", cfg.RecountWorkers, recountQueueSize, logger), logger)
	store.Start(context.Background())

	service, err := similarity.NewService(similarity.Deps{
		Fingerprints: pool,
		Graph:        store,
		Items:        pool,
		Media:        cache,
		Logger:       logger,
	}, similarity.Options{
		Layout:                cfg.Layout(),
		Algorithm:             cfg.Algorithm(),
		MinScore:              cfg.MinScore,
		DedupScore:            cfg.DedupScore,
		RatioTolerance:        cfg.RatioTolerance,
		Pattern:               cfg.BucketPattern,
		GenerationConcurrency: cfg.GenerationConcurrency,
		CheckConcurrency:      cfg.CheckConcurrency,
	})
	if err != nil {
		store.Stop()
		_ = pool.Close()
		return nil, err
	}

	return &engine{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		graph:   store,
		media:   cache,
		service: service,
	}, nil
}

func (e *engine) close() {
	e.graph.Stop()
	if err := e.pool.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("close database failed")
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
