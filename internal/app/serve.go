package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/similarity/internal/auth"
	"horse.fit/similarity/internal/cli"
	"horse.fit/similarity/internal/httpapi"
	"horse.fit/similarity/internal/jobs"
	"horse.fit/similarity/internal/media"
	"horse.fit/similarity/internal/work"
)

const jobQueueSize = 256

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	host := fs.String("host", "0.0.0.0", "Host interface to bind")
	port := fs.Int("port", 8090, "HTTP port")
	readTimeout := fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 2*time.Minute, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	maxBody := fs.Int64("max-body-bytes", 1<<20, "Maximum request body size in bytes")
	pruneEvery := fs.Duration("media-prune-interval", time.Hour, "How often expired media cache entries are removed (0 disables)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "serve does not accept positional arguments")
		return 2
	}
	if *port <= 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}
	if *pruneEvery < 0 {
		fmt.Fprintln(os.Stderr, "--media-prune-interval must be >= 0")
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	eng, err := openEngine(ctx, envLoader, 10*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer eng.close()
	logger := eng.logger

	var verifier *auth.Verifier
	if hash := strings.TrimSpace(eng.cfg.APIKeyHash); hash != "" {
		verifier, err = auth.NewVerifier(hash)
		if err != nil {
			logger.Error().Err(err).Msg("invalid API_KEY_HASH")
			fmt.Fprintf(os.Stderr, "Invalid API_KEY_HASH: %v\n", err)
			return 1
		}
	} else {
		logger.Warn().Msg("API_KEY_HASH is not set; the API accepts unauthenticated requests")
	}

	queue := jobs.NewQueue(work.NewPool("jobs", eng.cfg.JobWorkers, jobQueueSize, logger), logger)
	if err := eng.service.RegisterJobs(queue); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to register jobs: %v\n", err)
		return 1
	}
	queue.Start(ctx)
	defer queue.Stop()

	if *pruneEvery > 0 {
		go pruneMediaLoop(ctx, eng.media, *pruneEvery, logger)
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Engine:  eng.service,
		Graph:   eng.graph,
		Jobs:    queue,
		DB:      eng.pool,
		APIKeys: verifier,
	}, logger, httpapi.Options{
		Host:               *host,
		Port:               *port,
		ReadTimeout:        *readTimeout,
		WriteTimeout:       *writeTimeout,
		ShutdownTimeout:    *shutdownTimeout,
		CORSAllowedOrigins: eng.cfg.CORSAllowedOriginsList(),
		MaxBodyBytes:       *maxBody,
	})

	if err := srv.Start(ctx); err != nil {
		logger.Error().Err(err).Str("host", *host).Int("port", *port).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}

	return 0
}

func pruneMediaLoop(ctx context.Context, cache *media.Cache, every time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := cache.PruneExpired()
			if err != nil {
				logger.Warn().Err(err).Str("dir", cache.Dir()).Msg("media cache prune failed")
				continue
			}
			if removed > 0 {
				logger.Info().Int("removed", removed).Msg("expired media pruned")
			}
		}
	}
}
