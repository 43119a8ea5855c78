// SPDX-License-Identifier: MIT

// Command fitvault serves a personal video library over HTTP, transcoding
// non-H.264 sources into a bounded on-disk MP4 cache on first request.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbachner/fitvault/internal/api"
	"github.com/mbachner/fitvault/internal/config"
	"github.com/mbachner/fitvault/internal/jobstore"
	"github.com/mbachner/fitvault/internal/library"
	fvlog "github.com/mbachner/fitvault/internal/log"
	"github.com/mbachner/fitvault/internal/mediaprobe"
	"github.com/mbachner/fitvault/internal/transcode"
	"github.com/mbachner/fitvault/internal/vidcache"
	"github.com/mbachner/fitvault/internal/worker"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

// evictInterval is how often cache budgets are enforced in the background,
// independent of transcode activity.
const evictInterval = time.Hour

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Level and service fall back to LOG_LEVEL / LOG_SERVICE inside Configure.
	fvlog.Configure(fvlog.Config{Service: "fitvault"})
	logger := fvlog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger.Info().
		Str("version", version).
		Str("media_root", cfg.MediaRoot).
		Str("cache_dir", cfg.CacheDir).
		Int64("cache_size_limit", cfg.CacheSizeLimit).
		Msg("starting fitvault")

	prober := mediaprobe.New(cfg.FFprobeBin)
	if !prober.Available() {
		logger.Warn().Str("bin", cfg.FFprobeBin).Msg("ffprobe not found, codec detection disabled")
	}

	cache, err := vidcache.NewStore(cfg.CacheDir, cfg.CacheSizeLimit, cfg.CacheTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open cache store")
	}
	cache.Evict()

	jobs, err := jobstore.Open(cfg.JobDBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open job registry")
	}
	defer func() {
		if err := jobs.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close job registry")
		}
	}()

	if n, err := jobs.ResetStuck(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to reset stuck jobs")
	} else if n > 0 {
		logger.Info().Int64("count", n).Msg("reset jobs stuck in processing")
	}

	engine := transcode.New(cfg.FFmpegBin, cfg.TranscodeTimeout, cache)
	if !engine.Available() {
		logger.Warn().Str("bin", cfg.FFmpegBin).Msg("ffmpeg not found, transcoding disabled")
	}

	lib, err := library.Load(cfg.VideoIndexPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.VideoIndexPath).Msg("failed to load video index")
	}
	if len(lib.Videos) > 0 {
		logger.Info().Int("videos", len(lib.Videos)).Msg("loaded video index")
	}

	wrk := worker.New(jobs, engine)
	wrk.Start(ctx)

	server := api.New(cfg, cache, jobs, prober, engine, wrk, lib)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: range streams legitimately run for hours.
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(evictInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				cache.Evict()
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
	}

	if !wrk.Join(30 * time.Second) {
		logger.Warn().Msg("worker did not stop in time")
	}
	logger.Info().Msg("shutdown complete")
}
