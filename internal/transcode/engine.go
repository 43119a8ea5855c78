// SPDX-License-Identifier: MIT

// Package transcode runs ffmpeg to materialize browser-playable MP4 cache
// entries. Output appears atomically: ffmpeg writes to a .tmp sibling which
// is renamed into place only on success, so readers never observe a partial
// .mp4. At most one run per output is active at a time, enforced by a
// process-local in-flight set plus an on-disk .lock file.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/mbachner/fitvault/internal/log"
	"github.com/mbachner/fitvault/internal/metrics"
	"github.com/mbachner/fitvault/internal/vidcache"
	"github.com/rs/zerolog"
)

// ErrAlreadyInProgress signals that another caller in this process is
// transcoding the same source and will record the outcome itself. The HTTP
// layer maps it to 202.
var ErrAlreadyInProgress = errors.New("transcode already in progress")

// ErrOutputLocked signals fresh .lock or .tmp artifacts on disk with no owner
// in this process. The writer may be another process, or the artifacts may be
// leftovers of a recent crash that have not aged past the stale cutoff yet.
// Nobody in this process will record an outcome for the job.
var ErrOutputLocked = errors.New("transcode output locked on disk")

// Engine shells out to ffmpeg and commits results into the cache store.
type Engine struct {
	bin     string
	timeout time.Duration
	store   *vidcache.Store

	mu       sync.Mutex
	inFlight map[string]struct{} // keyed by output path

	logger zerolog.Logger
}

// New returns an Engine writing into store's cache directory.
func New(bin string, timeout time.Duration, store *vidcache.Store) *Engine {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Engine{
		bin:      bin,
		timeout:  timeout,
		store:    store,
		inFlight: make(map[string]struct{}),
		logger:   log.WithComponent("transcode"),
	}
}

// Available reports whether the ffmpeg binary can be found.
func (e *Engine) Available() bool {
	_, err := exec.LookPath(e.bin)
	return err == nil
}

// InProgress reports whether a transcode for the given output is active,
// either in this process or (via the .tmp sibling) in another one.
func (e *Engine) InProgress(dstAbs string) bool {
	e.mu.Lock()
	_, local := e.inFlight[dstAbs]
	e.mu.Unlock()
	if local {
		return true
	}
	if age, ok := fileAge(dstAbs + ".tmp"); ok && age <= e.timeout {
		return true
	}
	return false
}

// Transcode converts srcAbs into a faststart H.264/AAC MP4 at dstAbs.
// Returns ErrAlreadyInProgress when a run in this process owns the output and
// ErrOutputLocked when only on-disk artifacts claim it.
func (e *Engine) Transcode(ctx context.Context, srcAbs, dstAbs string) error {
	e.mu.Lock()
	if _, busy := e.inFlight[dstAbs]; busy {
		e.mu.Unlock()
		return ErrAlreadyInProgress
	}
	e.inFlight[dstAbs] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, dstAbs)
		e.mu.Unlock()
	}()

	// Idempotent on completed outputs: a job claimed after the entry was
	// already materialized (pre-warm endpoint, crash recovery) is a no-op.
	if _, err := os.Stat(dstAbs); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dstAbs), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	lk, state, err := acquire(dstAbs, e.timeout)
	if err != nil {
		return err
	}
	if state == AcquireInProgress {
		return ErrOutputLocked
	}
	defer lk.release()
	if state == AcquireStale {
		e.logger.Warn().Str("dst", dstAbs).Msg("cleared stale transcode artifacts, restarting")
	}

	// Budgets are enforced before new entries are written, never after the
	// fact against a file we just produced.
	e.store.Evict()

	tmpPath := dstAbs + ".tmp"
	args := []string{
		"-i", srcAbs,
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-c:a", "aac", "-b:a", "192k",
		"-movflags", "+faststart",
		"-f", "mp4",
		"-y",
		tmpPath,
	}

	logger := e.logger.With().Str("src", srcAbs).Str("dst", dstAbs).Logger()
	logger.Info().Msg("starting transcode")
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	stderr, exitCode, runErr := runFFmpegWithProgress(runCtx, e.bin, args, progressWatchConfig{
		startupGrace: 30 * time.Second,
		stallTimeout: 5 * time.Minute,
		tick:         5 * time.Second,
	}, logger)

	if runErr != nil {
		_ = os.Remove(tmpPath)
		metrics.IncTranscode("failure")
		logger.Error().
			Err(runErr).
			Int("exit_code", exitCode).
			Str("stderr", truncate(stderr, 2000)).
			Msg("transcode failed")
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("transcode timed out after %s", e.timeout)
		}
		return fmt.Errorf("ffmpeg exited with code %d: %w", exitCode, runErr)
	}

	if err := os.Rename(tmpPath, dstAbs); err != nil {
		_ = os.Remove(tmpPath)
		metrics.IncTranscode("failure")
		return fmt.Errorf("commit cache entry: %w", err)
	}
	if err := e.store.Record(dstAbs, srcAbs); err != nil {
		logger.Warn().Err(err).Msg("failed to record cache metadata")
	}

	metrics.IncTranscode("success")
	metrics.ObserveTranscodeDuration(time.Since(start))
	logger.Info().Dur("elapsed", time.Since(start)).Msg("transcode complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
