// SPDX-License-Identifier: MIT

package transcode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ffmpegProgress mirrors the key=value blocks ffmpeg emits on
// `-progress pipe:1`.
type ffmpegProgress struct {
	Frame     int
	OutTimeUs int64
	TotalSize int64
	Speed     string
}

func (p ffmpegProgress) hasAdvanced(prev ffmpegProgress) bool {
	return p.OutTimeUs > prev.OutTimeUs || p.TotalSize > prev.TotalSize || p.Frame > prev.Frame
}

type progressWatchConfig struct {
	startupGrace time.Duration
	stallTimeout time.Duration
	tick         time.Duration
}

// runFFmpegWithProgress executes ffmpeg with progress supervision: the child
// is killed when the context expires or when no progress is reported for
// longer than the stall timeout.
func runFFmpegWithProgress(
	ctx context.Context,
	bin string,
	args []string,
	cfg progressWatchConfig,
	logger zerolog.Logger,
) (stderr string, exitCode int, err error) {
	fullArgs := append([]string{"-nostdin", "-progress", "pipe:1"}, args...)
	// #nosec G204 -- bin is operator-configured, args are fixed encoder flags plus vetted paths
	cmd := exec.CommandContext(ctx, bin, fullArgs...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", 1, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return "", 1, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	progressCh := make(chan ffmpegProgress, 100)
	go func() {
		defer close(progressCh)
		parseFFmpegProgress(stdout, progressCh)
	}()

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	watchErr := watchFFmpegProgress(ctx, done, progressCh, cmd.Process, cfg, logger)

	stderr = stderrBuf.String()
	exitCode = 1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	return stderr, exitCode, watchErr
}

// watchFFmpegProgress monitors progress updates and kills ffmpeg on stall.
func watchFFmpegProgress(
	ctx context.Context,
	done <-chan error,
	progressCh <-chan ffmpegProgress,
	proc *os.Process,
	cfg progressWatchConfig,
	logger zerolog.Logger,
) error {
	start := time.Now()
	lastProgressAt := start
	var last ffmpegProgress

	ticker := time.NewTicker(cfg.tick)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err

		case <-ctx.Done():
			if proc != nil {
				_ = proc.Kill()
			}
			<-done
			return ctx.Err()

		case p, ok := <-progressCh:
			if !ok {
				continue
			}
			if p.hasAdvanced(last) {
				last = p
				lastProgressAt = time.Now()
			}

		case <-ticker.C:
			if time.Since(start) < cfg.startupGrace {
				continue
			}
			if time.Since(lastProgressAt) > cfg.stallTimeout {
				logger.Error().
					Dur("since_progress", time.Since(lastProgressAt)).
					Int64("last_out_time_us", last.OutTimeUs).
					Int64("last_total_size", last.TotalSize).
					Str("last_speed", last.Speed).
					Msg("transcode stalled - killing ffmpeg")
				if proc != nil {
					_ = proc.Kill()
				}
				<-done
				return fmt.Errorf("ffmpeg stalled: no progress for %v", cfg.stallTimeout)
			}
		}
	}
}

// parseFFmpegProgress reads key=value lines from r and flushes one update
// per "progress" key.
func parseFFmpegProgress(r io.Reader, ch chan<- ffmpegProgress) {
	scanner := bufio.NewScanner(r)
	var current ffmpegProgress

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)

		switch key {
		case "frame":
			if v, err := strconv.Atoi(val); err == nil {
				current.Frame = v
			}
		case "out_time_us":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				current.OutTimeUs = v
			}
		case "total_size":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				current.TotalSize = v
			}
		case "speed":
			current.Speed = val
		case "progress":
			ch <- current
		}
	}
}
