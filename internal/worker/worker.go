// SPDX-License-Identifier: MIT

// Package worker drains the transcode job registry with a single background
// actor. Correctness does not depend on there being exactly one worker; the
// per-output lock in the transcode engine serializes runs for a source.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbachner/fitvault/internal/jobstore"
	"github.com/mbachner/fitvault/internal/log"
	"github.com/mbachner/fitvault/internal/transcode"
	"github.com/rs/zerolog"
)

// pollInterval bounds how long a wake signal can be missed.
const pollInterval = time.Second

// Transcoder executes one transcode run.
type Transcoder interface {
	Transcode(ctx context.Context, srcAbs, dstAbs string) error
}

// Worker claims pending jobs and executes them.
type Worker struct {
	jobs   *jobstore.Store
	engine Transcoder
	wake   chan struct{}
	done   chan struct{}
	logger zerolog.Logger
}

// New returns a Worker. Call Start to begin processing.
func New(jobs *jobstore.Store, engine Transcoder) *Worker {
	return &Worker{
		jobs:   jobs,
		engine: engine,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: log.WithComponent("worker"),
	}
}

// Wake nudges the worker without blocking; a full channel means a wakeup is
// already queued.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start launches the worker loop. It exits when ctx is cancelled, finishing
// or aborting (via the engine's timeout) the job in flight.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		w.logger.Info().Msg("worker started")
		for {
			if ctx.Err() != nil {
				w.logger.Info().Msg("worker stopped")
				return
			}
			job, err := w.jobs.ClaimNext(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Error().Err(err).Msg("failed to claim job")
				job = nil
			}
			if job == nil {
				select {
				case <-ctx.Done():
					w.logger.Info().Msg("worker stopped")
					return
				case <-w.wake:
				case <-time.After(pollInterval):
				}
				continue
			}
			w.process(ctx, job)
		}
	}()
}

// Join waits for the worker loop to exit, up to timeout.
func (w *Worker) Join(timeout time.Duration) bool {
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// process runs one claimed job. Failures of any kind, including panics from
// the engine, are recorded in the registry; the worker never dies from a
// single bad input.
func (w *Worker) process(ctx context.Context, job *jobstore.Job) {
	logger := w.logger.With().Str("job", job.ID).Str("input", job.InputPath).Logger()
	logger.Info().Msg("starting transcode job")

	err := w.runSafely(ctx, job)
	if errors.Is(err, transcode.ErrAlreadyInProgress) {
		// Another owner in this process (the pre-warm endpoint) is producing
		// the same output and will record the outcome itself. Deferring is
		// only safe for in-process owners; on-disk lock contention has no
		// owner here and falls through to a recorded failure, otherwise the
		// job would stay processing forever.
		logger.Info().Msg("output owned by concurrent transcode, deferring outcome")
		return
	}

	finishCtx := ctx
	if finishCtx.Err() != nil {
		// Shutdown mid-job: still record the outcome.
		var cancel context.CancelFunc
		finishCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if err != nil {
		logger.Error().Err(err).Msg("transcode job failed")
		if ferr := w.jobs.Finish(finishCtx, job.ID, false, err.Error()); ferr != nil {
			logger.Error().Err(ferr).Msg("failed to record job failure")
		}
		return
	}
	logger.Info().Msg("transcode job complete")
	if ferr := w.jobs.Finish(finishCtx, job.ID, true, ""); ferr != nil {
		logger.Error().Err(ferr).Msg("failed to record job completion")
	}
}

func (w *Worker) runSafely(ctx context.Context, job *jobstore.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.engine.Transcode(ctx, job.InputPath, job.OutputPath)
}
