// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mbachner/fitvault/internal/jobstore"
	"github.com/mbachner/fitvault/internal/transcode"
	"github.com/mbachner/fitvault/internal/vidcache"
)

// transcodeStatusResponse describes where a source sits in the transcode
// pipeline. ready means a stream request would return bytes immediately.
type transcodeStatusResponse struct {
	Path             string        `json:"path"`
	Codec            string        `json:"codec,omitempty"`
	NeedsTranscoding bool          `json:"needs_transcoding"`
	CacheExists      bool          `json:"cache_exists"`
	InProgress       bool          `json:"transcoding_in_progress"`
	Ready            bool          `json:"ready"`
	Job              *jobstore.Job `json:"job,omitempty"`
}

// handleTranscodeStatus reports codec, cache and job state for one source.
func (s *Server) handleTranscodeStatus(w http.ResponseWriter, r *http.Request) {
	clientPath := chi.URLParam(r, "*")
	srcAbs, err := resolvePath(s.cfg.MediaRoot, clientPath)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}

	resp := transcodeStatusResponse{
		Path:             clientPath,
		Codec:            s.prober.Codec(r.Context(), srcAbs),
		NeedsTranscoding: s.prober.NeedsTranscoding(r.Context(), srcAbs),
	}

	dst := s.cache.PathFor(srcAbs)
	if !resp.NeedsTranscoding {
		resp.Ready = true
	} else {
		_, resp.CacheExists = s.cache.Lookup(srcAbs)
		resp.Ready = resp.CacheExists
		resp.InProgress = !resp.CacheExists && s.engine.InProgress(dst)
	}

	if job, err := s.jobs.Status(r.Context(), vidcache.JobIDFor(srcAbs)); err == nil {
		resp.Job = job
	}

	writeJSON(w, http.StatusOK, resp)
}

type triggerRequest struct {
	Path string `json:"path"`
}

// handleTriggerTranscode pre-warms the cache for one source, synchronously.
// The call blocks until the transcode finishes (or fails), so it is meant for
// scripted warm-up, not interactive use.
func (s *Server) handleTriggerTranscode(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "request body must be JSON with a non-empty path")
		return
	}

	srcAbs, err := resolvePath(s.cfg.MediaRoot, req.Path)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}

	if !s.prober.NeedsTranscoding(r.Context(), srcAbs) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "not_needed", "path": req.Path})
		return
	}
	if _, ok := s.cache.Lookup(srcAbs); ok {
		writeJSON(w, http.StatusOK, map[string]any{"status": "cached", "path": req.Path})
		return
	}
	if !s.engine.Available() {
		writeError(w, http.StatusServiceUnavailable, "transcoding unavailable: ffmpeg not installed")
		return
	}

	jobID := vidcache.JobIDFor(srcAbs)
	dst := s.cache.PathFor(srcAbs)
	if _, _, err := s.jobs.CreateOrGet(r.Context(), jobID, srcAbs, dst); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register transcode job")
		return
	}

	switch err := s.engine.Transcode(r.Context(), srcAbs, dst); {
	case errors.Is(err, transcode.ErrAlreadyInProgress), errors.Is(err, transcode.ErrOutputLocked):
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "in_progress", "path": req.Path})
	case err != nil:
		if ferr := s.jobs.Finish(r.Context(), jobID, false, err.Error()); ferr != nil {
			s.logger.Error().Err(ferr).Str("job_id", jobID).Msg("failed to record job failure")
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "failed", "path": req.Path, "error": err.Error(),
		})
	default:
		if ferr := s.jobs.Finish(r.Context(), jobID, true, ""); ferr != nil {
			s.logger.Error().Err(ferr).Str("job_id", jobID).Msg("failed to record job completion")
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "complete", "path": req.Path})
	}
}

// handleCacheStats exposes cache occupancy.
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}
