// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbachner/fitvault/internal/config"
	"github.com/mbachner/fitvault/internal/jobstore"
	"github.com/mbachner/fitvault/internal/library"
	"github.com/mbachner/fitvault/internal/transcode"
	"github.com/mbachner/fitvault/internal/vidcache"
)

type stubProber struct {
	codecs    map[string]string // file base name -> codec
	available bool
}

func (p *stubProber) Codec(ctx context.Context, path string) string {
	return p.codecs[filepath.Base(path)]
}

func (p *stubProber) NeedsTranscoding(ctx context.Context, path string) bool {
	return p.Codec(ctx, path) != "h264"
}

func (p *stubProber) Available() bool { return p.available }

type stubTranscoder struct {
	available  bool
	err        error
	calls      int
	inProgress bool
}

func (e *stubTranscoder) Transcode(ctx context.Context, srcAbs, dstAbs string) error {
	e.calls++
	if e.err != nil {
		return e.err
	}
	return os.WriteFile(dstAbs, []byte("transcoded-bytes"), 0o644)
}

func (e *stubTranscoder) InProgress(dstAbs string) bool { return e.inProgress }
func (e *stubTranscoder) Available() bool               { return e.available }

type stubWaker struct{ wakes int }

func (w *stubWaker) Wake() { w.wakes++ }

type testEnv struct {
	server *Server
	router http.Handler
	cfg    *config.Config
	cache  *vidcache.Store
	jobs   *jobstore.Store
	prober *stubProber
	engine *stubTranscoder
	waker  *stubWaker
}

// newTestEnv builds a server over a temp media root containing one playable
// mp4 and one avi that needs transcoding.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "cardio"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "cardio", "run.mp4"), []byte("0123456789abcdef"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "cardio", "old.avi"), []byte("avi-payload"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("not video"), 0o644))

	cfg := &config.Config{
		MediaRoot:        root,
		CacheDir:         t.TempDir(),
		CacheSizeLimit:   1 << 30,
		CacheTTL:         time.Hour,
		TranscodeTimeout: time.Hour,
	}

	cache, err := vidcache.NewStore(cfg.CacheDir, cfg.CacheSizeLimit, cfg.CacheTTL)
	require.NoError(t, err)

	jobs, err := jobstore.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobs.Close() })

	prober := &stubProber{
		codecs:    map[string]string{"run.mp4": "h264", "old.avi": "mpeg4"},
		available: true,
	}
	engine := &stubTranscoder{available: true}
	waker := &stubWaker{}

	lib := &library.Library{Videos: []library.Video{
		{ID: 1, Filename: "run.mp4", Path: "cardio/run.mp4", Title: "Morning Run", Searchable: "morning run cardio"},
		{ID: 2, Filename: "old.avi", Path: "cardio/old.avi", Title: "Legacy Session", Searchable: "legacy"},
	}}

	srv := New(cfg, cache, jobs, prober, engine, waker, lib)
	return &testEnv{
		server: srv,
		router: srv.Router(),
		cfg:    cfg,
		cache:  cache,
		jobs:   jobs,
		prober: prober,
		engine: engine,
		waker:  waker,
	}
}

func (env *testEnv) get(t *testing.T, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

// srcAbs returns the resolved on-disk path of a media file, matching what the
// resolver produces (symlinked temp dirs included).
func (env *testEnv) srcAbs(t *testing.T, rel string) string {
	t.Helper()
	abs, err := resolvePath(env.cfg.MediaRoot, rel)
	require.NoError(t, err)
	return abs
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestStream_PlayableSourceFullBody(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/api/videos/stream/cardio/run.mp4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0123456789abcdef", rec.Body.String())
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "16", rec.Header().Get("Content-Length"))
	assert.Equal(t, 0, env.engine.calls, "playable sources bypass the transcode path")
}

func TestStream_RangeRequests(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name      string
		rng       string
		wantBody  string
		wantCR    string
		wantLen   string
	}{
		{"interior", "bytes=4-7", "4567", "bytes 4-7/16", "4"},
		{"open ended", "bytes=10-", "abcdef", "bytes 10-15/16", "6"},
		{"end clamped", "bytes=12-999", "cdef", "bytes 12-15/16", "4"},
		{"single byte", "bytes=0-0", "0", "bytes 0-0/16", "1"},
		{"last byte", "bytes=15-15", "f", "bytes 15-15/16", "1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.get(t, "/api/videos/stream/cardio/run.mp4", map[string]string{"Range": tc.rng})
			require.Equal(t, http.StatusPartialContent, rec.Code)
			assert.Equal(t, tc.wantBody, rec.Body.String())
			assert.Equal(t, tc.wantCR, rec.Header().Get("Content-Range"))
			assert.Equal(t, tc.wantLen, rec.Header().Get("Content-Length"))
		})
	}
}

func TestStream_UnsatisfiableRanges(t *testing.T) {
	env := newTestEnv(t)

	for _, rng := range []string{"bytes=16-", "bytes=500-600", "bytes=-5", "bytes=0-3,8-11", "bytes=7-3"} {
		t.Run(rng, func(t *testing.T) {
			rec := env.get(t, "/api/videos/stream/cardio/run.mp4", map[string]string{"Range": rng})
			require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
			assert.Equal(t, "bytes */16", rec.Header().Get("Content-Range"))
		})
	}
}

func TestStream_CacheMissReturns202AndEnqueues(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/api/videos/stream/cardio/old.avi", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	body := decodeBody(t, rec)
	assert.Equal(t, "transcoding", body["status"])
	assert.Equal(t, 1, env.waker.wakes)

	jobID := vidcache.JobIDFor(env.srcAbs(t, "cardio/old.avi"))
	assert.Equal(t, jobID, body["job_id"])

	job, err := env.jobs.Status(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobstore.StatusPending, job.Status)

	// A second request coalesces onto the same job.
	rec = env.get(t, "/api/videos/stream/cardio/old.avi", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, jobID, decodeBody(t, rec)["job_id"])
}

func TestStream_FailedJobReturns500ThenRetries(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/api/videos/stream/cardio/old.avi", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The worker records a failure for the enqueued job.
	jobID := vidcache.JobIDFor(env.srcAbs(t, "cardio/old.avi"))
	require.NoError(t, env.jobs.Finish(context.Background(), jobID, false, "ffmpeg exited with code 1"))

	// The next poll surfaces the stored error instead of silently
	// re-enqueueing and answering 202 forever.
	rec = env.get(t, "/api/videos/stream/cardio/old.avi", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "failed", body["status"])
	assert.Contains(t, body["message"], "ffmpeg exited with code 1")

	// The same request resets the job so the retry is already underway.
	job, err := env.jobs.Status(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobstore.StatusPending, job.Status)
	assert.Empty(t, job.ErrorMessage)

	// Pending again, so the client is back to polling with 202.
	rec = env.get(t, "/api/videos/stream/cardio/old.avi", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestStream_CacheHitServesTranscodedBytes(t *testing.T) {
	env := newTestEnv(t)
	src := env.srcAbs(t, "cardio/old.avi")
	dst := env.cache.PathFor(src)
	require.NoError(t, os.WriteFile(dst, []byte("transcoded-bytes"), 0o644))
	require.NoError(t, env.cache.Record(dst, src))

	rec := env.get(t, "/api/videos/stream/cardio/old.avi", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "transcoded-bytes", rec.Body.String())
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"), "cache entries are always mp4")

	// Range requests work against the cached file too.
	rec = env.get(t, "/api/videos/stream/cardio/old.avi", map[string]string{"Range": "bytes=0-9"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "transcoded", rec.Body.String())
}

func TestStream_PathErrors(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		path string
		code int
	}{
		{"traversal", "/api/videos/stream/..%2f..%2fetc%2fpasswd", http.StatusForbidden},
		{"missing file", "/api/videos/stream/cardio/nope.mp4", http.StatusNotFound},
		{"unsupported format", "/api/videos/stream/notes.txt", http.StatusUnsupportedMediaType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.get(t, tc.path, nil)
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestStream_FFmpegUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.engine.available = false

	rec := env.get(t, "/api/videos/stream/cardio/old.avi", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTranscodeStatus_PlayableSource(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/api/videos/transcode-status/cardio/run.mp4", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "h264", body["codec"])
	assert.Equal(t, false, body["needs_transcoding"])
	assert.Equal(t, true, body["ready"])
}

func TestTranscodeStatus_PendingTranscode(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/api/videos/transcode-status/cardio/old.avi", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "mpeg4", body["codec"])
	assert.Equal(t, true, body["needs_transcoding"])
	assert.Equal(t, false, body["cache_exists"])
	assert.Equal(t, false, body["ready"])
}

func TestTranscodeStatus_CachedSource(t *testing.T) {
	env := newTestEnv(t)
	src := env.srcAbs(t, "cardio/old.avi")
	dst := env.cache.PathFor(src)
	require.NoError(t, os.WriteFile(dst, []byte("x"), 0o644))
	require.NoError(t, env.cache.Record(dst, src))

	body := decodeBody(t, env.get(t, "/api/videos/transcode-status/cardio/old.avi", nil))
	assert.Equal(t, true, body["cache_exists"])
	assert.Equal(t, true, body["ready"])
}

func TestTriggerTranscode_NotNeeded(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, "/api/videos/transcode", triggerRequest{Path: "cardio/run.mp4"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not_needed", decodeBody(t, rec)["status"])
	assert.Equal(t, 0, env.engine.calls)
}

func TestTriggerTranscode_Complete(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, "/api/videos/transcode", triggerRequest{Path: "cardio/old.avi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "complete", decodeBody(t, rec)["status"])
	assert.Equal(t, 1, env.engine.calls)

	jobID := vidcache.JobIDFor(env.srcAbs(t, "cardio/old.avi"))
	job, err := env.jobs.Status(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobstore.StatusComplete, job.Status)
}

func TestTriggerTranscode_AlreadyCached(t *testing.T) {
	env := newTestEnv(t)
	src := env.srcAbs(t, "cardio/old.avi")
	dst := env.cache.PathFor(src)
	require.NoError(t, os.WriteFile(dst, []byte("x"), 0o644))
	require.NoError(t, env.cache.Record(dst, src))

	rec := env.postJSON(t, "/api/videos/transcode", triggerRequest{Path: "cardio/old.avi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cached", decodeBody(t, rec)["status"])
	assert.Equal(t, 0, env.engine.calls)
}

func TestTriggerTranscode_Failure(t *testing.T) {
	env := newTestEnv(t)
	env.engine.err = fmt.Errorf("ffmpeg exited with code 1")

	rec := env.postJSON(t, "/api/videos/transcode", triggerRequest{Path: "cardio/old.avi"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed", decodeBody(t, rec)["status"])

	jobID := vidcache.JobIDFor(env.srcAbs(t, "cardio/old.avi"))
	job, err := env.jobs.Status(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobstore.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "ffmpeg exited")
}

func TestTriggerTranscode_InProgress(t *testing.T) {
	for _, sentinel := range []error{transcode.ErrAlreadyInProgress, transcode.ErrOutputLocked} {
		t.Run(sentinel.Error(), func(t *testing.T) {
			env := newTestEnv(t)
			env.engine.err = sentinel

			rec := env.postJSON(t, "/api/videos/transcode", triggerRequest{Path: "cardio/old.avi"})
			require.Equal(t, http.StatusAccepted, rec.Code)
			assert.Equal(t, "in_progress", decodeBody(t, rec)["status"])
		})
	}
}

func TestTriggerTranscode_BadRequest(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/videos/transcode", bytes.NewReader([]byte("{")))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.postJSON(t, "/api/videos/transcode", triggerRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheStats(t *testing.T) {
	env := newTestEnv(t)
	src := env.srcAbs(t, "cardio/old.avi")
	dst := env.cache.PathFor(src)
	require.NoError(t, os.WriteFile(dst, make([]byte, 100), 0o644))
	require.NoError(t, env.cache.Record(dst, src))

	rec := env.get(t, "/api/videos/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["total_files"])
	assert.Equal(t, float64(100), body["total_size_bytes"])
	assert.Equal(t, float64(1<<30), body["size_limit_bytes"])
}

func TestListAndSearch(t *testing.T) {
	env := newTestEnv(t)

	body := decodeBody(t, env.get(t, "/api/videos/list", nil))
	assert.Equal(t, float64(2), body["count"])

	rec := env.get(t, "/api/videos/search?q=morning", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])

	rec = env.get(t, "/api/videos/search", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/api/videos/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["root_exists"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
