// SPDX-License-Identifier: MIT

// Package vidcache maintains the on-disk cache of transcoded MP4 files:
// deterministic entry names, a metadata sidecar, and LRU+TTL eviction.
//
// The metadata file is a cache of on-disk truth, not the source of it. A
// fresh Scan can rebuild everything except last-access times.
package vidcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/mbachner/fitvault/internal/log"
	"github.com/mbachner/fitvault/internal/metrics"
	"github.com/rs/zerolog"
)

const metadataFile = "metadata.json"

// evictTargetRatio is the high-water target applied after an LRU pass.
const evictTargetRatio = 0.8

// Entry is the persisted metadata for one cache file.
type Entry struct {
	OriginalPath string    `json:"original_path"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed_at"`
	SizeBytes    int64     `json:"size_bytes"`
}

// Stats summarises cache occupancy.
type Stats struct {
	Files      int     `json:"total_files"`
	TotalBytes int64   `json:"total_size_bytes"`
	SizeLimit  int64   `json:"size_limit_bytes"`
	UsageRatio float64 `json:"usage_ratio"`
}

// Store owns the cache directory and its metadata.
type Store struct {
	dir       string
	sizeLimit int64
	ttl       time.Duration

	mu      sync.Mutex
	entries map[string]Entry // cache file path -> metadata

	logger zerolog.Logger
	now    func() time.Time
}

// NewStore opens (and creates if needed) the cache directory, loads the
// metadata file and reconciles it against the files actually on disk. An
// unreadable or malformed metadata file is treated as empty.
func NewStore(dir string, sizeLimit int64, ttl time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vidcache: create cache dir: %w", err)
	}
	s := &Store{
		dir:       dir,
		sizeLimit: sizeLimit,
		ttl:       ttl,
		entries:   make(map[string]Entry),
		logger:    log.WithComponent("vidcache"),
		now:       time.Now,
	}
	s.loadMetadata()
	if err := s.Scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// PathFor returns the deterministic cache path for a source file.
func (s *Store) PathFor(srcAbs string) string {
	return PathFor(s.dir, srcAbs)
}

// Lookup returns the cache path for a source iff the entry file exists.
// On a hit it updates the entry's last-access time.
func (s *Store) Lookup(srcAbs string) (string, bool) {
	cachePath := s.PathFor(srcAbs)
	if _, err := os.Stat(cachePath); err != nil {
		metrics.IncCacheLookup("miss")
		return "", false
	}
	metrics.IncCacheLookup("hit")

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[cachePath]
	if !ok {
		// File exists but metadata lost (rebuilt elsewhere or crashed
		// before Record); adopt it.
		e = s.entryFromDisk(cachePath, srcAbs)
	}
	e.LastAccessed = s.now()
	s.entries[cachePath] = e
	s.persistLocked()
	return cachePath, true
}

// Record writes metadata for a freshly materialized entry.
func (s *Store) Record(cachePath, srcAbs string) error {
	info, err := os.Stat(cachePath)
	if err != nil {
		return fmt.Errorf("vidcache: record %s: %w", cachePath, err)
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[cachePath] = Entry{
		OriginalPath: srcAbs,
		CreatedAt:    now,
		LastAccessed: now,
		SizeBytes:    info.Size(),
	}
	s.persistLocked()
	return nil
}

/// Evict enforces the cache budgets in two passes: first TTL (entries older
// than the configured TTL are removed regardless of access), then LRU down
// to the high-water target when the size ceiling is exceeded. Entries with a
// live .lock or .tmp sibling are never deleted.
func (s *Store) Evict() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	changed := false

	// TTL pass.
	for path, e := range s.entries {
		if now.Sub(e.CreatedAt) <= s.ttl {
			continue
		}
		if s.inUse(path) {
			continue
		}
		s.removeLocked(path, "ttl")
		changed = true
	}

	// LRU pass.
	var total int64
	for _, e := range s.entries {
		total += e.SizeBytes
	}
	if total > s.sizeLimit {
		target := int64(float64(s.sizeLimit) * evictTargetRatio)

		type candidate struct {
			path string
			e    Entry
		}
		survivors := make([]candidate, 0, len(s.entries))
		for path, e := range s.entries {
			survivors = append(survivors, candidate{path, e})
		}
		sort.Slice(survivors, func(i, j int) bool {
			a, b := survivors[i].e, survivors[j].e
			if !a.LastAccessed.Equal(b.LastAccessed) {
				return a.LastAccessed.Before(b.LastAccessed)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		})

		for _, c := range survivors {
			if total <= target {
				break
			}
			if s.inUse(c.path) {
				continue
			}
			s.removeLocked(c.path, "lru")
			total -= c.e.SizeBytes
			changed = true
		}
	}

	if changed {
		s.persistLocked()
	}
}

// Stats returns current occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, e := range s.entries {
		total += e.SizeBytes
	}
	st := Stats{
		Files:      len(s.entries),
		TotalBytes: total,
		SizeLimit:  s.sizeLimit,
	}
	if s.sizeLimit > 0 {
		st.UsageRatio = float64(total) / float64(s.sizeLimit)
	}
	return st
}

// Scan reconciles metadata with the files on disk: stale keys are pruned and
// orphan .mp4 files are adopted with stat-derived fields (last-access
// defaults to creation time).
func (s *Store) Scan() error {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("vidcache: scan: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	onDisk := make(map[string]os.FileInfo)
	for _, d := range dirents {
		if d.IsDir() || filepath.Ext(d.Name()) != ".mp4" {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		onDisk[filepath.Join(s.dir, d.Name())] = info
	}

	changed := false
	for path := range s.entries {
		if _, ok := onDisk[path]; !ok {
			delete(s.entries, path)
			changed = true
			s.logger.Debug().Str("path", path).Msg("pruned stale metadata entry")
		}
	}
	for path, info := range onDisk {
		if _, ok := s.entries[path]; ok {
			continue
		}
		created := info.ModTime()
		s.entries[path] = Entry{
			CreatedAt:    created,
			LastAccessed: created,
			SizeBytes:    info.Size(),
		}
		changed = true
		s.logger.Debug().Str("path", path).Msg("adopted orphan cache file")
	}

	if changed {
		s.persistLocked()
	}
	return nil
}

// inUse reports whether a transcode currently holds the entry's lock or is
// still writing its temp file.
func (s *Store) inUse(cachePath string) bool {
	if _, err := os.Stat(cachePath + ".lock"); err == nil {
		return true
	}
	if _, err := os.Stat(cachePath + ".tmp"); err == nil {
		return true
	}
	return false
}

// removeLocked deletes the file and drops its metadata. Caller holds s.mu.
func (s *Store) removeLocked(path, reason string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("path", path).Msg("failed to remove cache file")
		return
	}
	e := s.entries[path]
	delete(s.entries, path)
	metrics.AddEvictedBytes(e.SizeBytes)
	s.logger.Info().
		Str("path", path).
		Str("reason", reason).
		Int64("size", e.SizeBytes).
		Msg("evicted cache entry")
}

func (s *Store) metadataPath() string {
	return filepath.Join(s.dir, metadataFile)
}

// loadMetadata reads the metadata sidecar; failures of any kind leave the
// store empty so Scan can rebuild it.
func (s *Store) loadMetadata() {
	data, err := os.ReadFile(s.metadataPath())
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Msg("metadata unreadable, starting empty")
		}
		return
	}
	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn().Err(err).Msg("metadata malformed, starting empty")
		return
	}
	s.entries = entries
}

// persistLocked writes the metadata atomically (temp file + rename).
// Caller holds s.mu. A lost write is recoverable via Scan.
func (s *Store) persistLocked() {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal cache metadata")
		return
	}
	if err := renameio.WriteFile(s.metadataPath(), data, 0o644); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist cache metadata")
	}
}

func (s *Store) entryFromDisk(cachePath, srcAbs string) Entry {
	e := Entry{OriginalPath: srcAbs}
	if info, err := os.Stat(cachePath); err == nil {
		e.CreatedAt = info.ModTime()
		e.LastAccessed = info.ModTime()
		e.SizeBytes = info.Size()
	}
	return e
}
