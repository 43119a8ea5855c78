// SPDX-License-Identifier: MIT

// Package config builds the typed runtime configuration from environment
// variables. The resulting struct is passed explicitly to each component;
// nothing reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all runtime settings for the video server.
type Config struct {
	// MediaRoot is the base directory for source video files. Required.
	MediaRoot string

	// CacheDir holds transcoded MP4 entries, their metadata file and
	// transient .tmp/.lock siblings.
	CacheDir string

	// CacheSizeLimit is the cache size ceiling in bytes (S_max).
	CacheSizeLimit int64

	// CacheTTL is the maximum age of a cache entry before the TTL
	// eviction pass removes it (T_max).
	CacheTTL time.Duration

	// TranscodeTimeout is the hard wall-clock cap for a single ffmpeg run.
	TranscodeTimeout time.Duration

	// JobDBPath is the SQLite database file for the transcode job registry.
	JobDBPath string

	// VideoIndexPath points at the optional video_index.json library file.
	// Empty disables the library endpoints' index-backed responses.
	VideoIndexPath string

	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// FFmpegBin and FFprobeBin name the external tools; resolved via $PATH
	// when not absolute.
	FFmpegBin  string
	FFprobeBin string
}

const (
	defaultCacheSizeLimit   = 10 << 30 // 10 GiB
	defaultCacheTTL         = 30 * 24 * time.Hour
	defaultTranscodeTimeout = time.Hour
)

// FromEnv builds a Config from the process environment.
func FromEnv() (*Config, error) {
	mediaRoot := ParseString("MEDIA_ROOT", "")
	if mediaRoot == "" {
		return nil, fmt.Errorf("config: MEDIA_ROOT is required")
	}
	mediaRoot, err := filepath.Abs(mediaRoot)
	if err != nil {
		return nil, fmt.Errorf("config: resolve MEDIA_ROOT: %w", err)
	}

	cacheDir := ParseString("TRANSCODE_CACHE_DIR", filepath.Join(os.TempDir(), "fitvault-video-cache"))
	cacheDir, err = filepath.Abs(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve TRANSCODE_CACHE_DIR: %w", err)
	}

	cfg := &Config{
		MediaRoot:        mediaRoot,
		CacheDir:         cacheDir,
		CacheSizeLimit:   ParseInt64("TRANSCODE_CACHE_SIZE_LIMIT", defaultCacheSizeLimit),
		CacheTTL:         ParseDuration("TRANSCODE_CACHE_TTL", defaultCacheTTL),
		TranscodeTimeout: ParseDuration("TRANSCODE_TIMEOUT", defaultTranscodeTimeout),
		JobDBPath:        ParseString("JOB_DB_PATH", filepath.Join(cacheDir, "jobs.db")),
		VideoIndexPath:   ParseString("VIDEO_INDEX_PATH", ""),
		ListenAddr:       ParseString("LISTEN_ADDR", ":8080"),
		FFmpegBin:        ParseString("FFMPEG_BIN", "ffmpeg"),
		FFprobeBin:       ParseString("FFPROBE_BIN", "ffprobe"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.CacheSizeLimit <= 0 {
		return fmt.Errorf("config: cache size limit must be positive, got %d", c.CacheSizeLimit)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: cache TTL must be positive, got %s", c.CacheTTL)
	}
	if c.TranscodeTimeout <= 0 {
		return fmt.Errorf("config: transcode timeout must be positive, got %s", c.TranscodeTimeout)
	}
	if info, err := os.Stat(c.MediaRoot); err != nil {
		return fmt.Errorf("config: media root: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("config: media root is not a directory: %s", c.MediaRoot)
	}
	return nil
}
