// SPDX-License-Identifier: MIT

package transcode

import (
	"fmt"
	"os"
	"time"
)

// AcquireResult classifies the state of the .lock/.tmp pair for an output.
type AcquireResult int

const (
	// AcquireOK means the caller now holds the lock and may transcode.
	AcquireOK AcquireResult = iota
	// AcquireInProgress means another transcode holds the lock.
	AcquireInProgress
	// AcquireStale means leftover artifacts were found and cleared; the
	// caller holds the lock and may restart the transcode.
	AcquireStale
)

// lock is an exclusive on-disk lock next to a cache output path.
type lock struct {
	path string
}

// acquire examines the .lock and .tmp siblings of dst and either takes the
// lock or reports an in-flight transcode. Artifacts older than staleAfter
// are treated as leftovers of a crashed run and cleared.
func acquire(dst string, staleAfter time.Duration) (*lock, AcquireResult, error) {
	lockPath := dst + ".lock"
	tmpPath := dst + ".tmp"
	stale := false

	if age, ok := fileAge(tmpPath); ok {
		if age <= staleAfter {
			return nil, AcquireInProgress, nil
		}
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			return nil, AcquireInProgress, fmt.Errorf("remove stale tmp: %w", err)
		}
		stale = true
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_ = f.Close()
		if stale {
			return &lock{path: lockPath}, AcquireStale, nil
		}
		return &lock{path: lockPath}, AcquireOK, nil
	}
	if !os.IsExist(err) {
		return nil, AcquireInProgress, fmt.Errorf("create lock: %w", err)
	}

	// Lock exists. A fresh lock means a live transcode; a stale one means
	// its owner died without cleanup.
	if age, ok := fileAge(lockPath); ok && age > staleAfter {
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, AcquireInProgress, fmt.Errorf("remove stale lock: %w", err)
		}
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, AcquireInProgress, nil
		}
		_ = f.Close()
		return &lock{path: lockPath}, AcquireStale, nil
	}
	return nil, AcquireInProgress, nil
}

func (l *lock) release() {
	_ = os.Remove(l.path)
}

func fileAge(path string) (time.Duration, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return time.Since(info.ModTime()), true
}
