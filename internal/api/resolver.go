// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/mbachner/fitvault/internal/fsutil"
)

var (
	// errInvalidPath covers traversal, absolute injection and symlink
	// escapes. Mapped to 403.
	errInvalidPath = errors.New("invalid video path")
	// errNotFound means the vetted path does not name a regular file.
	// Mapped to 404.
	errNotFound = errors.New("video file not found")
	// errUnsupportedFormat means the extension is not a known video
	// container. Mapped to 415.
	errUnsupportedFormat = errors.New("unsupported video format")
)

// supportedExtensions are the source containers the server accepts.
var supportedExtensions = map[string]bool{
	".mp4":  true,
	".avi":  true,
	".mov":  true,
	".mkv":  true,
	".wmv":  true,
	".flv":  true,
	".webm": true,
}

// resolvePath maps an untrusted client path to a vetted absolute file path
// under the media root. Traversal via `..`, absolute injection and symlinks
// pointing outside the root are all rejected, regardless of URL encoding.
func resolvePath(mediaRoot, clientPath string) (string, error) {
	if decoded, err := url.PathUnescape(clientPath); err == nil {
		clientPath = decoded
	}
	clientPath = strings.TrimPrefix(clientPath, "./")
	if clientPath == "" {
		return "", errNotFound
	}

	abs, err := fsutil.ConfineRelPath(mediaRoot, clientPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errNotFound
		}
		return "", errInvalidPath
	}

	if err := fsutil.IsRegularFile(abs); err != nil {
		return "", errNotFound
	}

	if !supportedExtensions[strings.ToLower(filepath.Ext(abs))] {
		return "", errUnsupportedFormat
	}

	return abs, nil
}
