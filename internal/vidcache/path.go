// SPDX-License-Identifier: MIT

package vidcache

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// maxStemLen truncates the source file's stem so cache names stay within
// filesystem limits.
const maxStemLen = 50

// PathFor returns the deterministic cache file path for a source. The name
// is sha256(srcAbs)[:16] + "_" + stem + ".mp4" so identical sources always
// map to the same entry. Pure function; never touches disk.
func PathFor(cacheDir, srcAbs string) string {
	sum := sha256.Sum256([]byte(srcAbs))
	hash := hex.EncodeToString(sum[:])[:16]

	stem := filepath.Base(srcAbs)
	if ext := filepath.Ext(stem); ext != "" {
		stem = strings.TrimSuffix(stem, ext)
	}
	if len(stem) > maxStemLen {
		stem = stem[:maxStemLen]
	}
	stem = strings.ReplaceAll(stem, "/", "_")
	stem = strings.ReplaceAll(stem, "\\", "_")

	return filepath.Join(cacheDir, hash+"_"+stem+".mp4")
}

// JobIDFor returns the registry id for a source: the first 32 hex digits of
// sha256(srcAbs). Identical inputs coalesce onto one job row.
func JobIDFor(srcAbs string) string {
	sum := sha256.Sum256([]byte(srcAbs))
	return hex.EncodeToString(sum[:])[:32]
}
