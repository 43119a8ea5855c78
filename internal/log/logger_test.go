// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithComponentAnnotatesEntries(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "fitvault-test"})

	logger := WithComponent("vidcache")
	logger.Info().Str("path", "/c/x.mp4").Msg("evicted cache entry")

	// Configure is once-only; a second call must not reset the writer.
	Configure(Config{Service: "other"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "vidcache", entry["component"])
	assert.Equal(t, "evicted cache entry", entry["message"])
	assert.Equal(t, "/c/x.mp4", entry["path"])
	assert.NotEmpty(t, entry["time"])
}
