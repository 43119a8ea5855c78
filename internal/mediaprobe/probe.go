// SPDX-License-Identifier: MIT

// Package mediaprobe inspects source files with ffprobe to decide whether a
// browser can play them natively.
package mediaprobe

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/mbachner/fitvault/internal/log"
	"github.com/rs/zerolog"
)

// probeTimeout caps a single ffprobe invocation.
const probeTimeout = 10 * time.Second

// ErrProbeUnavailable indicates the ffprobe binary could not be executed.
var ErrProbeUnavailable = errors.New("ffprobe not available")

// browserCompatible lists codecs browsers decode natively; everything else
// goes through the transcode path.
var browserCompatible = map[string]bool{
	"h264": true,
	"avc1": true,
	"avc":  true,
}

// Prober shells out to ffprobe.
type Prober struct {
	Bin    string
	logger zerolog.Logger
}

// New returns a Prober using the given ffprobe binary name or path.
func New(bin string) *Prober {
	if bin == "" {
		bin = "ffprobe"
	}
	return &Prober{
		Bin:    bin,
		logger: log.WithComponent("mediaprobe"),
	}
}

// Codec returns the lowercase codec name of the first video stream, or ""
// when the probe fails for any reason (missing tool, unreadable file,
// timeout). Callers must treat "" as unknown and assume non-playable.
func (p *Prober) Codec(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	// #nosec G204 -- bin is operator-configured, args are fixed flags plus a vetted path
	cmd := exec.CommandContext(ctx, p.Bin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name",
		"-of", "csv=p=0",
		path,
	)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("ffprobe failed")
		return ""
	}
	return strings.ToLower(strings.TrimSpace(stdout.String()))
}

// Available reports whether the ffprobe binary can be found.
func (p *Prober) Available() bool {
	_, err := exec.LookPath(p.Bin)
	return err == nil
}

// NeedsTranscoding reports whether the file must be transcoded before a
// browser can play it. Probe failures count as needing transcoding.
func (p *Prober) NeedsTranscoding(ctx context.Context, path string) bool {
	codec := p.Codec(ctx, path)
	if codec == "" {
		return true
	}
	return !browserCompatible[codec]
}
