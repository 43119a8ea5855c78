// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	errInvalidRange = errors.New("invalid range")
	errMultiRange   = errors.New("multi-range not supported")
)

// byteRange represents a byte range [Start, End] (inclusive).
type byteRange struct {
	Start int64
	End   int64
}

func (r byteRange) length() int64 { return r.End - r.Start + 1 }

// parseRange parses a "Range" header against a resource of the given size.
// Only single ranges with an explicit start are accepted; the end is
// optional and clamped to size-1. Multi-range requests are rejected.
func parseRange(header string, size int64) (byteRange, error) {
	if header == "" {
		return byteRange{}, errInvalidRange
	}

	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return byteRange{}, errInvalidRange
	}

	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return byteRange{}, errMultiRange
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return byteRange{}, errInvalidRange
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		return byteRange{}, errInvalidRange
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, errInvalidRange
	}
	if start >= size {
		return byteRange{}, errInvalidRange
	}

	r := byteRange{Start: start, End: size - 1}
	if endStr != "" {
		end, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return byteRange{}, errInvalidRange
		}
		if end < size {
			r.End = end
		}
	}
	return r, nil
}

// formatContentRange formats the Content-Range header for a 206 response.
func formatContentRange(r byteRange, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// format416ContentRange formats the Content-Range header for a 416 response.
func format416ContentRange(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}
