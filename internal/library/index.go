// SPDX-License-Identifier: MIT

// Package library serves the static video index: a JSON file mapping
// logical paths to titles and search text. The index is externally
// maintained; a missing file simply yields an empty library.
package library

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Video is one entry of the index.
type Video struct {
	ID         int    `json:"id,omitempty"`
	Filename   string `json:"filename"`
	Path       string `json:"path"`
	Title      string `json:"title,omitempty"`
	Searchable string `json:"searchable,omitempty"`
}

// Category groups videos for browsing.
type Category struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
}

// Library is an immutable in-memory copy of the index.
type Library struct {
	Videos     []Video    `json:"videos"`
	Categories []Category `json:"categories"`
}

// Load reads the index from path. An empty path or a missing file returns
// an empty library; a present but malformed file is an error.
func Load(path string) (*Library, error) {
	if path == "" {
		return &Library{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Library{}, nil
		}
		return nil, fmt.Errorf("library: read index: %w", err)
	}
	var lib Library
	if err := json.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("library: parse index: %w", err)
	}
	return &lib, nil
}

// Search returns videos whose searchable text, filename or path contains
// the query, case-insensitively. An empty query matches nothing.
func (l *Library) Search(query string) []Video {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	var out []Video
	for _, v := range l.Videos {
		if strings.Contains(strings.ToLower(v.Searchable), query) ||
			strings.Contains(strings.ToLower(v.Filename), query) ||
			strings.Contains(strings.ToLower(v.Path), query) {
			out = append(out, v)
		}
	}
	return out
}
