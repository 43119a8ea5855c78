// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
)

// handleList returns the full video index.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"videos":     s.library.Videos,
		"categories": s.library.Categories,
		"count":      len(s.library.Videos),
	})
}

// handleSearch returns index entries matching the q query parameter.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	results := s.library.Search(query)
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   query,
		"results": results,
		"count":   len(results),
	})
}
