package handlers

import (
	"log"
	"net/http"

	"github.com/kozaktomas/imgmatch/internal/database"
)

// StatsHandler reports corpus and cache sizes
type StatsHandler struct {
	corpus  database.CorpusReader
	cache   database.CacheAdmin
	backend string
}

// NewStatsHandler creates a new stats handler. cache may be nil.
func NewStatsHandler(corpus database.CorpusReader, cache database.CacheAdmin, backend string) *StatsHandler {
	return &StatsHandler{corpus: corpus, cache: cache, backend: backend}
}

// StatsResponse represents the stats response
type StatsResponse struct {
	Backend       string `json:"backend"`
	Images        int    `json:"images"`
	CachedRecords int    `json:"cached_records"`
}

// Get handles GET /api/v1/stats
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Backend: h.backend}

	var err error
	if resp.Images, err = h.corpus.Count(r.Context()); err != nil {
		log.Printf("Failed to count images: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to count images")
		return
	}
	if h.cache != nil {
		if resp.CachedRecords, err = h.cache.Count(r.Context()); err != nil {
			log.Printf("Failed to count cached descriptors: %v", err)
			respondError(w, http.StatusInternalServerError, "failed to count cached descriptors")
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}
