package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/kozaktomas/imgmatch/internal/constants"
	"github.com/kozaktomas/imgmatch/internal/engine"
)

// Finder is the part of the engine the match endpoint needs
type Finder interface {
	FindMatch(ctx context.Context, address string, threshold float64) (*engine.MatchResult, error)
	MatchOrIngest(ctx context.Context, address string, threshold float64) (*engine.MatchResult, error)
}

// MatchHandler checks candidate images against the corpus
type MatchHandler struct {
	finder           Finder
	defaultThreshold float64
}

// NewMatchHandler creates a new match handler
func NewMatchHandler(finder Finder, defaultThreshold float64) *MatchHandler {
	return &MatchHandler{finder: finder, defaultThreshold: defaultThreshold}
}

// MatchRequest is the body of POST /match
type MatchRequest struct {
	URL       string   `json:"url"`
	Threshold *float64 `json:"threshold,omitempty"`
	Ingest    bool     `json:"ingest"`
}

// Match handles POST /api/v1/match
func (h *MatchHandler) Match(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, constants.MsgNoURL)
		return
	}

	threshold := h.defaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	find := h.finder.FindMatch
	if req.Ingest {
		find = h.finder.MatchOrIngest
	}

	res, err := find(r.Context(), req.URL, threshold)
	switch {
	case errors.Is(err, engine.ErrInvalidThreshold):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrScanTimeout):
		log.Printf("Match of %s timed out: %v", sanitizeForLog(req.URL), err)
		respondJSON(w, http.StatusGatewayTimeout, res)
	case err != nil:
		log.Printf("Match of %s failed: %v", sanitizeForLog(req.URL), err)
		respondError(w, http.StatusInternalServerError, "match failed")
	default:
		respondJSON(w, http.StatusOK, res)
	}
}
