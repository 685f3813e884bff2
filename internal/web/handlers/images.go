package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kozaktomas/imgmatch/internal/constants"
	"github.com/kozaktomas/imgmatch/internal/database"
)

// AddressFilter decides which addresses may enter the corpus.
type AddressFilter interface {
	Supports(address string) bool
}

// ImagesHandler exposes the corpus
type ImagesHandler struct {
	corpus    database.CorpusWriter
	addresses AddressFilter
}

// NewImagesHandler creates a new corpus handler. A nil filter accepts
// every non-empty address.
func NewImagesHandler(corpus database.CorpusWriter, addresses AddressFilter) *ImagesHandler {
	return &ImagesHandler{corpus: corpus, addresses: addresses}
}

// ImageResponse represents a corpus entry in API responses
type ImageResponse struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Timestamp  time.Time `json:"timestamp"`
	MatchCount int       `json:"num_of_matches"`
}

// ImagesListResponse is a page of corpus entries
type ImagesListResponse struct {
	Images []ImageResponse `json:"images"`
	Total  int             `json:"total"`
	Offset int             `json:"offset"`
	Limit  int             `json:"limit"`
}

// AddImageRequest is the body of POST /images
type AddImageRequest struct {
	URL string `json:"url"`
}

// AddImageResponse is returned after an entry was created
type AddImageResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Add handles POST /api/v1/images
func (h *ImagesHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req AddImageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	if req.URL != "" && h.addresses != nil && !h.addresses.Supports(req.URL) {
		respondError(w, http.StatusBadRequest, constants.MsgUnsupportedURL)
		return
	}

	entry, err := h.corpus.Add(r.Context(), req.URL)
	if errors.Is(err, database.ErrEmptyAddress) {
		respondError(w, http.StatusBadRequest, constants.MsgNoURL)
		return
	}
	if err != nil {
		log.Printf("Failed to add image %s: %v", sanitizeForLog(req.URL), err)
		respondError(w, http.StatusInternalServerError, "failed to add image")
		return
	}

	respondJSON(w, http.StatusCreated, AddImageResponse{ID: entry.ID, Message: constants.MsgImageAdded})
}

// List handles GET /api/v1/images?offset=&limit=
func (h *ImagesHandler) List(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", constants.DefaultHandlerPageSize)
	if limit <= 0 {
		limit = constants.DefaultHandlerPageSize
	}

	entries, err := h.corpus.List(r.Context())
	if err != nil {
		log.Printf("Failed to list images: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to list images")
		return
	}

	resp := ImagesListResponse{Images: []ImageResponse{}, Total: len(entries), Offset: offset, Limit: limit}
	if offset < len(entries) {
		for _, e := range entries[offset:min(offset+limit, len(entries))] {
			resp.Images = append(resp.Images, ImageResponse{
				ID:         e.ID,
				URL:        e.Address,
				Timestamp:  e.CreatedAt,
				MatchCount: e.MatchCount,
			})
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && n >= 0 {
		return n
	}
	return defaultVal
}
