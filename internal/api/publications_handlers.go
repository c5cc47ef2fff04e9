package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/maghrebdata/courtpubs/internal/normalize"
	"github.com/maghrebdata/courtpubs/internal/scrape"
)

const queryTimeout = 3 * time.Second

// listPublications handles GET /v1/publications?category=&year=. It returns
// {"publications": [...], "count": n}, 400 for an unparseable year.
func (s *Server) listPublications(w http.ResponseWriter, r *http.Request) {
	filter := scrape.Filter{Category: strings.TrimSpace(r.URL.Query().Get("category"))}
	if yearParam := strings.TrimSpace(r.URL.Query().Get("year")); yearParam != "" {
		year, err := strconv.Atoi(yearParam)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "year must be an integer")
			return
		}
		filter.Year = year
	}
	s.respondWithList(w, r, filter)
}

// listPublicationsByYear handles GET /v1/publications/{year}.
func (s *Server) listPublicationsByYear(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "year must be an integer")
		return
	}
	s.respondWithList(w, r, scrape.Filter{Year: year})
}

// listPublicationsByCategory handles GET /v1/publications/category/{category}.
// Category labels carry spaces and accents, so the segment arrives escaped.
func (s *Server) listPublicationsByCategory(w http.ResponseWriter, r *http.Request) {
	category, err := url.PathUnescape(chi.URLParam(r, "category"))
	if err != nil || strings.TrimSpace(category) == "" {
		s.writeError(w, http.StatusBadRequest, "category is required")
		return
	}
	s.respondWithList(w, r, scrape.Filter{Category: strings.TrimSpace(category)})
}

func (s *Server) respondWithList(w http.ResponseWriter, r *http.Request, filter scrape.Filter) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	pubs, err := s.store.List(ctx, filter)
	if err != nil {
		s.logger.Error("list publications failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list publications")
		return
	}
	if pubs == nil {
		pubs = []scrape.Publication{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"publications": pubs,
		"count":        len(pubs),
	})
}

// listCategories handles GET /v1/categories.
func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	categories, err := s.store.Categories(ctx)
	if err != nil {
		s.logger.Error("list categories failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list categories")
		return
	}
	if categories == nil {
		categories = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
}

type searchRequest struct {
	Query    string `json:"query"`
	Category string `json:"category,omitempty"`
	Year     int    `json:"year,omitempty"`
}

// searchPublications handles POST /v1/search. The query matches title,
// category and description case- and accent-insensitively, so "reforme"
// finds "Réforme".
func (s *Server) searchPublications(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	pubs, err := s.store.List(ctx, scrape.Filter{Category: req.Category, Year: req.Year})
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	needle := normalize.Fold(query)
	matches := make([]scrape.Publication, 0, len(pubs))
	for _, pub := range pubs {
		haystack := normalize.Fold(pub.Title) + " " +
			normalize.Fold(pub.Category) + " " +
			normalize.Fold(pub.Description)
		if strings.Contains(haystack, needle) {
			matches = append(matches, pub)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"publications": matches,
		"count":        len(matches),
	})
}
