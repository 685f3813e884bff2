package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/imgmatch/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	matchHandler := handlers.NewMatchHandler(s.deps.Finder, s.config.Matcher.Threshold)
	imagesHandler := handlers.NewImagesHandler(s.deps.Corpus, s.deps.Addresses)
	statsHandler := handlers.NewStatsHandler(s.deps.Corpus, s.deps.Cache, s.deps.Backend)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", handlers.HealthCheck)

		r.Post("/match", matchHandler.Match)

		r.Get("/images", imagesHandler.List)
		r.Post("/images", imagesHandler.Add)

		r.Get("/stats", statsHandler.Get)
	})
}
