package gateway

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the global middleware chain and all endpoints.
//
// Ordering: Recoverer outermost so every panic is caught, then request IDs so
// all downstream logs correlate, then the request logger. Auth and gzip
// decoding apply only to the /v1 ingest surface; /health stays open for the
// relay connectivity probe and load balancer checks.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.RequestLogger)

	s.router.Get("/health", s.HandleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.AuthMiddleware)
		r.Use(GzipRequestMiddleware)

		r.Post("/sessions/{sessionID}/messages", s.HandleIngestBatch)
		r.Get("/sessions/{sessionID}/last-acknowledged", s.HandleLastAcknowledged)
	})
}
