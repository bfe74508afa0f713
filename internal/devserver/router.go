package devserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds the dev backend's HTTP routes. pubPEM, if non-nil, is
// served at /v1/signature-key so clients can pick up the bucket signature
// key.
func NewRouter(server *Server, pubPEM []byte) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Signature"},
		MaxAge:         300,
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/config", server.GetConfig)
		r.Get("/exposed/{batchReleaseTime}", server.GetExposed)
		r.Get("/hashes/{batchReleaseTime}", server.GetHashes)
		if pubPEM != nil {
			r.Get("/signature-key", func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/x-pem-file")
				w.Write(pubPEM)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(server.AuthMiddleware)
			r.Post("/exposed", server.PostExposed)
		})
	})

	return r
}
