package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Router builds the HTTP routing table. Streaming routes skip the
// request timeout since a relay stays open as long as the viewer does.
func (h *Handlers) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Range"},
		ExposedHeaders:   []string{"Link", "X-Request-ID", "Content-Range", "Accept-Ranges"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/monitor", h.MonitorStatus)
			r.Post("/monitor", h.ControlMonitor)

			r.Post("/detections", h.ReportDetection)

			r.Route("/incidents", func(r chi.Router) {
				r.Get("/", h.ListIncidents)
				r.Get("/{id}", h.GetIncident)
				r.Patch("/{id}", h.UpdateIncident)
			})
		})

		r.Route("/cameras", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(60 * time.Second))

				r.Get("/", h.ListCameras)
				r.Post("/", h.CreateCamera)
				r.Get("/{id}", h.GetCamera)
				r.Patch("/{id}", h.UpdateCamera)
				r.Delete("/{id}", h.DeleteCamera)
				r.Patch("/{id}/ai-monitoring", h.SetAIMonitoring)
				r.Get("/{id}/test", h.TestCamera)
			})

			// Long-lived connections
			r.Get("/{id}/live", h.LiveStream)
			r.Get("/{id}/hls", h.HLS)
		})

		r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			h.hub.HandleWebSocket(w, r)
		})
	})

	return r
}
