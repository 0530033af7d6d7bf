package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (h *Handler) Routes(m *Middleware, corsOrigins []string, rateLimitRPM int) *chi.Mux {
	r := chi.NewRouter()

	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(m.Compress)
	r.Use(m.Timeout(15 * time.Second))
	r.Use(middleware.Heartbeat("/ping"))

	r.Use(m.CORS(corsOrigins))
	r.Use(m.RateLimit(rateLimitRPM))

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Route("/v1/calendar", func(r chi.Router) {
		r.Route("/events", func(r chi.Router) {
			r.Post("/", h.ScheduleEvent)
			r.Get("/upcoming", h.GetUpcoming)
			r.Get("/{id}", h.GetEvent)
			r.Post("/{id}/reschedule", h.RescheduleEvent)
			r.Patch("/{id}/status", h.UpdateEventStatus)
			r.Delete("/{id}", h.CancelEvent)
		})

		r.Post("/conflicts/check", h.CheckSlot)

		r.Get("/view", h.GetView)
		r.Get("/stats", h.GetStats)

		// Live updates
		r.Get("/stream", h.HandleSSE)
		r.Get("/ws", h.HandleWebSocket)
	})

	return r
}
