package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type RouterConfig struct {
	Handler *Handler
	PgPool  *pgxpool.Pool // nil in memory mode
	Redis   *redis.Client // nil when the availability cache is off
	Log     *logrus.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := cfg.Handler

	r.Route("/doctors", func(r chi.Router) {
		r.Post("/", h.CreateDoctor)
		r.Get("/", h.ListDoctors)
		r.Route("/{ref}", func(r chi.Router) {
			r.Get("/", h.GetDoctor)
			r.Put("/", h.UpdateDoctor)
			r.Delete("/", h.DeleteDoctor)
			r.Post("/slots", h.CreateSlot)
			r.Get("/slots", h.ListDoctorSlots)
		})
	})

	r.Route("/patients", func(r chi.Router) {
		r.Post("/", h.CreatePatient)
		r.Get("/", h.ListPatients)
		r.Get("/{ref}", h.GetPatient)
		r.Put("/{ref}", h.UpdatePatient)
		r.Delete("/{ref}", h.DeletePatient)
	})

	r.Route("/slots", func(r chi.Router) {
		r.Get("/", h.ListSlots)
		r.Get("/{id}", h.GetSlot)
		r.Put("/{id}", h.UpdateSlot)
		r.Delete("/{id}", h.DeleteSlot)
		r.Get("/{id}/availability", h.GetSlotAvailability)
	})

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.CreateAppointment)
		r.Get("/", h.ListAppointments)
		r.Get("/{id}", h.GetAppointment)
		r.Post("/{id}/reschedule", h.RescheduleAppointment)
		r.Post("/{id}/cancel", h.CancelAppointment)
	})

	return r
}
