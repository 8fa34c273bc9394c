package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/magstab/magstab-go/internal/auth"
	"github.com/magstab/magstab-go/internal/models"
)

// NewRouter creates and returns the main HTTP router.
func NewRouter(ctrl Controller, authSvc *auth.Service, bus EventBus) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)
	r.Use(middleware.CleanPath)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, models.ErrNotFound("no route for "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, &models.AppError{Code: "METHOD_NOT_ALLOWED", Message: r.Method + " not allowed on " + r.URL.Path, Status: http.StatusMethodNotAllowed})
	})

	h := &Handlers{ctrl: ctrl, events: bus}

	r.Group(func(r chi.Router) {
		r.Use(authSvc.Middleware)

		r.Get("/api", h.getState)
		r.Get("/api/", h.getState)
		r.Get("/api/info", h.getInfo)
		r.Post("/api/refresh", h.refresh)
		r.Post("/api/ldac", h.loadAll)

		r.Get("/api/channels", h.getChannels)
		r.Route("/api/channels/{ch}", func(r chi.Router) {
			r.Get("/", h.getChannel)
			r.Patch("/", h.updateChannel)
			r.Get("/voltage", h.getVoltage)
			r.Put("/voltage", h.setVoltage)
			r.Get("/registers/{reg}", h.readRegister)
			r.Put("/registers/{reg}", h.writeRegister)
			r.Post("/trigger/{cmd}", h.trigger)
			r.Post("/waveform", h.playWaveform)
		})

		r.Get("/api/subscribe", h.sseEvents)
	})

	return r
}

// corsMiddleware adds permissive CORS headers for local network access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, api-key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
