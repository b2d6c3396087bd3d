package rest

import (
	_ "embed"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

//go:embed static/index.html
var indexHTML []byte

// Routes carries the optional handlers mounted next to the API.
type Routes struct {
	// Auth enables JWT validation on /api when non-nil.
	Auth *JWTConfig
	// Live serves the event stream on /ws.
	Live http.Handler
	// Metrics serves /metrics.
	Metrics http.Handler
}

// NewRouter returns the add-on's HTTP handler.
//
// Route layout:
//
//	GET    /                        dashboard page
//	GET    /health                  liveness probe
//	GET    /api/status              connection, mode and poll status
//	GET    /api/sensors             all registered sensors
//	GET    /api/sensors/{id}        one sensor
//	PUT    /api/sensors/{id}/modes  per-mode enablement
//	PUT    /api/sensors/{id}/area   area label
//	DELETE /api/sensors/{id}        forget a sensor
//	GET    /api/mode                current mode
//	POST   /api/mode                change mode
//	GET    /ws                      live events
//	GET    /metrics                 Prometheus metrics
func NewRouter(srv *Server, routes Routes) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(indexHTML)
	})
	r.Get("/health", srv.handleHealth)

	r.Route("/api", func(r chi.Router) {
		if routes.Auth != nil {
			r.Use(JWTMiddleware(*routes.Auth))
		}

		r.Get("/status", srv.handleStatus)
		r.Get("/sensors", srv.handleListSensors)
		r.Get("/sensors/{id}", srv.handleGetSensor)
		r.Delete("/sensors/{id}", srv.handleDeleteSensor)
		r.Put("/sensors/{id}/modes", srv.handleSetSensorModes)
		r.Put("/sensors/{id}/area", srv.handleSetSensorArea)
		r.Get("/mode", srv.handleGetMode)
		r.Post("/mode", srv.handleSetMode)
	})

	if routes.Live != nil {
		r.Method(http.MethodGet, "/ws", routes.Live)
	}
	if routes.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", routes.Metrics)
	}

	return r
}
