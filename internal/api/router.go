package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/technosupport/ts-park/internal/middleware"
)

// getCameraID handles both chi and std mux (Go 1.22+)
func getCameraID(r *http.Request) string {
	id := chi.URLParam(r, "id")
	if id == "" {
		id = r.PathValue("id")
	}
	return id
}

// Deps collects the handlers the router wires up. ServiceAuth guards the
// machine-facing ingress endpoints only; viewer endpoints stay open.
type Deps struct {
	Broadcast   *BroadcastHandler
	ViewerWS    *ViewerWSHandler
	Plates      *PlateHandler
	Status      *StatusHandler
	ServiceAuth *middleware.ServiceAuth
}

func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger)

	r.Get("/api/healthz", d.Status.Healthz)
	r.Get("/api/status", d.Status.GetStatus)
	r.Get("/api/cameras/{id}/detections/latest", d.Status.GetLatestDetection)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/ws/viewer/detection", d.ViewerWS.ServeWS)

	r.Group(func(r chi.Router) {
		if d.ServiceAuth != nil {
			r.Use(d.ServiceAuth.Middleware)
		}
		r.Post("/api/broadcast-detection", d.Broadcast.Ingest)
		r.Post("/api/parking-lots/{id}/plates", d.Plates.Ingest)
	})

	return r
}
