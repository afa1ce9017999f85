package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DoyleJ11/crashlane-client/internal/hub"
	"github.com/DoyleJ11/crashlane-client/internal/ws"
)

type Deps struct {
	Hub     *hub.Hub
	Reports Reporter
	Rounds  RoundLister
	Log     *zap.Logger
	// Origins are the presentation origins allowed on the socket.
	Origins []string
}

func SetupRoutes(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/instances", func(r chi.Router) {
		r.Get("/", ListInstances(d.Hub))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/state", GetState(d.Hub))
			r.Post("/bets", PlaceBet(d.Hub, d.Log))
			r.Post("/actions", PostAction(d.Hub))
			r.Get("/ws", ws.Handler(d.Hub, d.Log, d.Origins...))
			if d.Reports != nil {
				r.Get("/results", ResultReport(d.Reports))
			}
			if d.Rounds != nil {
				r.Get("/rounds", RecentRounds(d.Rounds))
			}
		})
	})
	if d.Reports != nil {
		r.Get("/reports/bets", BetReport(d.Reports))
	}
	return r
}
