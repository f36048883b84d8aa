package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/packfinderz-client/api/handlers"
	"github.com/angelmondragon/packfinderz-client/api/middleware"
	"github.com/angelmondragon/packfinderz-client/pkg/config"
	"github.com/angelmondragon/packfinderz-client/pkg/logger"
)

// Dependencies are the read models the inspector exposes.
type Dependencies struct {
	Storage     handlers.Pinger
	Credentials handlers.ValidityReader
	Coordinator handlers.CoordinatorReader
	Identity    handlers.IdentityReader
	Cart        interface {
		handlers.CartReader
		handlers.CartPublisher
	}
	Notifications handlers.UnreadReader
	Gatherer      prometheus.Gatherer
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	if logg == nil {
		logg = logger.Nop()
	}
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.Inspector.AllowedOrigins),
	)

	r.Get("/healthz", handlers.Healthz(cfg, deps.Storage, logg))
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	if deps.Credentials != nil && deps.Coordinator != nil && deps.Identity != nil {
		r.Get("/session", handlers.Session(deps.Credentials, deps.Coordinator, deps.Identity))
	}
	if deps.Cart != nil {
		r.Route("/cart", func(r chi.Router) {
			r.Get("/", handlers.Cart(deps.Cart))
			r.Post("/publish", handlers.PublishCart(deps.Cart, logg))
		})
	}
	if deps.Notifications != nil {
		r.Get("/notifications/unread", handlers.Unread(deps.Notifications))
	}
	return r
}
