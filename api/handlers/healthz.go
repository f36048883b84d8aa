package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/packfinderz-client/api/responses"
	"github.com/angelmondragon/packfinderz-client/pkg/config"
	pkgerrors "github.com/angelmondragon/packfinderz-client/pkg/errors"
	"github.com/angelmondragon/packfinderz-client/pkg/logger"
)

const pingTimeout = 2 * time.Second

// Pinger is any dependency with a readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Healthz reports liveness and, when a storage pinger is wired, its readiness.
func Healthz(cfg *config.Config, storage Pinger, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-PackFinderz-Env", cfg.App.Env)

		status := map[string]string{"status": "ok", "storage": cfg.Storage.Driver}
		if storage != nil {
			ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
			defer cancel()
			if err := storage.Ping(ctx); err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.WrapContext(pkgerrors.CodeDependency, err, "storage unavailable"))
				return
			}
		}
		responses.WriteSuccess(w, status)
	}
}
