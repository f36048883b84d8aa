package handlers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/packfinderz-client/api/responses"
	"github.com/angelmondragon/packfinderz-client/internal/cart"
	"github.com/angelmondragon/packfinderz-client/pkg/logger"
)

type CartReader interface {
	Snapshot() cart.Snapshot
}

type CartPublisher interface {
	Publish(ctx context.Context) error
}

func Cart(store CartReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, store.Snapshot())
	}
}

// PublishCart uploads the active cart, the same step checkout runs first.
func PublishCart(store CartPublisher, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.Publish(r.Context()); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]string{"status": "published"})
	}
}
