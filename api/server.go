package api

import (
	"net/http"
	"time"

	"github.com/angelmondragon/packfinderz-client/pkg/config"
)

// NewServer wraps the inspector router in an http.Server bound to cfg.Addr.
func NewServer(cfg config.InspectorConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
