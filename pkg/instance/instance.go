package instance

import (
	"os"

	"github.com/angelmondragon/packfinderz-client/pkg/env"
)

// GetID names this client install in logs: PFC_INSTANCE_ID, else the host name.
func GetID() string {
	if id := env.Get("PFC_INSTANCE_ID", ""); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "client-0"
}
