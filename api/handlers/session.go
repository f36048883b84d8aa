package handlers

import (
	"net/http"

	"github.com/angelmondragon/packfinderz-client/api/responses"
	"github.com/angelmondragon/packfinderz-client/internal/credentials"
	"github.com/angelmondragon/packfinderz-client/internal/session"
)

type ValidityReader interface {
	Validity() credentials.Validity
}

type CoordinatorReader interface {
	State() session.State
}

type IdentityReader interface {
	Current() string
}

type sessionView struct {
	Validity     credentials.Validity `json:"validity"`
	RefreshState session.State        `json:"refresh_state"`
	UserID       string               `json:"user_id,omitempty"`
}

// Session exposes the session validity signal. Tokens are never returned.
func Session(creds ValidityReader, coord CoordinatorReader, identity IdentityReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, sessionView{
			Validity:     creds.Validity(),
			RefreshState: coord.State(),
			UserID:       identity.Current(),
		})
	}
}
