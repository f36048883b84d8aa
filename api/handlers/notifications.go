package handlers

import (
	"net/http"

	"github.com/angelmondragon/packfinderz-client/api/responses"
	"github.com/angelmondragon/packfinderz-client/internal/notifications"
)

type UnreadReader interface {
	Unread() int
	State() notifications.ConnState
}

type unreadView struct {
	Unread     int                     `json:"unread"`
	Connection notifications.ConnState `json:"connection"`
}

func Unread(sync UnreadReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, unreadView{Unread: sync.Unread(), Connection: sync.State()})
	}
}
