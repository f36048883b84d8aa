package api

import (
	"context"
	"net/http"

	"github.com/angelmondragon/packfinderz-client/internal/cart"
	"github.com/angelmondragon/packfinderz-client/internal/session"
)

const (
	cartIntentPath  = "/api/v1/cart/intent"
	unreadCountPath = "/api/v1/notifications/unread-count"
)

// CartGateway publishes cart intents through the session coordinator.
type CartGateway struct {
	doer session.Doer
}

func NewCartGateway(doer session.Doer) *CartGateway {
	return &CartGateway{doer: doer}
}

func (g *CartGateway) PublishCart(ctx context.Context, lines []cart.PublishLine) error {
	if lines == nil {
		lines = []cart.PublishLine{}
	}
	_, err := g.doer.Do(ctx, &session.Request{
		Method: http.MethodPut,
		Path:   cartIntentPath,
		Body:   lines,
	})
	return err
}

// NotificationsGateway reads the authoritative unread count.
type NotificationsGateway struct {
	doer session.Doer
}

func NewNotificationsGateway(doer session.Doer) *NotificationsGateway {
	return &NotificationsGateway{doer: doer}
}

type unreadCountResponse struct {
	UnreadCount int `json:"unread_count"`
}

func (g *NotificationsGateway) UnreadCount(ctx context.Context) (int, error) {
	resp, err := g.doer.Do(ctx, &session.Request{Method: http.MethodGet, Path: unreadCountPath})
	if err != nil {
		return 0, err
	}
	var out unreadCountResponse
	if err := resp.Decode(&out); err != nil {
		return 0, err
	}
	return out.UnreadCount, nil
}
