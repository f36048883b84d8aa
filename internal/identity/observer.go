package identity

import (
	"context"
	"sync"

	"github.com/angelmondragon/packfinderz-client/internal/credentials"
	"github.com/angelmondragon/packfinderz-client/pkg/auth"
	"github.com/angelmondragon/packfinderz-client/pkg/events"
	"github.com/angelmondragon/packfinderz-client/pkg/logger"
)

type credentialSource interface {
	Snapshot() credentials.Record
	Subscribe(fn func(credentials.Record)) events.Unsubscribe
}

// UnknownUser stands in for a logged-in session whose access token does not
// carry a readable user id. It keeps such sessions out of the guest cart.
const UnknownUser = "unknown"

// Observer tracks the user id carried by the current access token. Guests and
// logged-out sessions have no identity ("").
type Observer struct {
	logg *logger.Logger

	mu      sync.Mutex
	current string

	changes     *events.Broker[string]
	unsubscribe events.Unsubscribe
}

func NewObserver(creds credentialSource, logg *logger.Logger) *Observer {
	if logg == nil {
		logg = logger.Nop()
	}
	o := &Observer{
		logg:    logg,
		current: userIDFrom(creds.Snapshot()),
		changes: events.NewBroker[string](),
	}
	o.unsubscribe = creds.Subscribe(o.update)
	return o
}

// Current returns the user id, or "" for none.
func (o *Observer) Current() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Subscribe is notified only when the identity actually changes.
func (o *Observer) Subscribe(fn func(string)) events.Unsubscribe {
	return o.changes.Subscribe(fn)
}

func (o *Observer) Close() {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
}

func (o *Observer) update(rec credentials.Record) {
	next := userIDFrom(rec)

	o.mu.Lock()
	if next == o.current {
		o.mu.Unlock()
		return
	}
	o.current = next
	o.mu.Unlock()

	ctx := o.logg.WithUserID(context.Background(), next)
	o.logg.Info(ctx, "identity.changed")
	o.changes.Publish(next)
}

func userIDFrom(rec credentials.Record) string {
	if rec.Validity() != credentials.ValidityLoggedIn {
		return ""
	}
	if id := auth.UserIDFromToken(rec.AccessToken); id != "" {
		return id
	}
	return UnknownUser
}
