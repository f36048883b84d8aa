package notifications

import "context"

type EventKind string

const (
	EventNewItem       EventKind = "new-item"
	EventMarkedRead    EventKind = "marked-read"
	EventMarkedAllRead EventKind = "marked-all-read"
)

// Event is one push delta from the realtime channel.
type Event struct {
	Kind EventKind
	IDs  []string
}

// Channel is one live realtime connection. Events is closed when the
// connection ends; Err then reports why (nil on a clean close).
type Channel interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Dialer opens an authenticated realtime channel.
type Dialer interface {
	Connect(ctx context.Context, accessToken string) (Channel, error)
}

// UnreadCounter is the authoritative server-side unread count.
type UnreadCounter interface {
	UnreadCount(ctx context.Context) (int, error)
}

type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)
