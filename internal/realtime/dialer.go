// Package realtime is the websocket transport behind the notification
// synchronizer.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/angelmondragon/packfinderz-client/internal/notifications"
	"github.com/angelmondragon/packfinderz-client/pkg/config"
	pkgerrors "github.com/angelmondragon/packfinderz-client/pkg/errors"
	"github.com/angelmondragon/packfinderz-client/pkg/logger"
)

const (
	frameCreated = "notification.created"
	frameRead    = "notification.read"
	frameReadAll = "notification.read_all"

	writeWait = 5 * time.Second
)

type frame struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids,omitempty"`
}

type Dialer struct {
	url              string
	handshakeTimeout time.Duration
	pingInterval     time.Duration
	logg             *logger.Logger
}

func NewDialer(cfg config.RealtimeConfig, logg *logger.Logger) (*Dialer, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("realtime url is required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Dialer{
		url:              url,
		handshakeTimeout: cfg.HandshakeTimeout,
		pingInterval:     cfg.PingInterval,
		logg:             logg,
	}, nil
}

// Connect opens the socket with the access token as bearer credentials.
func (d *Dialer) Connect(ctx context.Context, accessToken string) (notifications.Channel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}

	header := http.Header{}
	if accessToken != "" {
		header.Set("Authorization", "Bearer "+accessToken)
	}
	conn, resp, err := dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			return nil, pkgerrors.Wrap(pkgerrors.FromHTTPStatus(resp.StatusCode), err,
				fmt.Sprintf("websocket handshake rejected with status %d", resp.StatusCode))
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	ch := newChannel(conn, d.pingInterval, d.logg)
	d.logg.Info(ctx, "realtime.connected")
	return ch, nil
}

type channel struct {
	conn         *websocket.Conn
	logg         *logger.Logger
	pingInterval time.Duration

	events    chan notifications.Event
	done      chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex

	mu  sync.Mutex
	err error
}

func newChannel(conn *websocket.Conn, pingInterval time.Duration, logg *logger.Logger) *channel {
	c := &channel{
		conn:         conn,
		logg:         logg,
		pingInterval: pingInterval,
		events:       make(chan notifications.Event, 16),
		done:         make(chan struct{}),
	}
	if pingInterval > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		})
		_ = conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		go c.heartbeat()
	}
	go c.readLoop()
	return c
}

func (c *channel) Events() <-chan notifications.Event {
	return c.events
}

func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *channel) readLoop() {
	defer close(c.events)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		ev, ok := decodeFrame(message)
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *channel) fail(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *channel) heartbeat() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logg.Warn(c.logg.WithField(context.Background(), "error", err.Error()), "realtime.ping.failed")
				return
			}
		}
	}
}

// decodeFrame maps a server frame to a push event. Unknown frames are skipped.
func decodeFrame(message []byte) (notifications.Event, bool) {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		return notifications.Event{}, false
	}
	switch f.Type {
	case frameCreated:
		return notifications.Event{Kind: notifications.EventNewItem}, true
	case frameRead:
		return notifications.Event{Kind: notifications.EventMarkedRead, IDs: f.IDs}, true
	case frameReadAll:
		return notifications.Event{Kind: notifications.EventMarkedAllRead}, true
	}
	return notifications.Event{}, false
}
