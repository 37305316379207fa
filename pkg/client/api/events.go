package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	eventBuffer      = 64
)

// wsURL turns the HTTP base URL into the websocket URL for path.
func (c *Client) wsURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// SubscribeRoom opens the room event relay. Events are delivered on the
// returned channel until ctx is cancelled or the server closes the
// connection, at which point the channel is closed.
func (c *Client) SubscribeRoom(ctx context.Context, slug string) (<-chan protocol.RoomEvent, error) {
	target, err := c.wsURL("/ws/room/" + url.PathEscape(slug))
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token := c.Token(); token != "" {
		header.Set(protocol.AuthHeader, "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, readStatusError(resp)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", strings.TrimPrefix(target, c.baseURL), err)
	}

	events := make(chan protocol.RoomEvent, eventBuffer)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(events)
		defer close(done)
		defer conn.Close()

		for {
			var ev protocol.RoomEvent
			if err := conn.ReadJSON(&ev); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
					c.logger.Warn().Err(err).Str("slug", slug).Msg("room event stream ended")
				}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}
