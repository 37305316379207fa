package server

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Clients authenticate with a bearer header rather than cookies, so a
	// cross-origin page cannot ride an existing session.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleRoomSocket upgrades the request and relays the room's events to
// the caller until either side closes the connection. Only members may
// subscribe; viewers included.
func (s *Server) handleRoomSocket(w http.ResponseWriter, r *http.Request, sess *Session) {
	room, _, ok := s.roomAccess(w, r, sess)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		debugLog.Debug().Err(err).Str("slug", room.Slug).Msg("websocket upgrade failed")
		return
	}

	conn := NewSafeConn(ws)
	sub := s.sessions.Subscribe(room.Slug, sess, conn)
	debugLog.Debug().Str("remote", conn.RemoteAddr().String()).Str("slug", room.Slug).Msg("websocket connected")

	if err := conn.ReadLoop(); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		debugLog.Debug().Err(err).Uint64("subscriber", sub.ID).Msg("websocket read ended")
	}
	s.sessions.Unsubscribe(sub)
}
