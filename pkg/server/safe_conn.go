package server

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// SafeConn wraps a websocket connection with write synchronization.
//
// gorilla/websocket allows one concurrent writer. The subscriber's write
// pump and shutdown both write (data frames, pings, close frames), so every
// write goes through the mutex.
type SafeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a websocket connection with write synchronization
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteText sends one text frame
func (sc *SafeConn) WriteText(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a keepalive ping
func (sc *SafeConn) Ping() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// CloseWithReason sends a close frame and closes the connection
func (sc *SafeConn) CloseWithReason(code int, reason string) error {
	sc.mu.Lock()
	sc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	sc.mu.Unlock()
	return sc.conn.Close()
}

// ReadLoop consumes incoming frames until the peer goes away. Subscribers
// never send data; reading keeps pong and close handling running.
func (sc *SafeConn) ReadLoop() error {
	sc.conn.SetReadLimit(512)
	sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sc.conn.ReadMessage(); err != nil {
			return err
		}
	}
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
