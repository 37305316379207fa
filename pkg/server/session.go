package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/gorilla/websocket"
)

// subscriberBuffer is how many events may queue for one subscriber before
// it is considered too slow and dropped
const subscriberBuffer = 32

// Session is the authenticated caller of a request
type Session struct {
	UserID    int64
	Username  string
	Token     string
	CSRFToken string
}

type sessionKey struct{}

func withSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// sessionFrom returns the session stored by requireAuth
func sessionFrom(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionKey{}).(*Session)
	return sess
}

// Subscriber is one websocket connection following a room
type Subscriber struct {
	ID      uint64
	Session *Session
	Slug    string
	Conn    *SafeConn

	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// SessionManager tracks live room subscriptions and relays room events
type SessionManager struct {
	mu      sync.RWMutex
	rooms   map[string]map[uint64]*Subscriber // slug -> subscriber ID -> subscriber
	nextID  uint64
	metrics *Metrics
}

// NewSessionManager creates an empty session manager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		rooms:  make(map[string]map[uint64]*Subscriber),
		nextID: 1,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// Subscribe registers conn as a subscriber of slug and starts its write pump
func (sm *SessionManager) Subscribe(slug string, sess *Session, conn *SafeConn) *Subscriber {
	sm.mu.Lock()
	sub := &Subscriber{
		ID:      sm.nextID,
		Session: sess,
		Slug:    slug,
		Conn:    conn,
		send:    make(chan []byte, subscriberBuffer),
		done:    make(chan struct{}),
	}
	sm.nextID++
	if sm.rooms[slug] == nil {
		sm.rooms[slug] = make(map[uint64]*Subscriber)
	}
	sm.rooms[slug][sub.ID] = sub
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RoomSubscribers.Inc()
	}

	go sm.writePump(sub)

	debugLog.Debug().Uint64("subscriber", sub.ID).Str("slug", slug).Str("user", sess.Username).Msg("room subscribed")
	return sub
}

// Unsubscribe removes sub and closes its connection. Safe to call twice.
func (sm *SessionManager) Unsubscribe(sub *Subscriber) {
	sm.mu.Lock()
	subs := sm.rooms[sub.Slug]
	_, present := subs[sub.ID]
	if present {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(sm.rooms, sub.Slug)
		}
	}
	sm.mu.Unlock()

	sub.closeOnce.Do(func() {
		close(sub.done)
		sub.Conn.Close()
	})

	if present && sm.metrics != nil {
		sm.metrics.RoomSubscribers.Dec()
	}
}

// Broadcast queues ev for every subscriber of slug and returns how many
// subscribers it reached. Subscribers whose queue is full are dropped.
func (sm *SessionManager) Broadcast(slug string, ev protocol.RoomEvent) int {
	data, err := json.Marshal(ev)
	if err != nil {
		errorLog.Error().Err(err).Str("slug", slug).Msg("encode room event failed")
		return 0
	}

	sm.mu.RLock()
	targets := make([]*Subscriber, 0, len(sm.rooms[slug]))
	for _, sub := range sm.rooms[slug] {
		targets = append(targets, sub)
	}
	sm.mu.RUnlock()

	sent := 0
	var slow []*Subscriber
	for _, sub := range targets {
		select {
		case sub.send <- data:
			sent++
		case <-sub.done:
		default:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		debugLog.Debug().Uint64("subscriber", sub.ID).Str("slug", slug).Msg("dropping slow subscriber")
		sm.Unsubscribe(sub)
	}

	if sm.metrics != nil {
		sm.metrics.RoomEvents.WithLabelValues(ev.Type).Inc()
	}
	debugLog.Debug().Str("slug", slug).Str("type", ev.Type).Int("subscribers", sent).Msg("room event relayed")
	return sent
}

// SubscriberCount returns the number of live subscribers of slug
func (sm *SessionManager) SubscriberCount(slug string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.rooms[slug])
}

// CloseAll tells every subscriber the server is going away and closes it
func (sm *SessionManager) CloseAll() {
	sm.mu.RLock()
	var all []*Subscriber
	for _, subs := range sm.rooms {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	sm.mu.RUnlock()

	for _, sub := range all {
		sub.Conn.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
		sm.Unsubscribe(sub)
	}
}

// writePump is the only goroutine that writes data frames to sub
func (sm *SessionManager) writePump(sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer sm.Unsubscribe(sub)

	for {
		select {
		case data := <-sub.send:
			if err := sub.Conn.WriteText(data); err != nil {
				debugLog.Debug().Err(err).Uint64("subscriber", sub.ID).Msg("room event write failed")
				return
			}
		case <-ticker.C:
			if err := sub.Conn.Ping(); err != nil {
				return
			}
		case <-sub.done:
			return
		}
	}
}
