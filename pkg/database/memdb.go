package database

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MemDB fronts the SQLite database with an in-memory cache of the hot
// read paths: salts (read on every key derivation) and bearer tokens
// (read on every request). Writes go through to SQLite first; everything
// else is served by the embedded DB.
type MemDB struct {
	*DB

	mu     sync.RWMutex
	salts  map[string][]byte
	tokens map[string]*AuthToken

	cleanupInterval time.Duration
	shutdown        chan struct{}
	wg              sync.WaitGroup
}

// NewMemDB wraps sqliteDB and starts the expired-token cleanup loop
func NewMemDB(sqliteDB *DB, cleanupInterval time.Duration) *MemDB {
	m := &MemDB{
		DB:              sqliteDB,
		salts:           make(map[string][]byte),
		tokens:          make(map[string]*AuthToken),
		cleanupInterval: cleanupInterval,
		shutdown:        make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupLoop()

	return m
}

// Close stops the cleanup loop and closes the database
func (m *MemDB) Close() error {
	close(m.shutdown)
	m.wg.Wait()
	return m.DB.Close()
}

func (m *MemDB) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupExpiredTokens()
		case <-m.shutdown:
			return
		}
	}
}

func (m *MemDB) cleanupExpiredTokens() {
	now := time.Now()

	m.mu.Lock()
	for token, t := range m.tokens {
		if t.Expired(now) {
			delete(m.tokens, token)
		}
	}
	m.mu.Unlock()

	removed, err := m.DB.CleanupExpiredTokens()
	if err != nil {
		log.Error().Err(err).Str("component", "memdb").Msg("token cleanup failed")
		return
	}
	if removed > 0 {
		log.Debug().Str("component", "memdb").Int64("removed", removed).Msg("expired tokens removed")
	}
}

// GetSalt returns the cached salt for label, loading it on first use
func (m *MemDB) GetSalt(label string) ([]byte, error) {
	m.mu.RLock()
	salt, ok := m.salts[label]
	m.mu.RUnlock()
	if ok {
		return salt, nil
	}

	salt, err := m.DB.GetSalt(label)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.salts[label] = salt
	m.mu.Unlock()
	return salt, nil
}

// EnsureSalt stores salt for label unless one exists and caches the winner
func (m *MemDB) EnsureSalt(label string, salt []byte) ([]byte, error) {
	stored, err := m.DB.EnsureSalt(label, salt)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.salts[label] = stored
	m.mu.Unlock()
	return stored, nil
}

// CreateAuthToken persists and caches a new token
func (m *MemDB) CreateAuthToken(t *AuthToken, ttl time.Duration) error {
	if err := m.DB.CreateAuthToken(t, ttl); err != nil {
		return err
	}
	cached := *t
	m.mu.Lock()
	m.tokens[t.Token] = &cached
	m.mu.Unlock()
	return nil
}

// GetAuthToken returns a token from cache or SQLite
func (m *MemDB) GetAuthToken(token string) (*AuthToken, error) {
	m.mu.RLock()
	t, ok := m.tokens[token]
	m.mu.RUnlock()
	if ok {
		cp := *t
		return &cp, nil
	}

	t, err := m.DB.GetAuthToken(token)
	if err != nil {
		return nil, err
	}
	cached := *t
	m.mu.Lock()
	m.tokens[token] = &cached
	m.mu.Unlock()
	return t, nil
}

// DeleteAuthToken revokes a token in SQLite and the cache
func (m *MemDB) DeleteAuthToken(token string) error {
	m.mu.Lock()
	delete(m.tokens, token)
	m.mu.Unlock()
	return m.DB.DeleteAuthToken(token)
}
