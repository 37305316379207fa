package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aeolun/cipherchat/pkg/database"
	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	saltSize        = 16
	shutdownTimeout = 5 * time.Second
)

var (
	errorLog = zerolog.Nop()
	debugLog = zerolog.Nop()
)

// Server is the cipherchat blob-store server. It holds ciphertext, public
// keys and salts; every key that protects content stays on the clients.
type Server struct {
	db         *database.MemDB
	sessions   *SessionManager
	config     ServerConfig
	configPath string
	metrics    *Metrics
	httpServer *http.Server
	listener   net.Listener
	shutdown   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	startTime  time.Time
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPPort                 int    // 0 picks a free port
	DataDir                  string // Log directory; empty uses the XDG data dir
	MetricsPath              string // Empty disables the metrics endpoint
	MaxBodyBytes             int64
	MaxInvitationsPerRequest int
	SessionTTL               time.Duration
	TokenCleanupInterval     time.Duration
	SearchLimit              int

	// Echo assistant
	DefaultModel string
	ChunkDelay   time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:                 8080,
		MetricsPath:              "/metrics",
		MaxBodyBytes:             1 << 20,
		MaxInvitationsPerRequest: 50,
		SessionTTL:               30 * 24 * time.Hour,
		TokenCleanupInterval:     time.Hour,
		SearchLimit:              20,
		DefaultModel:             "echo",
		ChunkDelay:               20 * time.Millisecond,
	}
}

// NewServer opens the database, initializes logging and issues any missing
// server salts
func NewServer(dbPath string, config ServerConfig, configPath string) (*Server, error) {
	sqliteDB, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initLoggers(config.DataDir); err != nil {
		sqliteDB.Close()
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	memDB := database.NewMemDB(sqliteDB, config.TokenCleanupInterval)
	s := newServer(memDB, config)
	s.configPath = configPath

	if err := s.ensureSalts(); err != nil {
		memDB.Close()
		return nil, err
	}
	return s, nil
}

// newServer wires a server around an open database without touching the
// filesystem
func newServer(db *database.MemDB, config ServerConfig) *Server {
	metrics := NewMetrics()
	sessions := NewSessionManager()
	sessions.SetMetrics(metrics)

	return &Server{
		db:        db,
		sessions:  sessions,
		config:    config,
		metrics:   metrics,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}
}

// ensureSalts issues a random salt for every known label that has none.
// Existing salts are never replaced; doing so would orphan every key
// derived from them.
func (s *Server) ensureSalts() error {
	for _, label := range protocol.SaltLabels {
		if _, err := s.db.GetSalt(label); err == nil {
			continue
		} else if !errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("failed to read salt %s: %w", label, err)
		}

		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
		if _, err := s.db.EnsureSalt(label, salt); err != nil {
			return err
		}
		log.Info().Str("label", label).Msg("issued server salt")
	}
	return nil
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir(override string) (string, error) {
	dataDir := override
	if dataDir == "" {
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			dataDir = filepath.Join(xdg, "cipherchat")
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			dataDir = filepath.Join(homeDir, ".local", "share", "cipherchat")
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// initLoggers sets up error and debug loggers
func initLoggers(dataDirOverride string) error {
	dataDir, err := getServerDataDir(dataDirOverride)
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorFile, err := os.OpenFile(filepath.Join(dataDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	// Startup marker distinguishes between runs
	if _, err := fmt.Fprintf(errorFile, "=== Server started at %s ===\n", time.Now().Format(time.RFC3339)); err != nil {
		return err
	}

	errorLog = zerolog.New(zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr}, errorFile)).
		With().Timestamp().Str("log", "error").Logger()

	// Debug log is discarded unless EnableDebugLogging is called
	debugLog = zerolog.Nop()

	// The global logger (used by the database package) goes to stdout and
	// server.log, truncated per run
	serverLogFile, err := os.OpenFile(filepath.Join(dataDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	log.Logger = zerolog.New(io.MultiWriter(zerolog.ConsoleWriter{Out: os.Stdout}, serverLogFile)).
		With().Timestamp().Logger()

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir(s.config.DataDir)
	if err != nil {
		log.Error().Err(err).Msg("failed to get data directory")
		return
	}

	debugLogFile, err := os.OpenFile(filepath.Join(dataDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		log.Error().Err(err).Msg("failed to open debug.log")
		return
	}

	debugLog = zerolog.New(debugLogFile).With().Timestamp().Logger().Level(zerolog.DebugLevel)
	debugLog.Debug().Msg("debug logging enabled")
}

// Handler returns the HTTP handler serving the API, the websocket relay,
// health and metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Accounts
	mux.HandleFunc("POST /req/register", s.handleRegister)
	mux.HandleFunc("POST /req/login", s.handleLogin)
	mux.HandleFunc("POST /req/logout", s.requireAuth(s.handleLogout))
	mux.HandleFunc("GET /req/crypto/getServerSalt", s.requireAuth(s.handleServerSalt))
	mux.HandleFunc("GET /req/search", s.requireAuth(s.handleSearch))
	mux.HandleFunc("POST /req/profile/backupPassKey", s.requireAuth(s.handleBackupPasskey))
	mux.HandleFunc("GET /req/profile/requestPasskeyBackup", s.requireAuth(s.handleRequestPasskeyBackup))

	// Keychain
	mux.HandleFunc("GET /keychain", s.requireAuth(s.handleGetKeychain))
	mux.HandleFunc("POST /keychain", s.requireAuth(s.handleUpdateKeychain))
	mux.HandleFunc("GET /keychain/legacy", s.requireAuth(s.handleLegacyKeychain))
	mux.HandleFunc("POST /keychain/markAsMigrated", s.requireAuth(s.handleMarkMigrated))
	mux.HandleFunc("GET /keychain/validator", s.requireAuth(s.handleValidator))

	// Invitations
	mux.HandleFunc("POST /req/inv/store-invitations/{slug}", s.requireAuth(s.handleStoreInvitations))
	mux.HandleFunc("POST /req/inv/sendExternInvitation", s.requireAuth(s.handleExternInvitation))
	mux.HandleFunc("GET /req/inv/requestUserInvitations", s.requireAuth(s.handleUserInvitations))
	mux.HandleFunc("GET /req/inv/requestInvitation/{slug}", s.requireAuth(s.handleRoomInvitation))
	mux.HandleFunc("POST /req/inv/roomInvitationAccept", s.requireAuth(s.handleAcceptInvitation))
	mux.HandleFunc("DELETE /req/inv/deleteInvitation/{slug}", s.requireAuth(s.handleDeleteInvitation))
	mux.HandleFunc("POST /req/inv/convertTempHashInvitation", s.requireAuth(s.handleConvertInvitation))

	// Rooms
	mux.HandleFunc("POST /req/room/createRoom", s.requireAuth(s.handleCreateRoom))
	mux.HandleFunc("GET /req/room/{slug}", s.requireAuth(s.handleGetRoom))
	mux.HandleFunc("POST /req/room/updateInfo/{slug}", s.requireAuth(s.handleUpdateRoomInfo))
	mux.HandleFunc("POST /req/room/sendMessage/{slug}", s.requireAuth(s.handleSendRoomMessage))
	mux.HandleFunc("POST /req/room/updateMessage/{slug}", s.requireAuth(s.handleUpdateRoomMessage))
	mux.HandleFunc("GET /req/room/message/get/{slug}/{id}", s.requireAuth(s.handleGetRoomMessage))
	mux.HandleFunc("DELETE /req/room/leaveRoom/{slug}", s.requireAuth(s.handleLeaveRoom))

	// Conversations
	mux.HandleFunc("POST /req/conv/createChat", s.requireAuth(s.handleCreateConversation))
	mux.HandleFunc("GET /req/conv/{slug}", s.requireAuth(s.handleGetConversation))
	mux.HandleFunc("POST /req/conv/sendMessage/{slug}", s.requireAuth(s.handleSendConversationMessage))
	mux.HandleFunc("POST /req/conv/updateMessage/{slug}", s.requireAuth(s.handleUpdateConversationMessage))

	// Assistant and relay
	mux.HandleFunc("POST /req/streamAI", s.requireAuth(s.handleStreamAI))
	mux.HandleFunc("GET /ws/room/{slug}", s.requireAuth(s.handleRoomSocket))

	mux.HandleFunc("GET /health", s.HealthHandler)
	if s.config.MetricsPath != "" {
		mux.Handle("GET "+s.config.MetricsPath, s.metrics.Handler())
	}

	return s.instrument(mux)
}

// Start listens on the configured port and serves in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Info().Str("addr", listener.Addr().String()).Msg("HTTP server listening")
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the listening address once Start succeeded
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	var stopErr error
	s.stopOnce.Do(func() {
		log.Info().Msg("graceful shutdown initiated")

		// Running streams see this and end with status "cancelled"
		select {
		case <-s.shutdown:
		default:
			close(s.shutdown)
		}

		// Hijacked websocket connections are not tracked by Shutdown
		s.sessions.CloseAll()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := s.httpServer.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("HTTP shutdown")
			}
			cancel()
		}

		s.wg.Wait()

		if err := s.db.Close(); err != nil {
			log.Error().Err(err).Msg("error during database close")
			stopErr = err
			return
		}
		log.Info().Msg("graceful shutdown complete")
	})
	return stopErr
}

// HealthHandler reports liveness and uptime
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}{
		Status: "ok",
		Uptime: time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

// statusRecorder captures the response code for metrics. It forwards
// Flush so NDJSON streams still flush and Hijack for the websocket
// upgrader.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument records request counts and latency per route pattern
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.HTTPRequests.WithLabelValues(route, fmt.Sprint(status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
