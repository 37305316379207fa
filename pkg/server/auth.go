package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/aeolun/cipherchat/pkg/database"
	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	bearerPrefix      = "Bearer "
	minPasswordLength = 8
	maxUsernameLength = 32
)

var (
	errInvalidUsername = errors.New("username must be 3-32 letters, digits, '.', '_' or '-'")
	errInvalidPassword = fmt.Errorf("password must be at least %d characters", minPasswordLength)
)

// authedHandler is a handler that runs with an authenticated session
type authedHandler func(w http.ResponseWriter, r *http.Request, sess *Session)

// requireAuth resolves the bearer token into a session. Requests other
// than GET must also echo the token's CSRF companion.
func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(protocol.AuthHeader)
		if !strings.HasPrefix(header, bearerPrefix) {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		token, err := s.db.GetAuthToken(strings.TrimPrefix(header, bearerPrefix))
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if err != nil {
			s.dbError(w, "GetAuthToken", err)
			return
		}
		if token.Expired(time.Now()) {
			writeError(w, http.StatusUnauthorized, "token expired")
			return
		}

		if r.Method != http.MethodGet {
			csrf := r.Header.Get(protocol.CSRFHeader)
			if subtle.ConstantTimeCompare([]byte(csrf), []byte(token.CSRFToken)) != 1 {
				writeError(w, http.StatusForbidden, "invalid CSRF token")
				return
			}
		}

		user, err := s.db.GetUserByID(token.UserID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "account no longer exists")
				return
			}
			s.dbError(w, "GetUserByID", err)
			return
		}

		sess := &Session{
			UserID:    user.ID,
			Username:  user.Username,
			Token:     token.Token,
			CSRFToken: token.CSRFToken,
		}
		next(w, r.WithContext(withSession(r.Context(), sess)), sess)
	}
}

// issueToken creates a bearer token and CSRF token for user
func (s *Server) issueToken(user *database.User) (*database.AuthToken, error) {
	token := &database.AuthToken{
		Token:     uuid.NewString(),
		UserID:    user.ID,
		CSRFToken: uuid.NewString(),
	}
	if err := s.db.CreateAuthToken(token, s.config.SessionTTL); err != nil {
		return nil, err
	}
	return token, nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func validateUsername(name string) error {
	if len(name) < 3 || len(name) > maxUsernameLength {
		return errInvalidUsername
	}
	for _, r := range name {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-') {
			return errInvalidUsername
		}
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return errInvalidPassword
	}
	return nil
}
