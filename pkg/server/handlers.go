package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/aeolun/cipherchat/pkg/database"
	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/rs/zerolog/log"
)

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debugLog.Debug().Err(err).Msg("write response failed")
	}
}

// writeError sends a {success:false} body
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.Response{Success: false, Error: msg})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, protocol.Response{Success: true})
}

// dbError logs a storage failure and answers 500 without leaking details
func (s *Server) dbError(w http.ResponseWriter, operation string, err error) {
	errorLog.Error().Err(err).Str("op", operation).Msg("database operation failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

// decodeBody reads a size-limited JSON body into v. It writes the error
// response itself and reports whether decoding succeeded.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "empty request body")
		default:
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		}
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Accounts

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	username := strings.TrimSpace(req.Username)
	if err := validateUsername(username); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		errorLog.Error().Err(err).Msg("bcrypt.GenerateFromPassword failed")
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	userID, err := s.db.CreateUser(username, strings.TrimSpace(req.Email), hash)
	if errors.Is(err, database.ErrUserExists) {
		writeError(w, http.StatusConflict, "username already registered")
		return
	}
	if err != nil {
		s.dbError(w, "CreateUser", err)
		return
	}

	user, err := s.db.GetUserByID(userID)
	if err != nil {
		s.dbError(w, "GetUserByID", err)
		return
	}
	log.Info().Str("user", user.Username).Int64("user_id", user.ID).Msg("account registered")
	s.respondWithToken(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req protocol.LoginRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	user, err := s.db.GetUserByUsername(strings.TrimSpace(req.Username))
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		s.dbError(w, "GetUserByUsername", err)
		return
	}
	if !checkPassword(user.PasswordHash, req.Password) {
		debugLog.Debug().Str("user", user.Username).Msg("password verification failed")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := s.db.UpdateUserLastSeen(user.ID); err != nil {
		log.Warn().Err(err).Int64("user_id", user.ID).Msg("failed to update last_seen")
	}
	s.respondWithToken(w, http.StatusOK, user)
}

func (s *Server) respondWithToken(w http.ResponseWriter, status int, user *database.User) {
	token, err := s.issueToken(user)
	if err != nil {
		s.dbError(w, "CreateAuthToken", err)
		return
	}
	writeJSON(w, status, protocol.AuthResponse{
		Success:   true,
		Token:     token.Token,
		CSRFToken: token.CSRFToken,
		Username:  user.Username,
		Email:     user.Email,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, sess *Session) {
	if err := s.db.DeleteAuthToken(sess.Token); err != nil {
		s.dbError(w, "DeleteAuthToken", err)
		return
	}
	writeOK(w)
}

func (s *Server) handleServerSalt(w http.ResponseWriter, r *http.Request, sess *Session) {
	label := r.Header.Get(protocol.SaltLabelHeader)
	if label == "" {
		writeError(w, http.StatusBadRequest, "missing "+protocol.SaltLabelHeader+" header")
		return
	}

	salt, err := s.db.GetSalt(label)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown salt label")
		return
	}
	if err != nil {
		s.dbError(w, "GetSalt", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.SaltResponse{Salt: base64.StdEncoding.EncodeToString(salt)})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, sess *Session) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	users, err := s.db.SearchUsers(query, s.config.SearchLimit)
	if err != nil {
		s.dbError(w, "SearchUsers", err)
		return
	}

	results := make([]protocol.UserSearchResult, 0, len(users))
	for _, u := range users {
		results = append(results, protocol.UserSearchResult{Username: u.Username, PublicKey: u.PublicKey})
	}
	writeJSON(w, http.StatusOK, protocol.SearchResponse{Success: true, Users: results})
}

func (s *Server) handleBackupPasskey(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req protocol.PasskeyBackupRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Username != "" && !strings.EqualFold(req.Username, sess.Username) {
		writeError(w, http.StatusForbidden, "cannot store a backup for another account")
		return
	}
	if req.CipherText == "" || req.IV == "" || req.Tag == "" {
		writeError(w, http.StatusBadRequest, "cipherText, iv and tag are required")
		return
	}

	backup := &database.PasskeyBackup{Ciphertext: req.CipherText, IV: req.IV, Tag: req.Tag}
	if err := s.db.SavePasskeyBackup(sess.UserID, backup); err != nil {
		s.dbError(w, "SavePasskeyBackup", err)
		return
	}
	log.Info().Str("user", sess.Username).Msg("passkey backup stored")
	writeOK(w)
}

func (s *Server) handleRequestPasskeyBackup(w http.ResponseWriter, r *http.Request, sess *Session) {
	backup, err := s.db.GetPasskeyBackup(sess.UserID)
	if errors.Is(err, database.ErrNotFound) {
		writeJSON(w, http.StatusOK, protocol.PasskeyBackupResponse{Success: true})
		return
	}
	if err != nil {
		s.dbError(w, "GetPasskeyBackup", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.PasskeyBackupResponse{
		Success: true,
		PasskeyBackup: &protocol.EncryptedPayload{
			Ciphertext: backup.Ciphertext,
			IV:         backup.IV,
			Tag:        backup.Tag,
		},
	})
}

// ---------------------------------------------------------------------------
// Keychain

func (s *Server) handleGetKeychain(w http.ResponseWriter, r *http.Request, sess *Session) {
	entries, err := s.db.ListKeychain(sess.UserID)
	if err != nil {
		s.dbError(w, "ListKeychain", err)
		return
	}
	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	values := make([]protocol.KeychainValue, 0, len(entries))
	for _, e := range entries {
		values = append(values, protocol.KeychainValue{Key: e.Key, Value: e.Value, Type: protocol.KeyType(e.Type)})
	}
	writeJSON(w, http.StatusOK, values)
}

func (s *Server) handleUpdateKeychain(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req protocol.KeychainUpdateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	update := &database.KeychainUpdate{Clear: req.Clear, PublicKey: req.PublicKey}
	for _, v := range req.Set {
		if v.Key == "" || !v.Type.Valid() || v.Value == "" {
			writeError(w, http.StatusBadRequest, "every entry needs a key, a known type and a value")
			return
		}
		update.Set = append(update.Set, database.KeychainEntry{Key: v.Key, Type: string(v.Type), Value: v.Value})
	}
	for _, ref := range req.Remove {
		if ref.Key == "" || !ref.Type.Valid() {
			writeError(w, http.StatusBadRequest, "every removal needs a key and a known type")
			return
		}
		update.Remove = append(update.Remove, database.KeychainRef{Key: ref.Key, Type: string(ref.Type)})
	}

	if err := s.db.UpdateKeychain(sess.UserID, update); err != nil {
		s.dbError(w, "UpdateKeychain", err)
		return
	}
	debugLog.Debug().Str("user", sess.Username).Bool("clear", req.Clear).
		Int("set", len(update.Set)).Int("remove", len(update.Remove)).Msg("keychain updated")
	writeOK(w)
}

func (s *Server) handleLegacyKeychain(w http.ResponseWriter, r *http.Request, sess *Session) {
	blob, migrated, err := s.db.GetLegacyKeychain(sess.UserID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && migrated) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.dbError(w, "GetLegacyKeychain", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.LegacyKeychainResponse{Success: true, Keychain: blob})
}

func (s *Server) handleMarkMigrated(w http.ResponseWriter, r *http.Request, sess *Session) {
	if err := s.db.MarkKeychainMigrated(sess.UserID); err != nil {
		s.dbError(w, "MarkKeychainMigrated", err)
		return
	}
	log.Info().Str("user", sess.Username).Msg("legacy keychain marked as migrated")
	writeOK(w)
}

func (s *Server) handleValidator(w http.ResponseWriter, r *http.Request, sess *Session) {
	validator, err := s.db.GetKeychainValidator(sess.UserID)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no keychain")
		return
	}
	if err != nil {
		s.dbError(w, "GetKeychainValidator", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ValidatorResponse{Success: true, Validator: validator})
}
