package server

import (
	"errors"
	"net/http"
	"time"

	"ovpn-console/internal/audit"
	"ovpn-console/internal/auth"
	"ovpn-console/internal/users"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type createAPIKeyRequest struct {
	Description string `json:"description"`
	// TTLSeconds of zero issues a key without expiry.
	TTLSeconds int64 `json:"ttlSeconds"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		unavailable(w, "auth")
		return
	}
	var payload loginRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	session, err := s.auth.Login(r.Context(), payload.Username, payload.Password)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	http.SetCookie(w, auth.SessionCookie(session.Token, session.ExpiresAt, s.cfg.Auth.SecureCookie))
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		unavailable(w, "auth")
		return
	}
	if id := auth.IdentityFrom(r.Context()); id != nil {
		s.auth.Logout(id)
	}
	http.SetCookie(w, auth.ClearSessionCookie(s.cfg.Auth.SecureCookie))
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.users == nil {
		writeJSON(w, http.StatusOK, map[string]any{"identity": id})
		return
	}
	user, err := s.users.Get(r.Context(), id.UserID)
	if err != nil {
		writeUserError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": id, "user": user})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		unavailable(w, "auth")
		return
	}
	id := auth.IdentityFrom(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var payload changePasswordRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	err := s.auth.ChangePassword(r.Context(), id.UserID, payload.CurrentPassword, payload.NewPassword)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusBadRequest, "current password is incorrect")
		return
	}
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		unavailable(w, "auth")
		return
	}
	id := auth.IdentityFrom(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	keys, err := s.auth.ListAPIKeys(r.Context(), id.UserID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"apiKeys": keys})
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		unavailable(w, "auth")
		return
	}
	id := auth.IdentityFrom(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if id.Source == auth.SourceAPIKey {
		writeError(w, http.StatusForbidden, "api keys cannot mint api keys")
		return
	}
	var payload createAPIKeyRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	if payload.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "ttlSeconds must not be negative")
		return
	}
	key, token, err := s.auth.CreateAPIKey(r.Context(), id.UserID, payload.Description, time.Duration(payload.TTLSeconds)*time.Second)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"apiKey": key, "token": token})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		unavailable(w, "auth")
		return
	}
	id := auth.IdentityFrom(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	keyID, ok := requireIDParam(w, r, "id")
	if !ok {
		return
	}
	if err := s.auth.RevokeAPIKey(r.Context(), id.UserID, keyID); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// handleResetPassword lets an admin set another account's local password.
func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		unavailable(w, "user store")
		return
	}
	userID, ok := requireIDParam(w, r, "id")
	if !ok {
		return
	}
	var payload struct {
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &payload) {
		return
	}
	user, err := s.users.Get(r.Context(), userID)
	if err != nil {
		writeUserError(w, err)
		return
	}
	if user.AuthSource != users.SourceLocal {
		writeError(w, http.StatusBadRequest, "password is managed by the directory")
		return
	}
	if err := s.users.SetPassword(r.Context(), userID, payload.Password); err != nil {
		writeUserError(w, err)
		return
	}
	s.record(r.Context(), "user.password_reset", user.Username, audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
