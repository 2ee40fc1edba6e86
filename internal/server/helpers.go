package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"ovpn-console/internal/auth"
	"ovpn-console/internal/backup"
	"ovpn-console/internal/certs"
	"ovpn-console/internal/firewall"
	"ovpn-console/internal/process"
	"ovpn-console/internal/settings"
	"ovpn-console/internal/users"
	"ovpn-console/internal/vpn"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" unavailable")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func requireIDParam(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, key))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+key)
		return 0, false
	}
	return id, true
}

// requireNameParam reads a VPN instance or client name from the route and
// rejects anything unsafe for paths or process matching.
func (s *Server) requireNameParam(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	name := strings.TrimSpace(chi.URLParam(r, key))
	if err := vpn.ValidateName(name); err != nil {
		if errors.Is(err, vpn.ErrSecurity) {
			s.securityViolation(r, "http."+key, name, err)
		}
		label := key
		if key == "name" {
			label = "vpn"
		}
		writeError(w, http.StatusBadRequest, "invalid "+label+" name")
		return "", false
	}
	return name, true
}

func (s *Server) securityViolation(r *http.Request, action, target string, err error) {
	if s.audit == nil {
		s.log.WithError(err).WithField("target", target).Warn("security violation")
		return
	}
	s.audit.SecurityViolation(r.Context(), action, target, err.Error())
}

func queryBool(r *http.Request, key string) bool {
	value, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && value
}

// allowedHosts rejects requests whose Host header is not listed.
func allowedHosts(hosts []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(hosts))
	for _, host := range hosts {
		allowed[strings.ToLower(strings.TrimSpace(host))] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := strings.ToLower(r.Host)
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}
			if _, ok := allowed["*"]; ok {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := allowed[host]; !ok {
				writeError(w, http.StatusBadRequest, "host not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeVPNError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, vpn.ErrSecurity):
		if !process.Reported(err) {
			s.securityViolation(r, "vpn.input", r.URL.Path, err)
		}
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, vpn.ErrVPNValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, vpn.ErrVPNNotFound), errors.Is(err, vpn.ErrClientNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, vpn.ErrVPNAlreadyExists), errors.Is(err, vpn.ErrClientExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, process.ErrConfigMissing), errors.Is(err, process.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, process.ErrScanFailed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.WithError(err).WithField("path", r.URL.Path).Error("vpn request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeCertError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, vpn.ErrSecurity), errors.Is(err, vpn.ErrVPNValidation):
		s.writeVPNError(w, r, err)
	case errors.Is(err, certs.ErrCertificateNotFound), errors.Is(err, certs.ErrNoCRL):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, certs.ErrCANotInitialized), errors.Is(err, certs.ErrCAExists), errors.Is(err, certs.ErrNoTLSAuthKey):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.WithError(err).WithField("path", r.URL.Path).Error("certificate request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeUserError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, users.ErrUserValidation), errors.Is(err, users.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, users.ErrUserNotFound), errors.Is(err, users.ErrGroupNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, users.ErrUserExists), errors.Is(err, users.ErrGroupExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, users.ErrProtected), errors.Is(err, users.ErrAccountLocked):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrAccountDisabled):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrAPIKeyNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeUserError(w, err)
	}
}

func writeFirewallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, firewall.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, firewall.ErrAliasNotFound), errors.Is(err, firewall.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, firewall.ErrAliasExists), errors.Is(err, firewall.ErrAliasInUse):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, firewall.ErrApplyFailed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeBackupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backup.ErrInvalidID), errors.Is(err, backup.ErrInvalidSnapshot):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, backup.ErrBackupNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeSettingsError(w http.ResponseWriter, err error) {
	if errors.Is(err, settings.ErrInvalid) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
