package server

import (
	"net/http"

	"ovpn-console/internal/audit"
	"ovpn-console/internal/settings"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		unavailable(w, "settings")
		return
	}
	current, err := s.settings.Get()
	if err != nil {
		writeSettingsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		unavailable(w, "settings")
		return
	}
	var payload settings.Update
	if !decodeJSON(w, r, &payload) {
		return
	}
	updated, err := s.settings.Update(payload)
	if err != nil {
		writeSettingsError(w, err)
		return
	}
	if payload.LogLevel != nil && updated.LogLevel != "" && s.logs != nil {
		if err := s.logs.SetLevel(updated.LogLevel); err != nil {
			writeSettingsError(w, err)
			return
		}
	}
	s.record(r.Context(), "settings.update", "settings", audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, updated)
}
