package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ovpn-console/internal/audit"
	"ovpn-console/internal/backup"
)

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		unavailable(w, "backup manager")
		return
	}
	list, err := s.backups.List()
	if err != nil {
		writeBackupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": list})
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		unavailable(w, "backup manager")
		return
	}
	var payload struct {
		Note string `json:"note"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &payload) {
		return
	}
	summary, err := s.backups.Create(r.Context(), strings.TrimSpace(payload.Note))
	if err != nil {
		s.record(r.Context(), "backup.create", "", audit.OutcomeFailure, err.Error())
		writeBackupError(w, err)
		return
	}
	s.record(r.Context(), "backup.create", summary.ID, audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusCreated, map[string]any{"backup": summary})
}

// handleRestoreBackup replaces the database and PKI files with the snapshot,
// then reapplies state that lives outside the database.
func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		unavailable(w, "backup manager")
		return
	}
	id, ok := requireBackupID(w, r)
	if !ok {
		return
	}
	result, err := s.backups.Restore(r.Context(), id)
	if err != nil {
		s.record(r.Context(), "backup.restore", id, audit.OutcomeFailure, err.Error())
		writeBackupError(w, err)
		return
	}
	s.record(r.Context(), "backup.restore", id, audit.OutcomeSuccess, "")
	s.reapplyFirewall(r.Context())
	if s.settings != nil && s.logs != nil {
		if current, err := s.settings.Get(); err == nil && current.LogLevel != "" {
			if err := s.logs.SetLevel(current.LogLevel); err != nil {
				result.Warnings = append(result.Warnings, "log level: "+err.Error())
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"restore": result})
}

func (s *Server) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		unavailable(w, "backup manager")
		return
	}
	id, ok := requireBackupID(w, r)
	if !ok {
		return
	}
	if err := s.backups.Delete(id); err != nil {
		writeBackupError(w, err)
		return
	}
	s.record(r.Context(), "backup.delete", id, audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func requireBackupID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := backup.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid backup id")
		return "", false
	}
	return id, true
}
