package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"ovpn-console/internal/audit"
	"ovpn-console/internal/sysinfo"
	"ovpn-console/internal/version"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	if s.system == nil {
		unavailable(w, "system monitor")
		return
	}
	writeJSON(w, http.StatusOK, s.system.Info())
}

// handleHealth is public. A red overall status answers 503 so load balancers
// and monitors can act on the code alone.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.system == nil {
		unavailable(w, "system monitor")
		return
	}
	health := s.system.Health(r.Context())
	status := http.StatusOK
	if health.Overall == sysinfo.Red {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Current())
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		unavailable(w, "audit log")
		return
	}
	filter, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.audit.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

type queryError string

func (e queryError) Error() string { return string(e) }

// parseAuditFilter reads actor, action, outcome, since (unix seconds or
// RFC 3339), limit and offset from the query string.
func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	filter := audit.Filter{
		Actor:   strings.TrimSpace(q.Get("actor")),
		Action:  strings.TrimSpace(q.Get("action")),
		Outcome: strings.TrimSpace(q.Get("outcome")),
		Limit:   defaultAuditLimit,
	}
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.Since = time.Unix(unix, 0)
		} else if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.Since = ts
		} else {
			return filter, queryError("invalid since")
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, queryError("invalid limit")
		}
		filter.Limit = min(limit, maxAuditLimit)
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, queryError("invalid offset")
		}
		filter.Offset = offset
	}
	return filter, nil
}
