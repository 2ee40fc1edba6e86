package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"ovpn-console/internal/audit"
	"ovpn-console/internal/ovpnconf"
	"ovpn-console/internal/vpn"
)

func (s *Server) handleListVPNs(w http.ResponseWriter, r *http.Request) {
	if s.instances == nil {
		unavailable(w, "vpn store")
		return
	}
	list, err := s.instances.List(r.Context())
	if err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	if s.processes != nil && len(list) > 0 {
		names := make([]string, 0, len(list))
		for _, inst := range list {
			names = append(names, inst.Name)
		}
		live := s.processes.RefreshAll(r.Context(), names)
		for i := range list {
			if status, ok := live[list[i].Name]; ok {
				list[i].Status = status
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": list})
}

func (s *Server) handleGetVPN(w http.ResponseWriter, r *http.Request) {
	if s.instances == nil {
		unavailable(w, "vpn store")
		return
	}
	name, ok := s.requireNameParam(w, r, "name")
	if !ok {
		return
	}
	inst, err := s.instances.Get(r.Context(), name)
	if err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	if s.processes != nil {
		// Status never reports stopped on a failed scan; it answers unknown.
		status, _ := s.processes.Status(r.Context(), name)
		inst.Status = status
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance": inst})
}

func (s *Server) handleCreateVPN(w http.ResponseWriter, r *http.Request) {
	if s.instances == nil {
		unavailable(w, "vpn store")
		return
	}
	var payload vpn.UpsertRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	if payload.DNSServers == nil && s.settings != nil {
		if current, err := s.settings.Get(); err == nil && current.DefaultDNS != "" {
			payload.DNSServers = &current.DefaultDNS
		}
	}
	inst, err := s.instances.Create(r.Context(), payload)
	if err != nil {
		s.record(r.Context(), "vpn.create", payload.Name, audit.OutcomeFailure, err.Error())
		s.writeVPNError(w, r, err)
		return
	}
	s.record(r.Context(), "vpn.create", inst.Name, audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusCreated, map[string]any{"instance": inst})
}

func (s *Server) handleUpdateVPN(w http.ResponseWriter, r *http.Request) {
	if s.instances == nil {
		unavailable(w, "vpn store")
		return
	}
	name, ok := s.requireNameParam(w, r, "name")
	if !ok {
		return
	}
	var payload vpn.UpsertRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	inst, err := s.instances.Update(r.Context(), name, payload)
	if err != nil {
		s.record(r.Context(), "vpn.update", name, audit.OutcomeFailure, err.Error())
		s.writeVPNError(w, r, err)
		return
	}
	s.record(r.Context(), "vpn.update", inst.Name, audit.OutcomeSuccess, "")
	s.reapplyFirewall(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"instance": inst})
}

// handleDeleteVPN refuses to drop a running instance. Files are kept unless
// purge=true is passed.
func (s *Server) handleDeleteVPN(w http.ResponseWriter, r *http.Request) {
	if s.instances == nil {
		unavailable(w, "vpn store")
		return
	}
	name, ok := s.requireNameParam(w, r, "name")
	if !ok {
		return
	}
	if _, err := s.instances.Get(r.Context(), name); err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	if s.processes != nil {
		status, err := s.processes.Status(r.Context(), name)
		if err != nil {
			s.writeVPNError(w, r, err)
			return
		}
		if status == vpn.StatusRunning {
			writeError(w, http.StatusConflict, "instance is running; stop it before deleting")
			return
		}
	}
	if err := s.instances.Delete(r.Context(), name); err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	detail := ""
	if queryBool(r, "purge") {
		detail = "purged files"
		for _, path := range []string{
			filepath.Dir(s.generator.ServerConfigPath(name)),
			s.generator.ClientsDir(name),
			s.generator.StatusLogPath(name),
		} {
			if err := os.RemoveAll(path); err != nil {
				s.log.WithError(err).WithField("path", path).Warn("failed to purge instance files")
			}
		}
	}
	s.record(r.Context(), "vpn.delete", name, audit.OutcomeSuccess, detail)
	s.reapplyFirewall(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleStartVPN(w http.ResponseWriter, r *http.Request) {
	s.controlVPN(w, r, "vpn.start", "started", func(ctx context.Context, name string) error {
		return s.processes.Start(ctx, name)
	})
}

func (s *Server) handleStopVPN(w http.ResponseWriter, r *http.Request) {
	s.controlVPN(w, r, "vpn.stop", "stopped", func(ctx context.Context, name string) error {
		return s.processes.Stop(ctx, name)
	})
}

func (s *Server) handleRestartVPN(w http.ResponseWriter, r *http.Request) {
	s.controlVPN(w, r, "vpn.restart", "restarted", func(ctx context.Context, name string) error {
		return s.processes.Restart(ctx, name)
	})
}

func (s *Server) controlVPN(w http.ResponseWriter, r *http.Request, action, done string, op func(context.Context, string) error) {
	if s.instances == nil || s.processes == nil {
		unavailable(w, "vpn controller")
		return
	}
	name, ok := s.requireNameParam(w, r, "name")
	if !ok {
		return
	}
	if _, err := s.instances.Get(r.Context(), name); err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	if err := op(r.Context(), name); err != nil {
		s.record(r.Context(), action, name, audit.OutcomeFailure, err.Error())
		s.writeVPNError(w, r, err)
		return
	}
	s.record(r.Context(), action, name, audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": done})
}

func (s *Server) handleVPNStatus(w http.ResponseWriter, r *http.Request) {
	if s.instances == nil || s.processes == nil {
		unavailable(w, "vpn controller")
		return
	}
	name, ok := s.requireNameParam(w, r, "name")
	if !ok {
		return
	}
	if _, err := s.instances.Get(r.Context(), name); err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	status, err := s.processes.Status(r.Context(), name)
	if err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	active := 0
	if status == vpn.StatusRunning && s.stats != nil {
		if clients, err := s.stats.ConnectedClients(name); err == nil {
			active = len(clients)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":          name,
		"status":        status,
		"activeClients": active,
	})
}

func (s *Server) handleGenerateVPNConfig(w http.ResponseWriter, r *http.Request) {
	if s.instances == nil {
		unavailable(w, "vpn store")
		return
	}
	name, ok := s.requireNameParam(w, r, "name")
	if !ok {
		return
	}
	inst, err := s.instances.Get(r.Context(), name)
	if err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	path, err := s.generator.WriteServer(*inst)
	if err != nil {
		s.record(r.Context(), "vpn.config", name, audit.OutcomeFailure, err.Error())
		s.writeVPNError(w, r, err)
		return
	}
	if err := s.instances.MarkConfigGenerated(r.Context(), name); err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	s.record(r.Context(), "vpn.config", name, audit.OutcomeSuccess, path)
	writeJSON(w, http.StatusOK, map[string]string{"status": "generated", "path": path})
}

// handleGetVPNConfig returns the config on disk together with its drift from
// what the stored instance would render now.
func (s *Server) handleGetVPNConfig(w http.ResponseWriter, r *http.Request) {
	if s.instances == nil {
		unavailable(w, "vpn store")
		return
	}
	name, ok := s.requireNameParam(w, r, "name")
	if !ok {
		return
	}
	inst, err := s.instances.Get(r.Context(), name)
	if err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	path := s.generator.ServerConfigPath(name)
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "server config not generated")
		return
	}
	if err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	resp := map[string]any{"path": path, "content": string(content)}
	if rendered, err := s.generator.RenderServer(*inst); err == nil {
		if drift, err := ovpnconf.CompareFile(path, rendered); err == nil {
			resp["drift"] = drift
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if s.instances == nil || s.stats == nil {
		unavailable(w, "status reader")
		return
	}
	name, ok := s.requireNameParam(w, r, "name")
	if !ok {
		return
	}
	if _, err := s.instances.Get(r.Context(), name); err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	status, err := s.stats.Status(name)
	if err != nil {
		s.writeVPNError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      name,
		"updatedAt": status.UpdatedAt,
		"clients":   status.Clients,
		"routes":    status.Routes,
	})
}

// reapplyFirewall rebuilds the ruleset after instance subnets change.
func (s *Server) reapplyFirewall(ctx context.Context) {
	if s.firewall == nil {
		return
	}
	if err := s.firewall.Apply(ctx); err != nil {
		s.log.WithError(err).Warn("firewall reapply failed")
	}
}
