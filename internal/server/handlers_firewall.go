package server

import (
	"net/http"
	"strconv"

	"ovpn-console/internal/audit"
	"ovpn-console/internal/firewall"
)

func (s *Server) handleListAliases(w http.ResponseWriter, r *http.Request) {
	if s.firewall == nil {
		unavailable(w, "firewall")
		return
	}
	aliases, err := s.firewall.Store().ListAliases(r.Context())
	if err != nil {
		writeFirewallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"aliases": aliases})
}

func (s *Server) handleGetAlias(w http.ResponseWriter, r *http.Request) {
	if s.firewall == nil {
		unavailable(w, "firewall")
		return
	}
	id, ok := requireIDParam(w, r, "id")
	if !ok {
		return
	}
	alias, err := s.firewall.Store().GetAlias(r.Context(), id)
	if err != nil {
		writeFirewallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alias": alias})
}

func (s *Server) handleCreateAlias(w http.ResponseWriter, r *http.Request) {
	if s.firewall == nil {
		unavailable(w, "firewall")
		return
	}
	var payload firewall.AliasRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	alias, err := s.firewall.Store().CreateAlias(r.Context(), payload)
	if err != nil {
		writeFirewallError(w, err)
		return
	}
	s.record(r.Context(), "firewall.alias.create", alias.Name, audit.OutcomeSuccess, "")
	s.applyAfterChange(w, r, http.StatusCreated, map[string]any{"alias": alias})
}

func (s *Server) handleUpdateAlias(w http.ResponseWriter, r *http.Request) {
	if s.firewall == nil {
		unavailable(w, "firewall")
		return
	}
	id, ok := requireIDParam(w, r, "id")
	if !ok {
		return
	}
	var payload firewall.AliasRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	alias, err := s.firewall.Store().UpdateAlias(r.Context(), id, payload)
	if err != nil {
		writeFirewallError(w, err)
		return
	}
	s.record(r.Context(), "firewall.alias.update", alias.Name, audit.OutcomeSuccess, "")
	s.applyAfterChange(w, r, http.StatusOK, map[string]any{"alias": alias})
}

func (s *Server) handleDeleteAlias(w http.ResponseWriter, r *http.Request) {
	if s.firewall == nil {
		unavailable(w, "firewall")
		return
	}
	id, ok := requireIDParam(w, r, "id")
	if !ok {
		return
	}
	alias, err := s.firewall.Store().GetAlias(r.Context(), id)
	if err != nil {
		writeFirewallError(w, err)
		return
	}
	if err := s.firewall.Store().DeleteAlias(r.Context(), id); err != nil {
		writeFirewallError(w, err)
		return
	}
	s.record(r.Context(), "firewall.alias.delete", alias.Name, audit.OutcomeSuccess, "")
	s.applyAfterChange(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if s.firewall == nil {
		unavailable(w, "firewall")
		return
	}
	rules, err := s.firewall.Store().ListRules(r.Context())
	if err != nil {
		writeFirewallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	if s.firewall == nil {
		unavailable(w, "firewall")
		return
	}
	id, ok := requireIDParam(w, r, "id")
	if !ok {
		return
	}
	rule, err := s.firewall.Store().GetRule(r.Context(), id)
	if err != nil {
		writeFirewallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule": rule})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	if s.firewall == nil {
		unavailable(w, "firewall")
		return
	}
	var payload firewall.RuleRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	rule, err := s.firewall.Store().CreateRule(r.Context(), payload)
	if err != nil {
		writeFirewallError(w, err)
		return
	}
	s.record(r.Context(), "firewall.rule.create", ruleTarget(rule), audit.OutcomeSuccess, rule.Action)
	s.applyAfterChange(w, r, http.StatusCreated, map[string]any{"rule": rule})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	if s.firewall == nil {
		unavailable(w, "firewall")
		return
	}
	id, ok := requireIDParam(w, r, "id")
	if !ok {
		return
	}
	var payload firewall.RuleRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	rule, err := s.firewall.Store().UpdateRule(r.Context(), id, payload)
	if err != nil {
		writeFirewallError(w, err)
		return
	}
	s.record(r.Context(), "firewall.rule.update", ruleTarget(rule), audit.OutcomeSuccess, rule.Action)
	s.applyAfterChange(w, r, http.StatusOK, map[string]any{"rule": rule})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if s.firewall == nil {
		unavailable(w, "firewall")
		return
	}
	id, ok := requireIDParam(w, r, "id")
	if !ok {
		return
	}
	if err := s.firewall.Store().DeleteRule(r.Context(), id); err != nil {
		writeFirewallError(w, err)
		return
	}
	s.record(r.Context(), "firewall.rule.delete", ruleIDTarget(id), audit.OutcomeSuccess, "")
	s.applyAfterChange(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleApplyFirewall(w http.ResponseWriter, r *http.Request) {
	if s.firewall == nil {
		unavailable(w, "firewall")
		return
	}
	if err := s.firewall.Apply(r.Context()); err != nil {
		s.record(r.Context(), "firewall.apply", "ruleset", audit.OutcomeFailure, err.Error())
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error(), "status": s.firewall.Status()})
		return
	}
	s.record(r.Context(), "firewall.apply", "ruleset", audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, map[string]any{"status": s.firewall.Status()})
}

func (s *Server) handleFirewallStatus(w http.ResponseWriter, r *http.Request) {
	if s.firewall == nil {
		unavailable(w, "firewall")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": s.firewall.Status()})
}

func (s *Server) handleFirewallPreview(w http.ResponseWriter, r *http.Request) {
	if s.firewall == nil {
		unavailable(w, "firewall")
		return
	}
	rs, err := s.firewall.Preview(r.Context())
	if err != nil {
		writeFirewallError(w, err)
		return
	}
	sets := make([]map[string]any, 0, len(rs.Sets))
	for _, set := range rs.Sets {
		sets = append(sets, map[string]any{"name": set.Name, "kind": set.Kind, "elements": len(set.Elements)})
	}
	rules := make([]map[string]any, 0, len(rs.Rules))
	for _, rule := range rs.Rules {
		rules = append(rules, map[string]any{"ruleId": rule.RuleID, "name": rule.Name, "expressions": len(rule.Exprs)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"table":    rs.Table,
		"chain":    rs.Chain,
		"sets":     sets,
		"rules":    rules,
		"warnings": rs.Warnings,
	})
}

// applyAfterChange pushes the ruleset after a stored change. The change is
// kept when the apply fails; the caller sees 503 together with the payload.
func (s *Server) applyAfterChange(w http.ResponseWriter, r *http.Request, status int, payload any) {
	if err := s.firewall.Apply(r.Context()); err != nil {
		s.log.WithError(err).Warn("firewall apply after change failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error(), "result": payload})
		return
	}
	writeJSON(w, status, payload)
}

func ruleTarget(rule *firewall.Rule) string {
	if rule.Name != "" {
		return rule.Name
	}
	return ruleIDTarget(rule.ID)
}

func ruleIDTarget(id int64) string { return "rule:" + strconv.FormatInt(id, 10) }
