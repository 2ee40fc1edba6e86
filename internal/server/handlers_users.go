package server

import (
	"net/http"
	"strconv"

	"ovpn-console/internal/audit"
	"ovpn-console/internal/auth"
	"ovpn-console/internal/users"
)

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		unavailable(w, "user store")
		return
	}
	list, err := s.users.List(r.Context())
	if err != nil {
		writeUserError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": list})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		unavailable(w, "user store")
		return
	}
	id, ok := requireIDParam(w, r, "id")
	if !ok {
		return
	}
	user, err := s.users.Get(r.Context(), id)
	if err != nil {
		writeUserError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		unavailable(w, "user store")
		return
	}
	var payload users.CreateRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	payload.AuthSource = users.SourceLocal
	user, err := s.users.Create(r.Context(), payload)
	if err != nil {
		s.record(r.Context(), "user.create", payload.Username, audit.OutcomeFailure, err.Error())
		writeUserError(w, err)
		return
	}
	s.record(r.Context(), "user.create", user.Username, audit.OutcomeSuccess, "role "+user.Role)
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		unavailable(w, "user store")
		return
	}
	id, ok := requireIDParam(w, r, "id")
	if !ok {
		return
	}
	var payload users.UpdateRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	user, err := s.users.Update(r.Context(), id, payload)
	if err != nil {
		s.record(r.Context(), "user.update", userTarget(id), audit.OutcomeFailure, err.Error())
		writeUserError(w, err)
		return
	}
	s.record(r.Context(), "user.update", user.Username, audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		unavailable(w, "user store")
		return
	}
	id, ok := requireIDParam(w, r, "id")
	if !ok {
		return
	}
	if caller := auth.IdentityFrom(r.Context()); caller != nil && caller.UserID == id {
		writeError(w, http.StatusBadRequest, "cannot delete your own account")
		return
	}
	if err := s.users.Delete(r.Context(), id); err != nil {
		s.record(r.Context(), "user.delete", userTarget(id), audit.OutcomeFailure, err.Error())
		writeUserError(w, err)
		return
	}
	s.record(r.Context(), "user.delete", userTarget(id), audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		unavailable(w, "user store")
		return
	}
	groups, err := s.users.ListGroups(r.Context())
	if err != nil {
		writeUserError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		unavailable(w, "user store")
		return
	}
	id, ok := requireIDParam(w, r, "id")
	if !ok {
		return
	}
	group, err := s.users.GetGroup(r.Context(), id)
	if err != nil {
		writeUserError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group": group})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		unavailable(w, "user store")
		return
	}
	var payload users.GroupRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	group, err := s.users.CreateGroup(r.Context(), payload)
	if err != nil {
		writeUserError(w, err)
		return
	}
	s.record(r.Context(), "group.create", group.Name, audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusCreated, map[string]any{"group": group})
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		unavailable(w, "user store")
		return
	}
	id, ok := requireIDParam(w, r, "id")
	if !ok {
		return
	}
	var payload users.GroupRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	group, err := s.users.UpdateGroup(r.Context(), id, payload)
	if err != nil {
		writeUserError(w, err)
		return
	}
	s.record(r.Context(), "group.update", group.Name, audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, map[string]any{"group": group})
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		unavailable(w, "user store")
		return
	}
	id, ok := requireIDParam(w, r, "id")
	if !ok {
		return
	}
	if err := s.users.DeleteGroup(r.Context(), id); err != nil {
		writeUserError(w, err)
		return
	}
	s.record(r.Context(), "group.delete", groupTarget(id), audit.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSetGroupMembers(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		unavailable(w, "user store")
		return
	}
	id, ok := requireIDParam(w, r, "id")
	if !ok {
		return
	}
	var payload struct {
		UserIDs []int64 `json:"userIds"`
	}
	if !decodeJSON(w, r, &payload) {
		return
	}
	group, err := s.users.SetMembers(r.Context(), id, payload.UserIDs)
	if err != nil {
		writeUserError(w, err)
		return
	}
	s.record(r.Context(), "group.members", group.Name, audit.OutcomeSuccess, strconv.Itoa(len(payload.UserIDs))+" members")
	writeJSON(w, http.StatusOK, map[string]any{"group": group})
}

func userTarget(id int64) string  { return "user:" + strconv.FormatInt(id, 10) }
func groupTarget(id int64) string { return "group:" + strconv.FormatInt(id, 10) }
