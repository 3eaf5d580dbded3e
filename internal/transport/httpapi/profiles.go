package httpapi

import (
	"net/http"
	"time"

	"cupcake/internal/profiles"
)

func (s *Server) profileStore(w http.ResponseWriter) (ProfileStore, bool) {
	if s.deps.Profiles == nil {
		s.sendError(w, http.StatusNotFound, "profiles disabled")
		return nil, false
	}
	return s.deps.Profiles, true
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	ps, ok := s.profileStore(w)
	if !ok {
		return
	}
	list, err := ps.List(r.Context())
	if err != nil {
		s.sendStoreError(w, err, "Profile not found.")
		return
	}
	s.sendJSON(w, http.StatusOK, list)
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	ps, ok := s.profileStore(w)
	if !ok {
		return
	}
	p, err := ps.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		s.sendStoreError(w, err, "Profile not found.")
		return
	}
	s.sendJSON(w, http.StatusOK, p)
}

func (s *Server) handleProfilePut(w http.ResponseWriter, r *http.Request) {
	ps, ok := s.profileStore(w)
	if !ok {
		return
	}
	var p profiles.Profile
	if err := decodeBody(w, r, &p); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	start := time.Now()
	err := ps.Put(r.Context(), p)
	s.recordMutation(r, "profile.put", p.Name, start, err)
	if err != nil {
		s.sendStoreError(w, err, "Profile not found.")
		return
	}
	s.sendMessage(w, "Profile added successfully")
}

func (s *Server) handleProfileDelete(w http.ResponseWriter, r *http.Request) {
	ps, ok := s.profileStore(w)
	if !ok {
		return
	}
	name := r.PathValue("name")
	start := time.Now()
	err := ps.Delete(r.Context(), name)
	s.recordMutation(r, "profile.delete", name, start, err)
	if err != nil {
		s.sendStoreError(w, err, "Profile not found.")
		return
	}
	s.sendMessage(w, "Profile deleted successfully")
}
