package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/basket/earmark/internal/identity"
)

func (s *Server) handleAdminUnlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var body struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := s.cfg.Identity.Unlock(r.Context(), body.Secret); err != nil {
		if errors.Is(err, identity.ErrUnauthorized) {
			writeError(w, http.StatusForbidden, "invalid admin secret")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unlocked": true})
}

func (s *Server) handleAdminLock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.cfg.Identity.Lock(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unlocked": false})
}

func (s *Server) handleAdminIdentities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ids, err := s.cfg.Identity.Identities(r.Context())
	if err != nil {
		if errors.Is(err, identity.ErrLocked) {
			writeError(w, http.StatusForbidden, "admin mode locked")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identities": ids})
}

func (s *Server) handleAdminImpersonate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var body struct {
		Identity string `json:"identity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Identity == "" {
		writeError(w, http.StatusBadRequest, "identity required")
		return
	}

	// Open sessions hold state for the current identity's rows; close them
	// before the working set swaps.
	s.cfg.Sessions.DropAll(r.Context(), "identity change")

	if err := s.cfg.Identity.Impersonate(r.Context(), body.Identity); err != nil {
		if errors.Is(err, identity.ErrLocked) {
			writeError(w, http.StatusForbidden, "admin mode locked")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"impersonating": true,
		"identity":      body.Identity,
	})
}

func (s *Server) handleAdminExit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	s.cfg.Sessions.DropAll(r.Context(), "identity change")

	if err := s.cfg.Identity.Exit(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"impersonating": false,
		"identity":      s.cfg.Identity.WorkerID(),
	})
}
