package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/grokipedia-api/internal/apikey"
)

type createKeyRequest struct {
	Owner string `json:"owner"`
	Email string `json:"email"`
	Quota *int   `json:"quota"`
	Notes string `json:"notes"`
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	if req.Owner == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "owner and email are required")
		return
	}
	quota := apikey.DefaultQuota
	if req.Quota != nil {
		quota = *req.Quota
	}
	issued, err := s.keys.Create(r.Context(), req.Owner, req.Email, quota, req.Notes)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.logger.Info("api key created",
		zap.String("key_id", issued.Key.ID),
		zap.String("owner", issued.Key.Owner),
		zap.String("token_prefix", issued.Key.TokenPrefix),
	)
	writeJSON(w, http.StatusCreated, issued)
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "active_only must be a boolean")
			return
		}
		activeOnly = b
	}
	keys, err := s.keys.List(r.Context(), activeOnly)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if keys == nil {
		keys = []apikey.Key{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) keyInfo(w http.ResponseWriter, r *http.Request) {
	key, err := s.keys.Info(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) revokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.keys.Revoke(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.logger.Info("api key revoked", zap.String("key_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(apikey.StateRevoked)})
}

func (s *Server) deleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.keys.Delete(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.logger.Info("api key deleted", zap.String("key_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) invalidate(w http.ResponseWriter, r *http.Request) {
	slug, err := s.articles.Invalidate(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"slug": slug, "status": "invalidated"})
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.articles.ClearCache(r.Context()); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
