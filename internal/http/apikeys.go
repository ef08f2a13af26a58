package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"snipvault/internal/models"
)

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	raw, key, err := s.svc.CreateAPIKey(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	// The raw key is shown exactly once; only its hash is stored.
	respondJSON(w, http.StatusCreated, map[string]any{
		"key":      raw,
		"key_meta": key,
	})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.svc.ListAPIKeys(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if keys == nil {
		keys = []models.APIKey{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"api_keys": keys})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	key, err := s.svc.GetAPIKeyByID(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if key.UserID != getUserIDFromContext(r.Context()) {
		respondError(w, http.StatusForbidden, models.ErrForbidden)
		return
	}
	if err := s.svc.RevokeAPIKey(r.Context(), id); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// apiKeyMiddleware authenticates the metered API by key, checks the caller's
// monthly quota, and records the call after a successful response. Failed
// requests are not billed.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := r.Header.Get("X-API-Key")
		if rawKey == "" {
			respondError(w, http.StatusUnauthorized, errors.New("missing X-API-Key header"))
			return
		}
		userID, err := s.svc.ResolveAPIKey(r.Context(), rawKey)
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusUnauthorized, errors.New("invalid or revoked API key"))
			return
		}
		if err != nil {
			s.respondServiceError(w, err)
			return
		}

		decision, err := s.engine.CanMakeAPICall(r.Context(), userID)
		if err != nil {
			s.respondServiceError(w, err)
			return
		}
		if !decision.Allowed {
			respondJSON(w, http.StatusForbidden, decision)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(withUserID(r.Context(), userID)))
		if ww.Status() < http.StatusBadRequest {
			if err := s.engine.RecordAPICall(r.Context(), userID); err != nil {
				s.log.Error().Err(err).Int64("user_id", userID).Msg("record api call")
			}
		}
	})
}

func (s *Server) handleAPIListSnippets(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	snippets, err := s.svc.ListUserSnippets(r.Context(), getUserIDFromContext(r.Context()), page, pageSize)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if snippets == nil {
		snippets = []models.Snippet{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"snippets": snippets, "page": page, "page_size": pageSize})
}

func (s *Server) handleAPIGetSnippet(w http.ResponseWriter, r *http.Request) {
	sn, err := s.svc.GetSnippetByPublicID(r.Context(), chi.URLParam(r, "publicID"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if !canView(sn, getUserIDFromContext(r.Context())) {
		respondError(w, http.StatusNotFound, models.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, sn)
}
