package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"snipvault/internal/models"
	"snipvault/internal/search"
	"snipvault/internal/tiers"
)

type snippetRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Code        string   `json:"code"`
	Language    string   `json:"language"`
	Visibility  string   `json:"visibility"`
	CategoryID  *int64   `json:"category_id"`
	Tags        []string `json:"tags"`
}

// checkVisibility gates private visibility behind the private_snippets
// feature. Public and unlisted are available to every tier; unlisted only
// hides the snippet from listings.
func (s *Server) checkVisibility(w http.ResponseWriter, r *http.Request, userID int64, visibility string) bool {
	if visibility != models.VisibilityPrivate {
		return true
	}
	ok, err := s.engine.HasFeature(r.Context(), userID, tiers.FeaturePrivateSnippets)
	if err != nil {
		s.respondServiceError(w, err)
		return false
	}
	if !ok {
		respondError(w, http.StatusForbidden, errors.New("private snippets require a paid plan"))
		return false
	}
	return true
}

func (s *Server) handleCreateSnippet(w http.ResponseWriter, r *http.Request) {
	var req snippetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Visibility == "" {
		req.Visibility = models.VisibilityPublic
	}
	userID := getUserIDFromContext(r.Context())

	decision, err := s.engine.CanCreateSnippet(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if !decision.Allowed {
		respondJSON(w, http.StatusForbidden, decision)
		return
	}
	if !s.checkVisibility(w, r, userID, req.Visibility) {
		return
	}

	created, err := s.svc.CreateSnippet(r.Context(), models.Snippet{
		UserID:      userID,
		Title:       req.Title,
		Description: req.Description,
		Code:        req.Code,
		Language:    req.Language,
		Visibility:  req.Visibility,
		CategoryID:  req.CategoryID,
		Tags:        req.Tags,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if err := s.engine.RecordSnippetCreated(r.Context(), userID); err != nil {
		s.log.Error().Err(err).Int64("user_id", userID).Msg("record snippet created")
	}
	respondJSON(w, http.StatusCreated, created)
}

// canView applies the visibility rules: public and unlisted resolve by direct
// link, private only for the owner.
func canView(sn models.Snippet, viewerID int64) bool {
	return sn.Visibility != models.VisibilityPrivate || sn.UserID == viewerID
}

func (s *Server) handleGetSnippet(w http.ResponseWriter, r *http.Request) {
	sn, err := s.svc.GetSnippetByPublicID(r.Context(), chi.URLParam(r, "publicID"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if !canView(sn, getUserIDFromContext(r.Context())) {
		// Present private snippets as absent rather than confirming they exist.
		respondError(w, http.StatusNotFound, models.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, sn)
}

func (s *Server) handleListOwnSnippets(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	snippets, err := s.svc.ListUserSnippets(r.Context(), getUserIDFromContext(r.Context()), page, pageSize)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"snippets": snippets, "page": page, "page_size": pageSize})
}

func (s *Server) handleExplore(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	language := r.URL.Query().Get("language")
	snippets, err := s.svc.ListPublicSnippets(r.Context(), language, page, pageSize)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"snippets": snippets, "page": page, "page_size": pageSize})
}

func (s *Server) handleUpdateSnippet(w http.ResponseWriter, r *http.Request) {
	var req snippetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	userID := getUserIDFromContext(r.Context())
	sn, err := s.svc.GetSnippetByPublicID(r.Context(), chi.URLParam(r, "publicID"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if sn.UserID != userID {
		respondError(w, http.StatusForbidden, models.ErrForbidden)
		return
	}
	if req.Visibility == "" {
		req.Visibility = sn.Visibility
	}
	if req.Visibility != sn.Visibility && !s.checkVisibility(w, r, userID, req.Visibility) {
		return
	}
	sn.Title = req.Title
	sn.Description = req.Description
	sn.Code = req.Code
	sn.Language = req.Language
	sn.Visibility = req.Visibility
	sn.CategoryID = req.CategoryID
	sn.Tags = req.Tags
	updated, err := s.svc.UpdateSnippet(r.Context(), sn)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteSnippet(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	sn, err := s.svc.GetSnippetByPublicID(r.Context(), chi.URLParam(r, "publicID"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if sn.UserID != userID {
		respondError(w, http.StatusForbidden, models.ErrForbidden)
		return
	}
	if err := s.svc.DeleteSnippet(r.Context(), sn.ID); err != nil {
		s.respondServiceError(w, err)
		return
	}
	if err := s.engine.RecordSnippetDeleted(r.Context(), userID); err != nil {
		s.log.Error().Err(err).Int64("user_id", userID).Msg("record snippet deleted")
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleLikeSnippet(w http.ResponseWriter, r *http.Request) {
	s.handleLikeChange(w, r, true)
}

func (s *Server) handleUnlikeSnippet(w http.ResponseWriter, r *http.Request) {
	s.handleLikeChange(w, r, false)
}

func (s *Server) handleLikeChange(w http.ResponseWriter, r *http.Request, like bool) {
	userID := getUserIDFromContext(r.Context())
	sn, err := s.svc.GetSnippetByPublicID(r.Context(), chi.URLParam(r, "publicID"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if !canView(sn, userID) {
		respondError(w, http.StatusNotFound, models.ErrNotFound)
		return
	}
	if like {
		err = s.svc.LikeSnippet(r.Context(), userID, sn.ID)
	} else {
		err = s.svc.UnlikeSnippet(r.Context(), userID, sn.ID)
	}
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type forkRequest struct {
	Visibility string `json:"visibility"`
}

func (s *Server) handleForkSnippet(w http.ResponseWriter, r *http.Request) {
	var req forkRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Visibility == "" {
		req.Visibility = models.VisibilityPublic
	}
	userID := getUserIDFromContext(r.Context())

	src, err := s.svc.GetSnippetByPublicID(r.Context(), chi.URLParam(r, "publicID"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if !canView(src, userID) {
		respondError(w, http.StatusNotFound, models.ErrNotFound)
		return
	}
	// A fork counts against the snippet quota like any other creation.
	decision, err := s.engine.CanCreateSnippet(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if !decision.Allowed {
		respondJSON(w, http.StatusForbidden, decision)
		return
	}
	if !s.checkVisibility(w, r, userID, req.Visibility) {
		return
	}
	fork, err := s.svc.ForkSnippet(r.Context(), userID, src, req.Visibility)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if err := s.engine.RecordSnippetCreated(r.Context(), userID); err != nil {
		s.log.Error().Err(err).Int64("user_id", userID).Msg("record snippet created")
	}
	respondJSON(w, http.StatusCreated, fork)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := search.Parse(r.URL.Query().Get("q"))
	if q.IsEmpty() {
		respondJSON(w, http.StatusOK, map[string]any{"snippets": []models.Snippet{}})
		return
	}
	userID := getUserIDFromContext(r.Context())
	if q.UsesOperators() {
		ok, err := s.engine.HasFeature(r.Context(), userID, tiers.FeatureAdvancedSearch)
		if err != nil {
			s.respondServiceError(w, err)
			return
		}
		if !ok {
			respondError(w, http.StatusForbidden, errors.New("search operators require a paid plan"))
			return
		}
	}
	snippets, err := s.svc.SearchSnippets(r.Context(), userID, q)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if snippets == nil {
		snippets = []models.Snippet{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"snippets": snippets})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	decision, err := s.engine.CanExport(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if !decision.Allowed {
		respondJSON(w, http.StatusForbidden, decision)
		return
	}
	snippets, err := s.svc.ExportSnippets(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if err := s.engine.RecordExport(r.Context(), userID); err != nil {
		s.log.Error().Err(err).Int64("user_id", userID).Msg("record export")
	}
	if snippets == nil {
		snippets = []models.Snippet{}
	}
	w.Header().Set("Content-Disposition", `attachment; filename="snippets-export.json"`)
	respondJSON(w, http.StatusOK, map[string]any{"snippets": snippets, "count": len(snippets)})
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.svc.ListTags(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func (s *Server) handleSnippetsByTag(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	snippets, err := s.svc.ListSnippetsByTag(r.Context(), chi.URLParam(r, "name"), page, pageSize)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"snippets": snippets, "page": page, "page_size": pageSize})
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.svc.ListCategories(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"categories": categories})
}
