package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"snipvault/internal/billing"
	"snipvault/internal/config"
	"snipvault/internal/services"
	"snipvault/internal/usage"
)

type Server struct {
	svc         *services.Service
	engine      *usage.Engine
	reconciler  *billing.Reconciler
	cfg         config.Config
	log         zerolog.Logger
	authLimiter *rateLimiter
}

func NewServer(svc *services.Service, engine *usage.Engine, reconciler *billing.Reconciler, cfg config.Config, log zerolog.Logger) *Server {
	return &Server{
		svc:         svc,
		engine:      engine,
		reconciler:  reconciler,
		cfg:         cfg,
		log:         log,
		authLimiter: newRateLimiter(cfg.AuthRateLimit, time.Duration(cfg.AuthRateWindow)*time.Second),
	}
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				s.log.Error().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Interface("panic", rvr).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         86400,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.authLimiter.middleware)
			r.Post("/auth/register", s.handleRegister)
			r.Post("/auth/login", s.handleLogin)
		})

		// Public surface; identity is attached when a token is present so
		// owners see their unlisted/private snippets.
		r.Group(func(r chi.Router) {
			r.Use(s.optionalJWT)
			r.Get("/snippets/{publicID}", s.handleGetSnippet)
			r.Get("/explore", s.handleExplore)
			r.Get("/search", s.handleSearch)
			r.Get("/users/{username}", s.handleProfile)
		})
		r.Get("/tags", s.handleListTags)
		r.Get("/tags/{name}/snippets", s.handleSnippetsByTag)
		r.Get("/categories", s.handleListCategories)
		r.Get("/billing/plans", s.handleListPlans)
		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.jwtMiddleware)

			r.Post("/snippets", s.handleCreateSnippet)
			r.Get("/snippets", s.handleListOwnSnippets)
			r.Put("/snippets/{publicID}", s.handleUpdateSnippet)
			r.Delete("/snippets/{publicID}", s.handleDeleteSnippet)
			r.Post("/snippets/{publicID}/like", s.handleLikeSnippet)
			r.Delete("/snippets/{publicID}/like", s.handleUnlikeSnippet)
			r.Post("/snippets/{publicID}/fork", s.handleForkSnippet)

			r.Get("/export", s.handleExport)
			r.Get("/usage", s.handleUsageStats)
			r.Put("/profile", s.handleUpdateProfile)

			r.Post("/api-keys", s.handleCreateAPIKey)
			r.Get("/api-keys", s.handleListAPIKeys)
			r.Post("/api-keys/{id}/revoke", s.handleRevokeAPIKey)

			r.Post("/billing/checkout", s.handleCreateCheckout)
			r.Post("/billing/portal", s.handleBillingPortal)
			r.Get("/billing/subscription", s.handleGetSubscription)
			r.Post("/billing/cancel", s.handleCancelSubscription)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.jwtMiddleware)
			r.Use(s.adminMiddleware)
			r.Get("/stats", s.handleAdminStats)
			r.Get("/users", s.handleAdminListUsers)
		})

		// Metered public API, authenticated by key and gated per call.
		r.Route("/v1", func(r chi.Router) {
			r.Use(s.apiKeyMiddleware)
			r.Get("/snippets", s.handleAPIListSnippets)
			r.Get("/snippets/{publicID}", s.handleAPIGetSnippet)
		})
	})

	return r
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, errors.New("username, email and password are required"))
		return
	}
	user, err := s.svc.CreateUser(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	token, err := s.generateJWT(user)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"token": token,
		"user":  user,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	user, err := s.svc.AuthenticateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	token, err := s.generateJWT(user)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  user,
	})
}

type updateProfileRequest struct {
	DisplayName string `json:"display_name"`
	Bio         string `json:"bio"`
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	userID := getUserIDFromContext(r.Context())
	if err := s.svc.UpdateProfile(r.Context(), userID, req.DisplayName, req.Bio); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	user, err := s.svc.GetUserByUsername(r.Context(), username)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	page, pageSize := parsePagination(r)
	snippets, err := s.svc.ListPublicSnippetsByUser(r.Context(), user.ID, page, pageSize)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"username":     user.Username,
		"display_name": user.DisplayName,
		"bio":          user.Bio,
		"joined_at":    user.CreatedAt,
		"snippets":     snippets,
	})
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.UsageStats(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	stats, err := s.svc.GetStats(r.Context(), from, to)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	users, total, err := s.svc.ListUsers(r.Context(), page, pageSize)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"users":     users,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func parseID(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("id is required")
	}
	return strconv.ParseInt(raw, 10, 64)
}

func parsePagination(r *http.Request) (int, int) {
	page := 1
	pageSize := 20
	if p := r.URL.Query().Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			page = parsed
		}
	}
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if parsed, err := strconv.Atoi(ps); err == nil && parsed > 0 && parsed <= 100 {
			pageSize = parsed
		}
	}
	return page, pageSize
}

func parseRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	fromRaw := r.URL.Query().Get("from")
	toRaw := r.URL.Query().Get("to")
	if fromRaw == "" && toRaw == "" {
		return now.Add(-30 * 24 * time.Hour), now, nil
	}
	if fromRaw == "" || toRaw == "" {
		return time.Time{}, time.Time{}, errors.New("from and to are required together")
	}
	from, err := time.Parse(time.RFC3339, fromRaw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := time.Parse(time.RFC3339, toRaw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}
