package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"snipvault/internal/models"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, models.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, models.ErrDuplicate):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, models.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, err)
	case errors.Is(err, models.ErrForbidden):
		respondError(w, http.StatusForbidden, err)
	default:
		s.log.Error().Err(err).Msg("internal error")
		respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
	}
}
