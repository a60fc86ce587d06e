package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/contentgen-pipeline/internal/access"
	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
)

type errorResponse struct {
	Error     string            `json:"error"`
	Fields    map[string]string `json:"fields,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
}

// writeServiceError is the single place domain errors become HTTP responses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *pipeline.ValidationError
		limited    *pipeline.RateLimitedError
		forbidden  *pipeline.ForbiddenError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: validation.Fields})
	case errors.As(err, &limited):
		secs := int(math.Ceil(limited.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
	case errors.As(err, &forbidden):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: forbidden.Reason})
	case errors.Is(err, pipeline.ErrAdminAuth):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "unauthorized"})
	case errors.Is(err, access.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, access.ErrInvalidStatus):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, pipeline.ErrQueueUnavailable):
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "queue unavailable", Retryable: true})
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
