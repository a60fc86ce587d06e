package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/contentgen-pipeline/internal/access"
	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
	"github.com/JakeFAU/contentgen-pipeline/internal/policy/ratelimit"
)

type createJobRequest struct {
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	WebhookURL    string          `json:"webhookUrl"`
	WebhookSecret string          `json:"webhookSecret"`
}

type createJobResponse struct {
	JobID                    string `json:"jobId"`
	Status                   string `json:"status"`
	QueuePosition            *int   `json:"queuePosition,omitempty"`
	QueuePositionApproximate bool   `json:"queuePositionApproximate"`
}

type requestAccessRequest struct {
	IP   string `json:"ip"`
	Note string `json:"note"`
}

type accessStatusResponse struct {
	IP     string        `json:"ip"`
	Status access.Status `json:"status"`
}

type setStatusRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	s.submitJob(w, r, true)
}

func (s *Server) createInternalJob(w http.ResponseWriter, r *http.Request) {
	s.submitJob(w, r, false)
}

// submitJob runs the rate limit before anything else so rejected callers never
// reach the ledger or the broker. A body that is malformed or names no known
// kind is charged to the article rule before it is refused.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request, public bool) {
	var req createJobRequest
	invalid := decodeJSON(r, &req)
	kind, err := pipeline.ParseKind(req.Kind)
	if invalid == nil && err != nil {
		invalid = pipeline.NewValidationError("kind", "must be article or novel")
	}
	rule := s.gate.Rules().Article
	if invalid == nil {
		rule = s.gate.Rules().ForKind(kind)
	}

	ip := s.clientIP(r)
	decision, err := s.gate.CheckRate(r.Context(), rule, ip)
	setRateHeaders(w, decision)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if invalid != nil {
		s.writeServiceError(w, r, invalid)
		return
	}
	if public {
		if err := s.gate.CheckAccess(r.Context(), ip); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}

	if len(req.Payload) == 0 {
		s.writeServiceError(w, r, pipeline.NewValidationError("payload", "is required"))
		return
	}
	payload, err := pipeline.DecodePayload(kind, req.Payload)
	if err != nil {
		s.writeServiceError(w, r, pipeline.NewValidationError("payload", "must be a JSON object"))
		return
	}
	var hook *pipeline.Webhook
	if strings.TrimSpace(req.WebhookURL) != "" {
		hook = &pipeline.Webhook{URL: strings.TrimSpace(req.WebhookURL), Secret: req.WebhookSecret}
	}
	if err := pipeline.ValidatePayload(payload, hook); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	receipt, err := s.publisher.Publish(r.Context(), payload, hook)
	if err != nil {
		s.logger.Error("job publish failed", zap.String("job_id", receipt.JobID), zap.String("ip", ip), zap.Error(err))
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, createJobResponse{
		JobID:                    receipt.JobID,
		Status:                   "queued",
		QueuePosition:            receipt.QueuePosition,
		QueuePositionApproximate: receipt.Approximate,
	})
}

func (s *Server) requestAccess(w http.ResponseWriter, r *http.Request) {
	caller := s.clientIP(r)
	decision, err := s.gate.CheckRate(r.Context(), s.gate.Rules().Access, caller)
	setRateHeaders(w, decision)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	var req requestAccessRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}
	ip := strings.TrimSpace(req.IP)
	if ip == "" {
		ip = caller
	}
	entry, err := s.ledger.RequestAccess(r.Context(), ip, strings.TrimSpace(req.Note))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info("access requested", zap.String("ip", entry.IP), zap.String("status", string(entry.Status)))
	writeJSON(w, http.StatusOK, accessStatusResponse{IP: entry.IP, Status: entry.Status})
}

func (s *Server) accessMe(w http.ResponseWriter, r *http.Request) {
	ip := s.clientIP(r)
	decision, err := s.gate.CheckRate(r.Context(), s.gate.Rules().Access, ip)
	setRateHeaders(w, decision)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	entry, err := s.ledger.Lookup(r.Context(), ip)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accessStatusResponse{IP: entry.IP, Status: entry.Status})
}

func (s *Server) listAccess(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []access.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) setAccessStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	v := &pipeline.ValidationError{}
	if strings.TrimSpace(req.ID) == "" {
		v.Add("id", "is required")
	}
	status, err := access.ParseStatus(req.Status)
	if err != nil {
		v.Add("status", "must be pending, whitelist or blacklist")
	}
	if err := v.OrNil(); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	entry, err := s.ledger.SetStatus(r.Context(), strings.TrimSpace(req.ID), status)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info("access status changed", zap.String("ip", entry.IP), zap.String("status", string(entry.Status)))
	writeJSON(w, http.StatusOK, entry)
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return pipeline.NewValidationError("body", "is too large")
		}
		if errors.Is(err, io.EOF) {
			return pipeline.NewValidationError("body", "is required")
		}
		return pipeline.NewValidationError("body", "must be valid JSON")
	}
	return nil
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
}
