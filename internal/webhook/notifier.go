// Package webhook posts job outcomes to caller supplied callback URLs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contentgen-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/contentgen-pipeline/internal/metrics"
	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the body.
	SignatureHeader = "X-Webhook-Signature"
	// JobIDHeader repeats the job id outside the body.
	JobIDHeader = "X-Webhook-Job-Id"

	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "contentgen-pipeline/1.0"
)

// Config tunes outbound delivery.
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

// body is the wire shape. Field order is fixed so signatures are reproducible.
type body struct {
	Success bool             `json:"success"`
	JobID   string           `json:"jobId"`
	Data    *pipeline.Result `json:"data,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Notifier implements pipeline.Notifier over HTTP.
type Notifier struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

var _ pipeline.Notifier = (*Notifier)(nil)

// New builds a Notifier. A nil client gets a fresh one bounded by cfg.Timeout.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	if client.Timeout == 0 || client.Timeout > timeout {
		c := *client
		c.Timeout = timeout
		client = &c
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{client: client, userAgent: ua, logger: logger}
}

// Encode renders the canonical body for outcome.
func Encode(jobID string, outcome pipeline.Outcome) ([]byte, error) {
	b := body{Success: outcome.Success, JobID: jobID}
	if outcome.Success {
		b.Data = outcome.Result
		if b.Data == nil {
			b.Data = &pipeline.Result{}
		}
	} else {
		b.Error = outcome.Error
		if b.Error == "" {
			b.Error = "generation failed"
		}
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode webhook body: %w", err)
	}
	return raw, nil
}

// Deliver posts outcome to hook.URL. Every failure wraps pipeline.ErrWebhookDelivery.
func (n *Notifier) Deliver(ctx context.Context, hook pipeline.Webhook, jobID string, outcome pipeline.Outcome) error {
	payload, err := Encode(jobID, outcome)
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrWebhookDelivery, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", pipeline.ErrWebhookDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.userAgent)
	req.Header.Set(JobIDHeader, jobID)
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, sha256.Sign(hook.Secret, payload))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		metrics.ObserveWebhook("error")
		return fmt.Errorf("%w: post %s: %w", pipeline.ErrWebhookDelivery, jobID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ObserveWebhook("rejected")
		return fmt.Errorf("%w: %s responded %d", pipeline.ErrWebhookDelivery, jobID, resp.StatusCode)
	}
	metrics.ObserveWebhook("delivered")
	n.logger.Debug("webhook delivered", zap.String("job_id", jobID), zap.Int("status", resp.StatusCode))
	return nil
}
