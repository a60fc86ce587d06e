// Package publisher turns admitted requests into queued jobs.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/contentgen-pipeline/internal/metrics"
	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
	"github.com/JakeFAU/contentgen-pipeline/internal/queue"
	"github.com/JakeFAU/contentgen-pipeline/internal/telemetry"
)

// Receipt is returned to the caller once the broker has accepted the job.
type Receipt struct {
	JobID string
	// QueuePosition is a best-effort estimate; nil when the broker cannot report depth.
	QueuePosition *int
	Approximate   bool
}

// Publisher serializes jobs and hands them to the broker.
type Publisher struct {
	broker queue.Broker
	ids    pipeline.IDGenerator
	clock  pipeline.Clock
	logger *zap.Logger
}

// New wires a Publisher.
func New(broker queue.Broker, ids pipeline.IDGenerator, clock pipeline.Clock, logger *zap.Logger) (*Publisher, error) {
	if broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{broker: broker, ids: ids, clock: clock, logger: logger}, nil
}

// Publish assigns an id, estimates the queue position and publishes the job.
// The id is returned even when publishing fails so callers can log it.
func (p *Publisher) Publish(ctx context.Context, payload pipeline.Payload, hook *pipeline.Webhook) (Receipt, error) {
	id, err := p.ids.NewID()
	if err != nil {
		return Receipt{}, fmt.Errorf("generate job id: %w", err)
	}
	receipt := Receipt{JobID: id}
	if payload == nil {
		return receipt, pipeline.NewValidationError("payload", "is required")
	}
	kind := string(payload.Kind())

	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "job.publish")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id), attribute.String("job.kind", kind))

	job := pipeline.Job{ID: id, Payload: payload, Webhook: hook, CreatedAt: p.clock.Now()}
	body, err := json.Marshal(job)
	if err != nil {
		return receipt, fmt.Errorf("encode job %s: %w", id, err)
	}

	depth, err := p.broker.Depth(ctx)
	switch {
	case err == nil:
		pos := depth + 1
		receipt.QueuePosition = &pos
		receipt.Approximate = true
	case errors.Is(err, queue.ErrDepthUnavailable):
	default:
		p.logger.Debug("queue depth unavailable", zap.String("job_id", id), zap.Error(err))
	}

	msg := queue.Message{ID: id, Body: body, Headers: map[string]string{"kind": kind}}
	queue.InjectTrace(ctx, &msg)
	if err := p.broker.Publish(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		metrics.ObservePublish(kind, "failed")
		p.logger.Error("publish job failed", zap.String("job_id", id), zap.String("kind", kind), zap.Error(err))
		return Receipt{JobID: id}, fmt.Errorf("%w: %w", pipeline.ErrQueueUnavailable, err)
	}

	metrics.ObservePublish(kind, "queued")
	p.logger.Info("job queued", zap.String("job_id", id), zap.String("kind", kind))
	return receipt, nil
}
