// Package worker implements the job consumer: one job at a time, with bounded
// retries and best-effort webhook delivery.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/contentgen-pipeline/internal/metrics"
	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
	"github.com/JakeFAU/contentgen-pipeline/internal/queue"
	"github.com/JakeFAU/contentgen-pipeline/internal/storage"
	"github.com/JakeFAU/contentgen-pipeline/internal/telemetry"
)

// retryPublishTimeout bounds the wait for the broker to store a retry copy.
const retryPublishTimeout = 10 * time.Second

// Config controls Worker behavior.
type Config struct {
	MaxRetries                   int
	RetryBaseDelay               time.Duration
	ArticleTimeout               time.Duration
	NovelBaseTimeout             time.Duration
	NovelTimeoutPerThousandWords time.Duration
	NovelMaxTimeout              time.Duration
	WebhookTimeout               time.Duration
	ReconnectInterval            time.Duration
	ArchivePrefix                string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:                   3,
		RetryBaseDelay:               time.Second,
		ArticleTimeout:               5 * time.Minute,
		NovelBaseTimeout:             10 * time.Minute,
		NovelTimeoutPerThousandWords: 3 * time.Minute,
		NovelMaxTimeout:              90 * time.Minute,
		WebhookTimeout:               10 * time.Second,
		ReconnectInterval:            5 * time.Second,
		ArchivePrefix:                "results",
	}
}

// Worker consumes deliveries and runs the generator for each.
type Worker struct {
	broker    queue.Broker
	generator pipeline.Generator
	notifier  pipeline.Notifier
	archive   pipeline.BlobStore
	cfg       Config
	logger    *zap.Logger

	reconnect *rate.Limiter
	busy      atomic.Bool
}

// New constructs a Worker. notifier and archive may be nil.
func New(
	broker queue.Broker,
	generator pipeline.Generator,
	notifier pipeline.Notifier,
	archive pipeline.BlobStore,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	if broker == nil || generator == nil {
		return nil, fmt.Errorf("broker and generator are required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0")
	}
	if cfg.RetryBaseDelay <= 0 || cfg.ArticleTimeout <= 0 || cfg.NovelBaseTimeout <= 0 {
		return nil, fmt.Errorf("retry delay and generation timeouts must be > 0")
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 10 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		broker:    broker,
		generator: generator,
		notifier:  notifier,
		archive:   archive,
		cfg:       cfg,
		logger:    logger,
		reconnect: rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1),
	}, nil
}

// Run blocks, consuming deliveries until ctx ends or the broker is closed.
// A dropped delivery stream is re-subscribed at most once per reconnect interval.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.reconnect.Wait(ctx); err != nil {
			return nil
		}
		if err := w.broker.EnsureReady(ctx); err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("broker not ready", zap.Error(err))
			continue
		}
		deliveries, err := w.broker.Consume(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("consume failed", zap.Error(err))
			continue
		}
		w.logger.Info("consuming jobs")
		for d := range deliveries {
			w.handle(ctx, d)
		}
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Warn("delivery stream closed, resubscribing")
	}
}

func (w *Worker) handle(ctx context.Context, d queue.Delivery) {
	if !w.busy.CompareAndSwap(false, true) {
		w.logger.Error("concurrent delivery observed", zap.String("job_id", d.ID))
	}
	defer w.busy.Store(false)
	metrics.IncInFlight()
	defer metrics.DecInFlight()

	// In-flight work is not cancelled from outside; shutdown waits or
	// abandons the unacked delivery to the broker.
	work := context.WithoutCancel(queue.ExtractTrace(ctx, d.Message))

	var job pipeline.Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		w.logger.Error("malformed job, dead-lettering", zap.String("job_id", d.ID), zap.Error(err))
		metrics.ObserveJob("unknown", "malformed")
		w.settle(work, d, false)
		return
	}
	if job.ID == "" {
		job.ID = d.ID
	}
	kind := string(job.Kind())

	work, span := otel.Tracer(telemetry.TracerName).Start(work, "job.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", kind),
		attribute.Int("job.retry_count", d.RetryCount),
	)

	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("kind", kind), zap.Int("retry_count", d.RetryCount))
	logger.Info("job received")

	result, err := w.generate(work, job)
	if err == nil {
		w.archiveResult(work, job, &result, logger)
		w.notify(work, job, pipeline.Outcome{Success: true, Result: &result}, logger)
		w.settle(work, d, true)
		metrics.ObserveJob(kind, "succeeded")
		logger.Info("job completed", zap.Int("word_count", result.WordCount))
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "generation failed")
	if d.RetryCount < w.cfg.MaxRetries {
		delay := w.cfg.RetryDelay(d.RetryCount)
		next := queue.Message{ID: d.ID, Body: d.Body, RetryCount: d.RetryCount + 1, Headers: d.Headers}
		// The original is acked only once the broker holds the copy.
		if err := w.scheduleRetry(work, next, delay); err != nil {
			logger.Error("schedule retry failed, requeueing", zap.Error(err))
			if err := d.Requeue(work); err != nil {
				logger.Error("requeue delivery failed", zap.Error(err))
			}
			metrics.ObserveJob(kind, "requeued")
			return
		}
		w.settle(work, d, true)
		metrics.ObserveJob(kind, "retried")
		logger.Warn("generation failed, retry scheduled", zap.Duration("delay", delay), zap.Error(err))
		return
	}

	logger.Error("generation failed, retries exhausted", zap.Error(err))
	w.settle(work, d, false)
	metrics.ObserveJob(kind, "dead_lettered")
	w.notify(work, job, pipeline.Outcome{Error: err.Error()}, logger)
}

func (w *Worker) scheduleRetry(ctx context.Context, msg queue.Message, delay time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, retryPublishTimeout)
	defer cancel()
	return w.broker.Retry(ctx, msg, delay)
}

// generate runs the generator under the per-kind timeout and converts panics
// and overruns into generator failures.
func (w *Worker) generate(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	timeout := w.cfg.TimeoutFor(job.Payload)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result pipeline.Result
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: panic: %v", pipeline.ErrGeneratorFailure, r)}
			}
		}()
		res, err := w.generator.Generate(ctx, job)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = fmt.Errorf("%w: timed out after %s", pipeline.ErrGeneratorFailure, timeout)
	}
	metrics.ObserveGeneration(string(job.Kind()), time.Since(start), out.err == nil)
	if out.err != nil && !errors.Is(out.err, pipeline.ErrGeneratorFailure) {
		out.err = fmt.Errorf("%w: %w", pipeline.ErrGeneratorFailure, out.err)
	}
	return out.result, out.err
}

func (w *Worker) archiveResult(ctx context.Context, job pipeline.Job, result *pipeline.Result, logger *zap.Logger) {
	if w.archive == nil {
		return
	}
	doc := struct {
		JobID     string          `json:"jobId"`
		Kind      pipeline.Kind   `json:"kind"`
		CreatedAt time.Time       `json:"createdAt"`
		Result    pipeline.Result `json:"result"`
	}{JobID: job.ID, Kind: job.Kind(), CreatedAt: job.CreatedAt, Result: *result}
	raw, err := json.Marshal(doc)
	if err != nil {
		logger.Warn("encode archive document failed", zap.Error(err))
		return
	}
	uri, err := w.archive.PutObject(ctx, storage.ArchivePath(w.cfg.ArchivePrefix, job.Kind(), job.ID), "application/json", raw)
	if err != nil {
		logger.Warn("archive result failed", zap.Error(err))
		return
	}
	result.ArchiveURI = uri
}

func (w *Worker) notify(ctx context.Context, job pipeline.Job, outcome pipeline.Outcome, logger *zap.Logger) {
	if w.notifier == nil || job.Webhook == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.WebhookTimeout)
	defer cancel()
	if err := w.notifier.Deliver(ctx, *job.Webhook, job.ID, outcome); err != nil {
		logger.Warn("webhook delivery failed", zap.Error(err))
	}
}

func (w *Worker) settle(ctx context.Context, d queue.Delivery, ack bool) {
	var err error
	if ack {
		err = d.Ack(ctx)
	} else {
		err = d.Reject(ctx)
	}
	if err != nil {
		w.logger.Error("settle delivery failed", zap.String("job_id", d.ID), zap.Bool("ack", ack), zap.Error(err))
	}
}
