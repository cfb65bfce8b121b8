// Package worker runs the extraction workers. Workers only ever pull
// from the durable queue and request state transitions; all financial
// work happened at admission, so a failed job never touches the ledger.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"

	documentsdomain "github.com/Kirill552/esg-lite-sub000/internal/documents/domain"
	"github.com/Kirill552/esg-lite-sub000/internal/events"
	"github.com/Kirill552/esg-lite-sub000/internal/observability/metrics"
	"github.com/Kirill552/esg-lite-sub000/internal/ocr"
	queuedomain "github.com/Kirill552/esg-lite-sub000/internal/queue/domain"
)

// Config tunes the worker pool.
type Config struct {
	// QueueName is the queue workers pull from.
	QueueName string
	// Concurrency is the number of worker goroutines.
	Concurrency int
	// PollInterval is the idle sleep between empty claims.
	PollInterval time.Duration
	// JobTimeout bounds a single extraction.
	JobTimeout time.Duration
	// MinTextLength rejects extractions shorter than this as failures.
	MinTextLength int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		QueueName:     "ocr",
		Concurrency:   4,
		PollInterval:  time.Second,
		JobTimeout:    5 * time.Minute,
		MinTextLength: 10,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.QueueName == "" {
		c.QueueName = defaults.QueueName
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.MinTextLength <= 0 {
		c.MinTextLength = defaults.MinTextLength
	}
	return c
}

type PoolParam struct {
	fx.In

	Log       *zap.Logger
	Queue     queuedomain.Service
	Documents documentsdomain.Repository
	Processor ocr.Processor
	Outbox    *events.Outbox
	Meter     *metrics.QueueMetrics
	Config    Config
}

// Pool pulls jobs and drives them to a terminal or retry state.
type Pool struct {
	log       *zap.Logger
	queue     queuedomain.Service
	documents documentsdomain.Repository
	processor ocr.Processor
	outbox    *events.Outbox
	meter     *metrics.QueueMetrics
	cfg       Config
	wg        sync.WaitGroup
}

// NewPool builds the worker pool.
func NewPool(p PoolParam) *Pool {
	return &Pool{
		log:       p.Log.Named("worker.pool"),
		queue:     p.Queue,
		documents: p.Documents,
		processor: p.Processor,
		outbox:    p.Outbox,
		meter:     p.Meter,
		cfg:       p.Config.withDefaults(),
	}
}

// Run starts the worker goroutines. It returns immediately; call Stop
// to drain them.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.runWorker(ctx, worker)
		}(i)
	}
}

// Stop blocks until every worker has finished its in-flight job.
// Stopping is cooperative: a job already handed to the processor runs
// to its own timeout.
func (p *Pool) Stop() {
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, worker int) {
	p.log.Debug("worker started", zap.Int("worker", worker))
	for {
		if ctx.Err() != nil {
			return
		}
		if p.ProcessOne(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// ProcessOne claims and executes at most one job. It reports whether a
// job was claimed, so idle callers can back off.
func (p *Pool) ProcessOne(ctx context.Context) bool {
	job, err := p.queue.ClaimNext(ctx, p.cfg.QueueName)
	if err != nil {
		p.log.Warn("claim failed", zap.Error(err))
		return false
	}
	if job == nil {
		return false
	}
	p.processJob(ctx, job)
	return true
}

func (p *Pool) processJob(ctx context.Context, job *queuedomain.JobRecord) {
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	tracer := otel.Tracer("esglite.worker")
	jobCtx, span := tracer.Start(jobCtx, "job.process")
	span.SetAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.queue", job.QueueName),
		attribute.String("org.id", job.OrgID.String()),
	)
	defer span.End()

	log := p.log.With(
		zap.String("job_id", job.ID.String()),
		zap.String("org_id", job.OrgID.String()),
		zap.String("document_id", job.DocumentID.String()),
	)
	start := time.Now()

	doc, err := p.documents.Get(jobCtx, job.DocumentID)
	if err != nil {
		span.SetStatus(codes.Error, "document lookup failed")
		p.meter.IncJobError(job.QueueName, "record")
		p.failJob(jobCtx, job, fmt.Sprintf("document %s: %v", job.DocumentID, err), start, log)
		return
	}

	p.progress(jobCtx, job, "extracting", 10)

	result, err := p.processor.Process(jobCtx, doc.FilePath)
	if err != nil {
		span.SetStatus(codes.Error, "extraction failed")
		p.meter.IncJobError(job.QueueName, "process")
		if markErr := p.documents.MarkFailed(jobCtx, doc.ID, reasonOf(err)); markErr != nil {
			log.Warn("document failure not recorded", zap.Error(markErr))
		}
		p.failJob(jobCtx, job, reasonOf(err), start, log)
		return
	}

	if len(strings.TrimSpace(result.Text)) < p.cfg.MinTextLength {
		reason := "extracted text too short"
		span.SetStatus(codes.Error, reason)
		p.meter.IncJobError(job.QueueName, "sanity")
		if markErr := p.documents.MarkFailed(jobCtx, doc.ID, reason); markErr != nil {
			log.Warn("document failure not recorded", zap.Error(markErr))
		}
		p.failJob(jobCtx, job, reason, start, log)
		return
	}

	p.progress(jobCtx, job, "persisting", 90)

	if err := p.documents.MarkProcessed(jobCtx, doc.ID, result.Text, result.Confidence); err != nil {
		span.SetStatus(codes.Error, "result persistence failed")
		p.meter.IncJobError(job.QueueName, "record")
		p.failJob(jobCtx, job, fmt.Sprintf("persist result: %v", err), start, log)
		return
	}
	if err := p.queue.MarkCompleted(jobCtx, job.ID, summarize(result.Text)); err != nil {
		log.Error("job completion not recorded", zap.Error(err))
		p.meter.IncJobError(job.QueueName, "record")
		return
	}

	p.progress(jobCtx, job, "done", 100)
	p.meter.ObserveJobDuration(job.QueueName, queuedomain.StateCompleted, time.Since(start))
	log.Info("job completed",
		zap.Int("pages", result.Pages),
		zap.Duration("took", time.Since(start)))
}

// failJob moves the job to retry or terminal failure and records the
// resulting state in metrics. Credits are deliberately not refunded.
func (p *Pool) failJob(ctx context.Context, job *queuedomain.JobRecord, reason string, start time.Time, log *zap.Logger) {
	state, err := p.queue.MarkFailed(ctx, job.ID, reason)
	if err != nil {
		log.Error("job failure not recorded", zap.String("reason", reason), zap.Error(err))
		return
	}
	p.meter.ObserveJobDuration(job.QueueName, state, time.Since(start))
	log.Warn("job failed", zap.String("reason", reason), zap.String("state", state))
}

// progress publishes a best-effort progress event.
func (p *Pool) progress(ctx context.Context, job *queuedomain.JobRecord, stage string, percent int) {
	err := p.outbox.Publish(ctx, events.Event{
		OrgID: job.OrgID,
		JobID: job.ID,
		Type:  events.EventJobProgress,
		Payload: events.ProgressPayload{
			JobID:   job.ID.String(),
			Stage:   stage,
			Percent: percent,
		}.ToMap(),
	})
	if err != nil {
		p.log.Debug("progress event not published", zap.Error(err))
	}
}

// reasonOf keeps typed extraction failures short for storage.
func reasonOf(err error) string {
	var procErr *ocr.ProcessError
	if errors.As(err, &procErr) && procErr.Err != nil {
		return fmt.Sprintf("%s: %v", procErr.Reason, procErr.Err)
	}
	return err.Error()
}

// summarize bounds the output stored on the job record; the full text
// lives on the document. Truncation lands on a rune boundary so the
// stored output stays valid UTF-8.
func summarize(text string) string {
	const max = 512
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
