// Package service implements the durable job queue and its admission
// controller on top of gorm, using conditional updates as the sole
// coordination primitive so many processes can share one queue.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Kirill552/esg-lite-sub000/internal/cache"
	"github.com/Kirill552/esg-lite-sub000/internal/clock"
	creditsdomain "github.com/Kirill552/esg-lite-sub000/internal/credits/domain"
	"github.com/Kirill552/esg-lite-sub000/internal/events"
	"github.com/Kirill552/esg-lite-sub000/internal/observability/metrics"
	queuedomain "github.com/Kirill552/esg-lite-sub000/internal/queue/domain"
)

// Config tunes the queue's retry and expiry behavior.
type Config struct {
	// Name is the queue jobs are admitted into.
	Name string
	// MaxRetries bounds the active->retry->active loop.
	MaxRetries int
	// JobTTL expires jobs that never got picked up.
	JobTTL time.Duration
	// ActiveTimeout fails jobs stuck in active, e.g. after a worker
	// crash mid-processing.
	ActiveTimeout time.Duration
	// RetryBackoff is the delay before the first retry; it doubles per
	// attempt up to RetryBackoffMax.
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	// StatsTTL caches GetQueueStats counts.
	StatsTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Name:            "ocr",
		MaxRetries:      3,
		JobTTL:          24 * time.Hour,
		ActiveTimeout:   30 * time.Minute,
		RetryBackoff:    30 * time.Second,
		RetryBackoffMax: 10 * time.Minute,
		StatsTTL:        5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Name == "" {
		c.Name = defaults.Name
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.JobTTL <= 0 {
		c.JobTTL = defaults.JobTTL
	}
	if c.ActiveTimeout <= 0 {
		c.ActiveTimeout = defaults.ActiveTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaults.RetryBackoff
	}
	if c.RetryBackoffMax < c.RetryBackoff {
		c.RetryBackoffMax = defaults.RetryBackoffMax
	}
	if c.StatsTTL <= 0 {
		c.StatsTTL = defaults.StatsTTL
	}
	return c
}

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Ledger creditsdomain.Service
	Outbox *events.Outbox
	Meter  *metrics.QueueMetrics
	Config Config
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	ledger creditsdomain.Service
	outbox *events.Outbox
	meter  *metrics.QueueMetrics
	cfg    Config
	stats  *cache.TTLCache[string, queuedomain.QueueStats]
}

// NewService builds the queue service.
func NewService(p ServiceParam) queuedomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("queue.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		ledger: p.Ledger,
		outbox: p.Outbox,
		meter:  p.Meter,
		cfg:    p.Config.withDefaults(),
		stats:  cache.NewTTLCache[string, queuedomain.QueueStats](),
	}
}

func (s *Service) AddJob(ctx context.Context, params queuedomain.AddJobParams) (snowflake.ID, error) {
	if params.OrgID == 0 || params.DocumentID == 0 {
		return 0, queuedomain.ErrInvalidJob
	}
	if params.Priority == "" {
		params.Priority = queuedomain.PriorityNormal
	}
	if !params.Priority.Valid() {
		return 0, fmt.Errorf("%w: %q", queuedomain.ErrInvalidPriority, params.Priority)
	}
	op := params.Operation
	if op == "" {
		op = creditsdomain.OperationOCR
	}
	volume := params.Volume
	if volume < 1 {
		volume = 1
	}

	now := s.clock.Now().UTC()
	cost, err := s.ledger.GetOperationCost(op, volume, nil, now)
	if err != nil {
		return 0, fmt.Errorf("price %s admission: %w", op, err)
	}

	if !s.ledger.HasCredits(ctx, params.OrgID, cost.FinalCost) {
		return 0, queuedomain.ErrInsufficientCredits
	}

	jobID := s.genID.Generate()
	debit, err := s.ledger.DebitCredits(ctx, params.OrgID, cost.FinalCost, kindFor(op),
		fmt.Sprintf("%s job %s", op, jobID),
		map[string]any{"job_id": jobID.String(), "queue": s.cfg.Name},
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", queuedomain.ErrCreditsBlockingFailed, err)
	}
	if !debit.Success {
		return 0, queuedomain.ErrInsufficientCredits
	}
	amount, _ := cost.FinalCost.Float64()
	s.meter.AddCreditsDebited(amount)

	payload := datatypes.JSONMap{}
	for key, value := range params.Payload {
		payload[key] = value
	}
	// Pin the priced work on the record so re-admission reprices the
	// same operation and volume, not whatever the payload happened to
	// carry.
	payload["operation"] = string(op)
	payload["pages"] = volume
	txnID := debit.TransactionID
	job := &queuedomain.JobRecord{
		ID:                 jobID,
		QueueName:          s.cfg.Name,
		OrgID:              params.OrgID,
		DocumentID:         params.DocumentID,
		Payload:            payload,
		Priority:           params.Priority.Weight(),
		State:              queuedomain.StateCreated,
		RunAt:              now,
		DebitTransactionID: &txnID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return 0, s.compensate(ctx, params.OrgID, cost.FinalCost, txnID, err)
	}

	s.publish(ctx, events.Event{
		OrgID: params.OrgID,
		JobID: jobID,
		Type:  events.EventJobCreated,
		Payload: map[string]any{
			"document_id": params.DocumentID.String(),
			"operation":   string(op),
			"cost":        cost.FinalCost.String(),
		},
		DedupeKey: "created:" + jobID.String(),
	})
	return jobID, nil
}

// compensate reverses the admission debit after a failed enqueue. A
// failed reversal is escalated instead of swallowed.
func (s *Service) compensate(ctx context.Context, orgID snowflake.ID, amount decimal.Decimal, debitTxnID snowflake.ID, enqueueErr error) error {
	_, reversalErr := s.ledger.CreditCredits(ctx, orgID, amount,
		fmt.Sprintf("reversal of admission debit %s", debitTxnID),
		creditsdomain.KindAdmissionReversal,
		map[string]any{"reverses_transaction_id": debitTxnID.String()},
	)
	if reversalErr == nil {
		value, _ := amount.Float64()
		s.meter.AddCreditsCompensated(value)
		s.log.Warn("admission enqueue failed, debit reversed",
			zap.String("org_id", orgID.String()),
			zap.String("amount", amount.String()),
			zap.Error(enqueueErr))
		return fmt.Errorf("enqueue job: %w", enqueueErr)
	}

	recErr := &queuedomain.ReconciliationError{
		OrgID:              orgID,
		Amount:             amount,
		DebitTransactionID: debitTxnID,
		EnqueueErr:         enqueueErr,
		ReversalErr:        reversalErr,
	}
	s.meter.IncReconciliationRequired()
	s.publish(ctx, events.Event{
		OrgID: orgID,
		Type:  events.EventReconciliationRequired,
		Payload: events.ReconciliationPayload{
			OrgID:              orgID.String(),
			Amount:             amount.String(),
			DebitTransactionID: debitTxnID.String(),
			Detail:             recErr.Error(),
		}.ToMap(),
		DedupeKey: "reconcile:" + debitTxnID.String(),
	})
	s.log.Error("admission compensation failed, manual reconciliation required",
		zap.String("org_id", orgID.String()),
		zap.String("debit_transaction_id", debitTxnID.String()),
		zap.NamedError("enqueue_error", enqueueErr),
		zap.NamedError("reversal_error", reversalErr))
	return recErr
}

// claimBatch bounds how many candidates one claim attempt inspects.
const claimBatch = 5

func (s *Service) ClaimNext(ctx context.Context, queueName string) (*queuedomain.JobRecord, error) {
	now := s.clock.Now().UTC()

	var candidates []queuedomain.JobRecord
	err := s.db.WithContext(ctx).
		Where("queue_name = ? AND state IN ? AND run_at <= ?",
			queueName, []string{queuedomain.StateCreated, queuedomain.StateRetry}, now).
		Order("priority DESC, id ASC").
		Limit(claimBatch).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("load claim candidates: %w", err)
	}

	for i := range candidates {
		job := &candidates[i]
		result := s.db.WithContext(ctx).Exec(
			`UPDATE job_records SET state = ?, started_at = ?, updated_at = ?
			 WHERE id = ? AND state = ?`,
			queuedomain.StateActive, now, now, job.ID, job.State,
		)
		if result.Error != nil {
			return nil, fmt.Errorf("claim job %s: %w", job.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			// Another worker got there first.
			continue
		}
		job.State = queuedomain.StateActive
		job.StartedAt = &now
		job.UpdatedAt = now
		return job, nil
	}
	return nil, nil
}

func (s *Service) MarkCompleted(ctx context.Context, jobID snowflake.ID, output string) error {
	now := s.clock.Now().UTC()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE job_records SET state = ?, output = ?, last_error = NULL, completed_at = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		queuedomain.StateCompleted, output, now, now, jobID, queuedomain.StateActive,
	)
	if result.Error != nil {
		return fmt.Errorf("complete job %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return s.transitionFailure(ctx, jobID)
	}

	job, err := s.GetJobStatus(ctx, jobID)
	if err == nil {
		s.publish(ctx, events.Event{
			OrgID:     job.OrgID,
			JobID:     jobID,
			Type:      events.EventJobCompleted,
			Payload:   map[string]any{"document_id": job.DocumentID.String()},
			DedupeKey: "completed:" + jobID.String(),
		})
	}
	return nil
}

func (s *Service) MarkFailed(ctx context.Context, jobID snowflake.ID, reason string) (string, error) {
	job, err := s.GetJobStatus(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.State != queuedomain.StateActive {
		return "", fmt.Errorf("%w: job %s is %s", queuedomain.ErrInvalidTransition, jobID, job.State)
	}

	now := s.clock.Now().UTC()
	nextState := queuedomain.StateRetry
	runAt := now.Add(s.backoff(job.RetryCount))
	if job.RetryCount >= s.cfg.MaxRetries {
		nextState = queuedomain.StateFailed
		runAt = now
	}

	result := s.db.WithContext(ctx).Exec(
		`UPDATE job_records
		 SET state = ?, retry_count = retry_count + 1, run_at = ?, last_error = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		nextState, runAt, reason, terminalAt(nextState, now), now, jobID, queuedomain.StateActive,
	)
	if result.Error != nil {
		return "", fmt.Errorf("fail job %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return "", s.transitionFailure(ctx, jobID)
	}

	if nextState == queuedomain.StateFailed {
		s.publish(ctx, events.Event{
			OrgID:     job.OrgID,
			JobID:     jobID,
			Type:      events.EventJobFailed,
			Payload:   map[string]any{"reason": reason, "retries": job.RetryCount},
			DedupeKey: "failed:" + jobID.String(),
		})
	}
	return nextState, nil
}

func (s *Service) CancelJob(ctx context.Context, jobID snowflake.ID) (bool, error) {
	now := s.clock.Now().UTC()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE job_records SET state = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND state IN ?`,
		queuedomain.StateCancelled, now, now, jobID,
		[]string{queuedomain.StateCreated, queuedomain.StateRetry},
	)
	if result.Error != nil {
		return false, fmt.Errorf("cancel job %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		// Already active, terminal, or missing. Best effort: report no-op.
		return false, nil
	}

	job, err := s.GetJobStatus(ctx, jobID)
	if err == nil {
		s.publish(ctx, events.Event{
			OrgID:     job.OrgID,
			JobID:     jobID,
			Type:      events.EventJobCancelled,
			DedupeKey: "cancelled:" + jobID.String(),
		})
	}
	return true, nil
}

func (s *Service) RetryFailedJob(ctx context.Context, jobID snowflake.ID) (snowflake.ID, error) {
	job, err := s.GetJobStatus(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.State != queuedomain.StateFailed {
		return 0, fmt.Errorf("%w: job %s is %s", queuedomain.ErrNotRetryable, jobID, job.State)
	}

	// Full re-admission: fresh pricing, fresh debit, fresh job id.
	return s.AddJob(ctx, queuedomain.AddJobParams{
		OrgID:      job.OrgID,
		DocumentID: job.DocumentID,
		Operation:  operationOf(job.Payload),
		Volume:     volumeOf(job.Payload),
		Priority:   priorityFromWeight(job.Priority),
		Payload:    job.Payload,
	})
}

func (s *Service) GetJobStatus(ctx context.Context, jobID snowflake.ID) (*queuedomain.JobRecord, error) {
	var job queuedomain.JobRecord
	err := s.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, queuedomain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return &job, nil
}

func (s *Service) GetQueueStats(ctx context.Context, queueName string) (queuedomain.QueueStats, error) {
	if cached, ok := s.stats.Get(queueName); ok {
		return cached, nil
	}
	stats, err := s.countStats(ctx, queueName)
	if err != nil {
		return queuedomain.QueueStats{}, err
	}
	s.stats.Set(queueName, stats, s.cfg.StatsTTL)
	return stats, nil
}

func (s *Service) countStats(ctx context.Context, queueName string) (queuedomain.QueueStats, error) {
	rows := []struct {
		State string
		Count int64
	}{}
	err := s.db.WithContext(ctx).
		Raw(`SELECT state, COUNT(*) AS count FROM job_records WHERE queue_name = ? GROUP BY state`, queueName).
		Scan(&rows).Error
	if err != nil {
		return queuedomain.QueueStats{}, fmt.Errorf("count queue %s: %w", queueName, err)
	}

	var stats queuedomain.QueueStats
	for _, row := range rows {
		switch row.State {
		case queuedomain.StateCreated:
			stats.Created = row.Count
		case queuedomain.StateActive:
			stats.Active = row.Count
		case queuedomain.StateRetry:
			stats.Retry = row.Count
		case queuedomain.StateCompleted:
			stats.Completed = row.Count
		case queuedomain.StateFailed:
			stats.Failed = row.Count
		case queuedomain.StateCancelled:
			stats.Cancelled = row.Count
		}
	}
	return stats, nil
}

func (s *Service) GetActiveJobs(ctx context.Context, queueName string, limit int) ([]queuedomain.JobRecord, error) {
	return s.listByState(ctx, queueName, queuedomain.StateActive, "started_at ASC", limit)
}

func (s *Service) GetFailedJobs(ctx context.Context, queueName string, limit int) ([]queuedomain.JobRecord, error) {
	return s.listByState(ctx, queueName, queuedomain.StateFailed, "completed_at DESC", limit)
}

func (s *Service) listByState(ctx context.Context, queueName, state, order string, limit int) ([]queuedomain.JobRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var jobs []queuedomain.JobRecord
	err := s.db.WithContext(ctx).
		Where("queue_name = ? AND state = ?", queueName, state).
		Order(order).
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", state, err)
	}
	return jobs, nil
}

func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	now := s.clock.Now().UTC()
	var expired int64

	result := s.db.WithContext(ctx).Exec(
		`UPDATE job_records
		 SET state = ?, last_error = ?, completed_at = ?, updated_at = ?
		 WHERE queue_name = ? AND state IN ? AND created_at < ?`,
		queuedomain.StateFailed, "expired before pickup", now, now,
		s.cfg.Name, []string{queuedomain.StateCreated, queuedomain.StateRetry}, now.Add(-s.cfg.JobTTL),
	)
	if result.Error != nil {
		return 0, fmt.Errorf("expire pending jobs: %w", result.Error)
	}
	expired += result.RowsAffected

	result = s.db.WithContext(ctx).Exec(
		`UPDATE job_records
		 SET state = ?, last_error = ?, completed_at = ?, updated_at = ?
		 WHERE queue_name = ? AND state = ? AND started_at < ?`,
		queuedomain.StateFailed, "stalled in processing", now, now,
		s.cfg.Name, queuedomain.StateActive, now.Add(-s.cfg.ActiveTimeout),
	)
	if result.Error != nil {
		return expired, fmt.Errorf("expire stalled jobs: %w", result.Error)
	}
	expired += result.RowsAffected

	if expired > 0 {
		for i := int64(0); i < expired; i++ {
			s.meter.IncJobError(s.cfg.Name, "expired")
		}
	}

	stats, err := s.countStats(ctx, s.cfg.Name)
	if err != nil {
		return expired, err
	}
	s.meter.SetQueueDepth(s.cfg.Name, queuedomain.StateCreated, stats.Created)
	s.meter.SetQueueDepth(s.cfg.Name, queuedomain.StateActive, stats.Active)
	s.meter.SetQueueDepth(s.cfg.Name, queuedomain.StateRetry, stats.Retry)
	s.meter.SetQueueDepth(s.cfg.Name, queuedomain.StateFailed, stats.Failed)
	return expired, nil
}

// transitionFailure decides whether a zero-row conditional update means
// a missing job or a state conflict.
func (s *Service) transitionFailure(ctx context.Context, jobID snowflake.ID) error {
	job, err := s.GetJobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", queuedomain.ErrInvalidTransition, jobID, job.State)
}

// backoff doubles the retry delay per attempt up to the cap.
func (s *Service) backoff(retryCount int) time.Duration {
	delay := s.cfg.RetryBackoff
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= s.cfg.RetryBackoffMax {
			return s.cfg.RetryBackoffMax
		}
	}
	return delay
}

// publish stores an event best-effort; the job hot path never fails on
// an outbox error.
func (s *Service) publish(ctx context.Context, event events.Event) {
	if err := s.outbox.Publish(ctx, event); err != nil {
		s.log.Warn("event publish failed",
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

func kindFor(op creditsdomain.OperationType) string {
	if op == creditsdomain.OperationReport {
		return creditsdomain.KindReportGeneration
	}
	return creditsdomain.KindOCRJob
}

func priorityFromWeight(weight int) queuedomain.Priority {
	switch {
	case weight >= queuedomain.PriorityUrgent.Weight():
		return queuedomain.PriorityUrgent
	case weight >= queuedomain.PriorityHigh.Weight():
		return queuedomain.PriorityHigh
	case weight <= queuedomain.PriorityLow.Weight():
		return queuedomain.PriorityLow
	default:
		return queuedomain.PriorityNormal
	}
}

func operationOf(payload map[string]any) creditsdomain.OperationType {
	if raw, ok := payload["operation"].(string); ok && raw != "" {
		return creditsdomain.OperationType(raw)
	}
	return creditsdomain.OperationOCR
}

func volumeOf(payload map[string]any) int {
	switch value := payload["pages"].(type) {
	case float64:
		return int(value)
	case int:
		return value
	}
	return 1
}

func terminalAt(state string, now time.Time) *time.Time {
	if state == queuedomain.StateFailed {
		return &now
	}
	return nil
}
