package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Kirill552/esg-lite-sub000/internal/cache"
	"github.com/Kirill552/esg-lite-sub000/internal/clock"
	creditsdomain "github.com/Kirill552/esg-lite-sub000/internal/credits/domain"
	creditsservice "github.com/Kirill552/esg-lite-sub000/internal/credits/service"
	"github.com/Kirill552/esg-lite-sub000/internal/events"
	queuedomain "github.com/Kirill552/esg-lite-sub000/internal/queue/domain"
	"github.com/Kirill552/esg-lite-sub000/internal/surge"
)

var quietDay = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func TestAddJobDebitsThenEnqueues(t *testing.T) {
	q, env := setupQueue(t)
	org := snowflake.ID(501)
	seedAccount(t, env, org)

	jobID, err := q.AddJob(context.Background(), queuedomain.AddJobParams{
		OrgID:      org,
		DocumentID: snowflake.ID(9001),
		Volume:     1,
	})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	job, err := q.GetJobStatus(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != queuedomain.StateCreated {
		t.Fatalf("expected created, got %s", job.State)
	}
	if job.Priority != queuedomain.PriorityNormal.Weight() {
		t.Fatalf("expected default priority weight, got %d", job.Priority)
	}
	if job.DebitTransactionID == nil {
		t.Fatalf("expected job to carry its admission debit")
	}

	balance := readBalance(t, env.db, org)
	want := decimal.NewFromInt(1000).Sub(decimal.NewFromFloat(0.1))
	if !balance.Equal(want) {
		t.Fatalf("expected balance %s after admission, got %s", want, balance)
	}

	// Admission invariant: exactly one debit transaction tagged with the job.
	var count int64
	if err := env.db.Raw(
		`SELECT COUNT(*) FROM credit_transactions WHERE org_id = ? AND kind = ?`,
		org, creditsdomain.KindOCRJob,
	).Scan(&count).Error; err != nil {
		t.Fatalf("count debits: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one admission debit, got %d", count)
	}
}

func TestAddJobInsufficientCreditsLeavesNothingBehind(t *testing.T) {
	q, env := setupQueue(t)
	org := snowflake.ID(502)
	seedAccount(t, env, org)
	setBalance(t, env.db, org, decimal.NewFromFloat(0.05))

	_, err := q.AddJob(context.Background(), queuedomain.AddJobParams{
		OrgID:      org,
		DocumentID: snowflake.ID(9002),
	})
	if !errors.Is(err, queuedomain.ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}

	if !readBalance(t, env.db, org).Equal(decimal.NewFromFloat(0.05)) {
		t.Fatalf("expected untouched balance")
	}
	if n := countJobs(t, env.db); n != 0 {
		t.Fatalf("expected no job record, got %d", n)
	}
}

func TestAddJobCompensatesWhenEnqueueFails(t *testing.T) {
	q, env := setupQueue(t)
	org := snowflake.ID(503)
	seedAccount(t, env, org)

	if err := env.db.Exec(`DROP TABLE job_records`).Error; err != nil {
		t.Fatalf("drop job_records: %v", err)
	}

	_, err := q.AddJob(context.Background(), queuedomain.AddJobParams{
		OrgID:      org,
		DocumentID: snowflake.ID(9003),
	})
	if err == nil {
		t.Fatalf("expected enqueue error")
	}
	var recErr *queuedomain.ReconciliationError
	if errors.As(err, &recErr) {
		t.Fatalf("reversal succeeded, error must not escalate: %v", err)
	}

	// Compensation invariant: balance restored, reversal references the debit.
	if !readBalance(t, env.db, org).Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected balance restored to 1000, got %s", readBalance(t, env.db, org))
	}
	var kinds []string
	if err := env.db.Raw(
		`SELECT kind FROM credit_transactions WHERE org_id = ? ORDER BY id ASC`, org,
	).Scan(&kinds).Error; err != nil {
		t.Fatalf("list kinds: %v", err)
	}
	if len(kinds) != 3 || kinds[1] != creditsdomain.KindOCRJob || kinds[2] != creditsdomain.KindAdmissionReversal {
		t.Fatalf("expected bonus, debit, reversal; got %v", kinds)
	}
}

func TestAddJobEscalatesWhenReversalAlsoFails(t *testing.T) {
	q, env := setupQueue(t)
	org := snowflake.ID(504)
	seedAccount(t, env, org)

	q.ledger = &reversalFailLedger{Service: env.ledger}
	if err := env.db.Exec(`DROP TABLE job_records`).Error; err != nil {
		t.Fatalf("drop job_records: %v", err)
	}

	_, err := q.AddJob(context.Background(), queuedomain.AddJobParams{
		OrgID:      org,
		DocumentID: snowflake.ID(9004),
	})
	var recErr *queuedomain.ReconciliationError
	if !errors.As(err, &recErr) {
		t.Fatalf("expected reconciliation error, got %v", err)
	}
	if recErr.OrgID != org || recErr.DebitTransactionID == 0 {
		t.Fatalf("expected reconciliation details, got %+v", recErr)
	}

	var eventCount int64
	if err := env.db.Raw(
		`SELECT COUNT(*) FROM job_events WHERE org_id = ? AND event_type = ?`,
		org, events.EventReconciliationRequired,
	).Scan(&eventCount).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if eventCount != 1 {
		t.Fatalf("expected one reconciliation event, got %d", eventCount)
	}
}

func TestClaimNextFollowsPriorityThenFIFO(t *testing.T) {
	q, env := setupQueue(t)
	org := snowflake.ID(505)
	seedAccount(t, env, org)

	low := addJob(t, q, org, 1, queuedomain.PriorityLow)
	urgent := addJob(t, q, org, 2, queuedomain.PriorityUrgent)
	first := addJob(t, q, org, 3, queuedomain.PriorityNormal)
	second := addJob(t, q, org, 4, queuedomain.PriorityNormal)

	want := []snowflake.ID{urgent, first, second, low}
	for i, expected := range want {
		job, err := q.ClaimNext(context.Background(), q.cfg.Name)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if job == nil || job.ID != expected {
			t.Fatalf("claim %d: expected job %s, got %+v", i, expected, job)
		}
		if job.State != queuedomain.StateActive || job.StartedAt == nil {
			t.Fatalf("claim %d: expected active with started_at, got %+v", i, job)
		}
	}

	job, err := q.ClaimNext(context.Background(), q.cfg.Name)
	if err != nil || job != nil {
		t.Fatalf("expected empty queue, got %+v, %v", job, err)
	}
}

func TestMarkCompletedFinishesActiveJob(t *testing.T) {
	q, env := setupQueue(t)
	org := snowflake.ID(506)
	seedAccount(t, env, org)
	addJob(t, q, org, 1, queuedomain.PriorityNormal)

	job, err := q.ClaimNext(context.Background(), q.cfg.Name)
	if err != nil || job == nil {
		t.Fatalf("claim: %+v, %v", job, err)
	}
	if err := q.MarkCompleted(context.Background(), job.ID, "52 characters of extracted text"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	done, err := q.GetJobStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if done.State != queuedomain.StateCompleted || done.Output == nil || done.CompletedAt == nil {
		t.Fatalf("expected completed with output, got %+v", done)
	}

	// Completing twice is a state conflict, not a silent no-op.
	if err := q.MarkCompleted(context.Background(), job.ID, "again"); !errors.Is(err, queuedomain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestMarkFailedRetriesWithBackoffThenFailsTerminally(t *testing.T) {
	q, env := setupQueue(t)
	q.cfg.MaxRetries = 1
	org := snowflake.ID(507)
	seedAccount(t, env, org)
	jobID := addJob(t, q, org, 1, queuedomain.PriorityNormal)
	balanceAfterAdmission := readBalance(t, env.db, org)

	if job, _ := q.ClaimNext(context.Background(), q.cfg.Name); job == nil {
		t.Fatalf("expected claim")
	}
	state, err := q.MarkFailed(context.Background(), jobID, "boom")
	if err != nil || state != queuedomain.StateRetry {
		t.Fatalf("expected retry state, got %s, %v", state, err)
	}

	// Backed off: not claimable until run_at passes.
	if job, _ := q.ClaimNext(context.Background(), q.cfg.Name); job != nil {
		t.Fatalf("expected backoff to delay the retry, claimed %+v", job)
	}
	env.clk.At = env.clk.At.Add(q.cfg.RetryBackoff + time.Second)

	job, err := q.ClaimNext(context.Background(), q.cfg.Name)
	if err != nil || job == nil || job.ID != jobID {
		t.Fatalf("expected retry claim, got %+v, %v", job, err)
	}

	state, err = q.MarkFailed(context.Background(), jobID, "boom")
	if err != nil || state != queuedomain.StateFailed {
		t.Fatalf("expected terminal failure after retry budget, got %s, %v", state, err)
	}

	failed, err := q.GetJobStatus(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if failed.LastError == nil || *failed.LastError != "boom" {
		t.Fatalf("expected last error recorded, got %+v", failed)
	}

	// No refund on failure.
	if !readBalance(t, env.db, org).Equal(balanceAfterAdmission) {
		t.Fatalf("expected post-admission balance kept, got %s", readBalance(t, env.db, org))
	}
}

func TestCancelJobOnlyBeforeActive(t *testing.T) {
	q, env := setupQueue(t)
	org := snowflake.ID(508)
	seedAccount(t, env, org)
	jobID := addJob(t, q, org, 1, queuedomain.PriorityNormal)

	ok, err := q.CancelJob(context.Background(), jobID)
	if err != nil || !ok {
		t.Fatalf("expected cancel to succeed, got %v, %v", ok, err)
	}
	job, err := q.GetJobStatus(context.Background(), jobID)
	if err != nil || job.State != queuedomain.StateCancelled {
		t.Fatalf("expected cancelled, got %+v, %v", job, err)
	}

	// An active job cannot be cancelled.
	second := addJob(t, q, org, 2, queuedomain.PriorityNormal)
	if claimed, _ := q.ClaimNext(context.Background(), q.cfg.Name); claimed == nil {
		t.Fatalf("expected claim")
	}
	ok, err = q.CancelJob(context.Background(), second)
	if err != nil || ok {
		t.Fatalf("expected cancel no-op on active job, got %v, %v", ok, err)
	}
}

func TestRetryFailedJobChargesAgain(t *testing.T) {
	q, env := setupQueue(t)
	q.cfg.MaxRetries = 0
	org := snowflake.ID(509)
	seedAccount(t, env, org)
	jobID := addJob(t, q, org, 1, queuedomain.PriorityHigh)

	if job, _ := q.ClaimNext(context.Background(), q.cfg.Name); job == nil {
		t.Fatalf("expected claim")
	}
	if state, err := q.MarkFailed(context.Background(), jobID, "boom"); err != nil || state != queuedomain.StateFailed {
		t.Fatalf("expected terminal failure, got %s, %v", state, err)
	}
	balanceBefore := readBalance(t, env.db, org)

	newID, err := q.RetryFailedJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if newID == jobID {
		t.Fatalf("expected a fresh job id")
	}

	fresh, err := q.GetJobStatus(context.Background(), newID)
	if err != nil || fresh.State != queuedomain.StateCreated {
		t.Fatalf("expected fresh created job, got %+v, %v", fresh, err)
	}
	if fresh.Priority != queuedomain.PriorityHigh.Weight() {
		t.Fatalf("expected priority carried over, got %d", fresh.Priority)
	}

	// Full re-admission charges a second time.
	want := balanceBefore.Sub(decimal.NewFromFloat(0.1))
	if !readBalance(t, env.db, org).Equal(want) {
		t.Fatalf("expected balance %s, got %s", want, readBalance(t, env.db, org))
	}

	if _, err := q.RetryFailedJob(context.Background(), newID); !errors.Is(err, queuedomain.ErrNotRetryable) {
		t.Fatalf("expected not retryable for a created job, got %v", err)
	}
}

func TestGetQueueStatsCountsByState(t *testing.T) {
	q, env := setupQueue(t)
	q.cfg.StatsTTL = time.Nanosecond
	org := snowflake.ID(510)
	seedAccount(t, env, org)

	addJob(t, q, org, 1, queuedomain.PriorityNormal)
	addJob(t, q, org, 2, queuedomain.PriorityNormal)
	claimed, _ := q.ClaimNext(context.Background(), q.cfg.Name)
	if claimed == nil {
		t.Fatalf("expected claim")
	}

	stats, err := q.GetQueueStats(context.Background(), q.cfg.Name)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Created != 1 || stats.Active != 1 || stats.Total() != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestExpireStaleFailsForgottenJobs(t *testing.T) {
	q, env := setupQueue(t)
	q.cfg.JobTTL = time.Hour
	q.cfg.ActiveTimeout = 10 * time.Minute
	org := snowflake.ID(511)
	seedAccount(t, env, org)

	pending := addJob(t, q, org, 1, queuedomain.PriorityNormal)
	addJob(t, q, org, 2, queuedomain.PriorityNormal)
	stalled, _ := q.ClaimNext(context.Background(), q.cfg.Name)
	if stalled == nil || stalled.ID == pending {
		t.Fatalf("expected to claim the second job")
	}

	env.clk.At = env.clk.At.Add(2 * time.Hour)
	expired, err := q.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 2 {
		t.Fatalf("expected 2 expired jobs, got %d", expired)
	}

	for _, id := range []snowflake.ID{pending, stalled.ID} {
		job, err := q.GetJobStatus(context.Background(), id)
		if err != nil || job.State != queuedomain.StateFailed {
			t.Fatalf("expected failed job %s, got %+v, %v", id, job, err)
		}
	}
}

func TestListJobsBoundedAndOrdered(t *testing.T) {
	q, env := setupQueue(t)
	q.cfg.MaxRetries = 0
	org := snowflake.ID(515)
	seedAccount(t, env, org)

	addJob(t, q, org, 1, queuedomain.PriorityNormal)
	addJob(t, q, org, 2, queuedomain.PriorityNormal)
	addJob(t, q, org, 3, queuedomain.PriorityNormal)

	// Stagger the claims so started_at ordering is observable.
	var claimed []snowflake.ID
	for i := 0; i < 3; i++ {
		job, err := q.ClaimNext(context.Background(), q.cfg.Name)
		if err != nil || job == nil {
			t.Fatalf("claim %d: %+v, %v", i, job, err)
		}
		claimed = append(claimed, job.ID)
		env.clk.At = env.clk.At.Add(time.Minute)
	}

	active, err := q.GetActiveJobs(context.Background(), q.cfg.Name, 2)
	if err != nil {
		t.Fatalf("active jobs: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected the limit to bound the list, got %d", len(active))
	}
	if active[0].ID != claimed[0] || active[1].ID != claimed[1] {
		t.Fatalf("expected oldest active first, got %s then %s", active[0].ID, active[1].ID)
	}

	// Fail two jobs at staggered times; the failed list is newest first.
	if _, err := q.MarkFailed(context.Background(), claimed[0], "boom"); err != nil {
		t.Fatalf("fail first: %v", err)
	}
	env.clk.At = env.clk.At.Add(time.Minute)
	if _, err := q.MarkFailed(context.Background(), claimed[1], "boom"); err != nil {
		t.Fatalf("fail second: %v", err)
	}

	failed, err := q.GetFailedJobs(context.Background(), q.cfg.Name, 1)
	if err != nil {
		t.Fatalf("failed jobs: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != claimed[1] {
		t.Fatalf("expected the newest failure only, got %+v", failed)
	}
}

func TestRetryFailedJobRepricesOriginalOperation(t *testing.T) {
	q, env := setupQueue(t)
	q.cfg.MaxRetries = 0
	org := snowflake.ID(513)
	seedAccount(t, env, org)

	// A report job admitted with an empty payload still has to retry as
	// a report job at the flat report price.
	jobID, err := q.AddJob(context.Background(), queuedomain.AddJobParams{
		OrgID:      org,
		DocumentID: snowflake.ID(9013),
		Operation:  creditsdomain.OperationReport,
	})
	if err != nil {
		t.Fatalf("add report job: %v", err)
	}
	want := decimal.NewFromInt(999)
	if !readBalance(t, env.db, org).Equal(want) {
		t.Fatalf("expected balance %s after report admission, got %s", want, readBalance(t, env.db, org))
	}

	if job, _ := q.ClaimNext(context.Background(), q.cfg.Name); job == nil {
		t.Fatalf("expected claim")
	}
	if state, err := q.MarkFailed(context.Background(), jobID, "boom"); err != nil || state != queuedomain.StateFailed {
		t.Fatalf("expected terminal failure, got %s, %v", state, err)
	}

	if _, err := q.RetryFailedJob(context.Background(), jobID); err != nil {
		t.Fatalf("retry report job: %v", err)
	}
	want = decimal.NewFromInt(998)
	if !readBalance(t, env.db, org).Equal(want) {
		t.Fatalf("expected balance %s after report re-admission, got %s", want, readBalance(t, env.db, org))
	}

	var reportDebits int64
	if err := env.db.Raw(
		`SELECT COUNT(*) FROM credit_transactions WHERE org_id = ? AND kind = ?`,
		org, creditsdomain.KindReportGeneration,
	).Scan(&reportDebits).Error; err != nil {
		t.Fatalf("count report debits: %v", err)
	}
	if reportDebits != 2 {
		t.Fatalf("expected both admissions booked as report debits, got %d", reportDebits)
	}
}

func TestRetryFailedJobKeepsOriginalVolume(t *testing.T) {
	q, env := setupQueue(t)
	q.cfg.MaxRetries = 0
	org := snowflake.ID(514)
	seedAccount(t, env, org)

	jobID, err := q.AddJob(context.Background(), queuedomain.AddJobParams{
		OrgID:      org,
		DocumentID: snowflake.ID(9014),
		Volume:     5,
	})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	afterFirst := readBalance(t, env.db, org)
	want := decimal.NewFromInt(1000).Sub(decimal.NewFromFloat(0.5))
	if !afterFirst.Equal(want) {
		t.Fatalf("expected balance %s after 5-page admission, got %s", want, afterFirst)
	}

	if job, _ := q.ClaimNext(context.Background(), q.cfg.Name); job == nil {
		t.Fatalf("expected claim")
	}
	if state, err := q.MarkFailed(context.Background(), jobID, "boom"); err != nil || state != queuedomain.StateFailed {
		t.Fatalf("expected terminal failure, got %s, %v", state, err)
	}

	if _, err := q.RetryFailedJob(context.Background(), jobID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	want = afterFirst.Sub(decimal.NewFromFloat(0.5))
	if !readBalance(t, env.db, org).Equal(want) {
		t.Fatalf("expected 5-page price on re-admission, balance %s, got %s", want, readBalance(t, env.db, org))
	}
}

func TestAddJobRejectsUnknownPriority(t *testing.T) {
	q, env := setupQueue(t)
	org := snowflake.ID(512)
	seedAccount(t, env, org)

	_, err := q.AddJob(context.Background(), queuedomain.AddJobParams{
		OrgID:      org,
		DocumentID: snowflake.ID(9012),
		Priority:   queuedomain.Priority("critical"),
	})
	if !errors.Is(err, queuedomain.ErrInvalidPriority) {
		t.Fatalf("expected invalid priority, got %v", err)
	}
	if n := countJobs(t, env.db); n != 0 {
		t.Fatalf("expected no job record, got %d", n)
	}
}

// reversalFailLedger wraps the real ledger but refuses credits, forcing
// the compensation path to escalate.
type reversalFailLedger struct {
	creditsdomain.Service
}

func (l *reversalFailLedger) CreditCredits(context.Context, snowflake.ID, decimal.Decimal, string, string, map[string]any) (*creditsdomain.CreditTransaction, error) {
	return nil, errors.New("ledger unavailable")
}

type queueEnv struct {
	db     *gorm.DB
	clk    *clock.Fixed
	ledger creditsdomain.Service
}

func setupQueue(t *testing.T) (*Service, *queueEnv) {
	t.Helper()
	db := setupQueueTestDB(t)
	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := &clock.Fixed{At: quietDay}
	log := zap.NewNop()

	ledger := creditsservice.NewService(creditsservice.ServiceParam{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Surge: surge.NewPolicy(surge.DefaultConfig()),
	})

	q := &Service{
		db:     db,
		log:    log,
		genID:  node,
		clock:  clk,
		ledger: ledger,
		outbox: events.NewOutbox(db, node, clk),
		cfg:    DefaultConfig(),
		stats:  cache.NewTTLCache[string, queuedomain.QueueStats](),
	}
	return q, &queueEnv{db: db, clk: clk, ledger: ledger}
}

func setupQueueTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS credit_accounts (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL UNIQUE,
			balance NUMERIC NOT NULL DEFAULT 0,
			total_credited NUMERIC NOT NULL DEFAULT 0,
			total_debited NUMERIC NOT NULL DEFAULT 0,
			plan_tier TEXT NOT NULL DEFAULT 'TRIAL',
			plan_expires_at TIMESTAMP,
			last_top_up_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			amount NUMERIC NOT NULL,
			kind TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			metadata JSON,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_records (
			id BIGINT PRIMARY KEY,
			queue_name TEXT NOT NULL,
			org_id BIGINT NOT NULL,
			document_id BIGINT NOT NULL,
			payload JSON,
			priority INT NOT NULL DEFAULT 5,
			state TEXT NOT NULL DEFAULT 'created',
			retry_count INT NOT NULL DEFAULT 0,
			run_at TIMESTAMP NOT NULL,
			output TEXT,
			last_error TEXT,
			debit_transaction_id BIGINT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_events (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			job_id BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSON,
			dedupe_key TEXT,
			published BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (org_id, dedupe_key)
		)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func seedAccount(t *testing.T, env *queueEnv, org snowflake.ID) {
	t.Helper()
	if _, err := env.ledger.CheckBalance(context.Background(), org); err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func addJob(t *testing.T, q *Service, org snowflake.ID, doc int64, priority queuedomain.Priority) snowflake.ID {
	t.Helper()
	jobID, err := q.AddJob(context.Background(), queuedomain.AddJobParams{
		OrgID:      org,
		DocumentID: snowflake.ID(doc),
		Priority:   priority,
		Payload:    map[string]any{"pages": 1},
	})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	return jobID
}

func countJobs(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Raw(`SELECT COUNT(*) FROM job_records`).Scan(&count).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	return count
}

func readBalance(t *testing.T, db *gorm.DB, org snowflake.ID) decimal.Decimal {
	t.Helper()
	var balance decimal.Decimal
	if err := db.Raw(`SELECT balance FROM credit_accounts WHERE org_id = ?`, org).Scan(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	return balance
}

func setBalance(t *testing.T, db *gorm.DB, org snowflake.ID, balance decimal.Decimal) {
	t.Helper()
	if err := db.Exec(`UPDATE credit_accounts SET balance = ? WHERE org_id = ?`, balance, org).Error; err != nil {
		t.Fatalf("set balance: %v", err)
	}
}
