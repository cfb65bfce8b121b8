package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Kirill552/esg-lite-sub000/internal/clock"
	creditsservice "github.com/Kirill552/esg-lite-sub000/internal/credits/service"
	documentsdomain "github.com/Kirill552/esg-lite-sub000/internal/documents/domain"
	documentsrepo "github.com/Kirill552/esg-lite-sub000/internal/documents/repository"
	"github.com/Kirill552/esg-lite-sub000/internal/events"
	"github.com/Kirill552/esg-lite-sub000/internal/ocr"
	queuedomain "github.com/Kirill552/esg-lite-sub000/internal/queue/domain"
	queueservice "github.com/Kirill552/esg-lite-sub000/internal/queue/service"
	"github.com/Kirill552/esg-lite-sub000/internal/surge"
)

var quietDay = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

// stubProcessor returns a canned extraction without touching disk.
type stubProcessor struct {
	result ocr.Result
	err    error
}

func (s *stubProcessor) Process(context.Context, string) (ocr.Result, error) {
	if s.err != nil {
		return ocr.Result{}, s.err
	}
	return s.result, nil
}

func TestProcessOneCompletesJobAndDocument(t *testing.T) {
	env := setupWorkerEnv(t, &stubProcessor{result: ocr.Result{
		Text:       "Scope 1 emissions for the reporting year were 1042 tonnes.",
		Confidence: decimal.RequireFromString("0.95"),
		Pages:      1,
	}})
	org := snowflake.ID(601)
	docID, jobID := env.admit(t, org)
	balanceAfterAdmission := env.balance(t, org)

	if !env.pool.ProcessOne(context.Background()) {
		t.Fatalf("expected a job to be processed")
	}

	job, err := env.queue.GetJobStatus(context.Background(), jobID)
	if err != nil || job.State != queuedomain.StateCompleted {
		t.Fatalf("expected completed job, got %+v, %v", job, err)
	}

	doc, err := env.docs.Get(context.Background(), docID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.Status != documentsdomain.StatusProcessed || doc.OCRText == nil {
		t.Fatalf("expected processed document with text, got %+v", doc)
	}
	if doc.OCRConfidence == nil || !doc.OCRConfidence.Equal(decimal.RequireFromString("0.95")) {
		t.Fatalf("expected confidence 0.95, got %+v", doc.OCRConfidence)
	}

	// Completion never touches the ledger.
	if !env.balance(t, org).Equal(balanceAfterAdmission) {
		t.Fatalf("expected balance unchanged by processing, got %s", env.balance(t, org))
	}
}

func TestProcessOneFailsJobWithoutRefund(t *testing.T) {
	env := setupWorkerEnv(t, &stubProcessor{err: errors.New("boom")})
	org := snowflake.ID(602)
	docID, jobID := env.admit(t, org)
	balanceAfterAdmission := env.balance(t, org)

	if !env.pool.ProcessOne(context.Background()) {
		t.Fatalf("expected a job to be processed")
	}

	job, err := env.queue.GetJobStatus(context.Background(), jobID)
	if err != nil || job.State != queuedomain.StateFailed {
		t.Fatalf("expected failed job, got %+v, %v", job, err)
	}
	if job.LastError == nil || *job.LastError != "boom" {
		t.Fatalf("expected failure reason recorded, got %+v", job)
	}

	doc, err := env.docs.Get(context.Background(), docID)
	if err != nil || doc.Status != documentsdomain.StatusFailed {
		t.Fatalf("expected failed document, got %+v, %v", doc, err)
	}
	if doc.OCRError == nil || *doc.OCRError != "boom" {
		t.Fatalf("expected error on document, got %+v", doc.OCRError)
	}

	// No refund on failure.
	if !env.balance(t, org).Equal(balanceAfterAdmission) {
		t.Fatalf("expected balance kept at post-admission value, got %s", env.balance(t, org))
	}
}

func TestProcessOneRejectsTooShortExtraction(t *testing.T) {
	env := setupWorkerEnv(t, &stubProcessor{result: ocr.Result{
		Text:       "n/a",
		Confidence: decimal.RequireFromString("0.95"),
		Pages:      1,
	}})
	org := snowflake.ID(603)
	docID, jobID := env.admit(t, org)

	if !env.pool.ProcessOne(context.Background()) {
		t.Fatalf("expected a job to be processed")
	}

	job, err := env.queue.GetJobStatus(context.Background(), jobID)
	if err != nil || job.State != queuedomain.StateFailed {
		t.Fatalf("expected failed job, got %+v, %v", job, err)
	}
	doc, err := env.docs.Get(context.Background(), docID)
	if err != nil || doc.Status != documentsdomain.StatusFailed {
		t.Fatalf("expected failed document, got %+v, %v", doc, err)
	}
	if doc.OCRError == nil || *doc.OCRError != "extracted text too short" {
		t.Fatalf("expected sanity failure, got %+v", doc.OCRError)
	}
}

func TestSummarizeKeepsOutputValidUTF8(t *testing.T) {
	short := "выбросы CO2"
	if got := summarize(short); got != short {
		t.Fatalf("expected short text untouched, got %q", got)
	}

	// 300 two-byte runes: the 512-byte cut lands mid-rune and must back
	// up to the previous boundary.
	long := strings.Repeat("т", 300)
	got := summarize(long)
	if len(got) > 512 {
		t.Fatalf("expected at most 512 bytes, got %d", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("expected valid utf-8 output, got %q", got)
	}
	if len(got) != 510 {
		t.Fatalf("expected cut on the rune boundary at 510, got %d", len(got))
	}
}

func TestProcessOneIdleWhenQueueEmpty(t *testing.T) {
	env := setupWorkerEnv(t, &stubProcessor{})
	if env.pool.ProcessOne(context.Background()) {
		t.Fatalf("expected nothing to process")
	}
}

type workerEnv struct {
	db    *gorm.DB
	clk   *clock.Fixed
	pool  *Pool
	queue queuedomain.Service
	docs  documentsdomain.Repository
	node  *snowflake.Node
}

func (e *workerEnv) admit(t *testing.T, org snowflake.ID) (snowflake.ID, snowflake.ID) {
	t.Helper()
	doc := &documentsdomain.Document{
		ID:       e.node.Generate(),
		OrgID:    org,
		FilePath: "/tmp/report.pdf",
	}
	if err := e.docs.Create(context.Background(), doc); err != nil {
		t.Fatalf("create document: %v", err)
	}
	jobID, err := e.queue.AddJob(context.Background(), queuedomain.AddJobParams{
		OrgID:      org,
		DocumentID: doc.ID,
		Volume:     1,
	})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	return doc.ID, jobID
}

func (e *workerEnv) balance(t *testing.T, org snowflake.ID) decimal.Decimal {
	t.Helper()
	var balance decimal.Decimal
	if err := e.db.Raw(`SELECT balance FROM credit_accounts WHERE org_id = ?`, org).Scan(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	return balance
}

func setupWorkerEnv(t *testing.T, processor ocr.Processor) *workerEnv {
	t.Helper()
	db := setupWorkerTestDB(t)
	node, err := snowflake.NewNode(4)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := &clock.Fixed{At: quietDay}
	log := zap.NewNop()
	outbox := events.NewOutbox(db, node, clk)

	ledger := creditsservice.NewService(creditsservice.ServiceParam{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Surge: surge.NewPolicy(surge.DefaultConfig()),
	})
	queueCfg := queueservice.DefaultConfig()
	queueCfg.MaxRetries = 0
	queue := queueservice.NewService(queueservice.ServiceParam{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  clk,
		Ledger: ledger,
		Outbox: outbox,
		Config: queueCfg,
	})
	docs := documentsrepo.NewRepository(documentsrepo.RepositoryParam{
		DB:    db,
		Log:   log,
		Clock: clk,
	})

	pool := NewPool(PoolParam{
		Log:       log,
		Queue:     queue,
		Documents: docs,
		Processor: processor,
		Outbox:    outbox,
		Config:    DefaultConfig(),
	})
	return &workerEnv{db: db, clk: clk, pool: pool, queue: queue, docs: docs, node: node}
}

func setupWorkerTestDB(t *testing.T) *gorm.DB {
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
		`CREATE TABLE IF NOT EXISTS documents (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			file_path TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'uploaded',
			page_count INT NOT NULL DEFAULT 1,
			ocr_text TEXT,
			ocr_confidence NUMERIC,
			ocr_error TEXT,
			processed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}
