// Package repository provides the gorm-backed document store.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Kirill552/esg-lite-sub000/internal/clock"
	documentsdomain "github.com/Kirill552/esg-lite-sub000/internal/documents/domain"
)

type RepositoryParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Repository struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

// NewRepository builds the document store.
func NewRepository(p RepositoryParam) documentsdomain.Repository {
	return &Repository{
		db:    p.DB,
		log:   p.Log.Named("documents.repository"),
		clock: p.Clock,
	}
}

func (r *Repository) Create(ctx context.Context, doc *documentsdomain.Document) error {
	if doc == nil || doc.ID == 0 || doc.OrgID == 0 {
		return documentsdomain.ErrInvalidDocument
	}
	now := r.clock.Now().UTC()
	if doc.Status == "" {
		doc.Status = documentsdomain.StatusUploaded
	}
	if doc.PageCount < 1 {
		doc.PageCount = 1
	}
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if err := r.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("create document %s: %w", doc.ID, err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id snowflake.ID) (*documentsdomain.Document, error) {
	var doc documentsdomain.Document
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, documentsdomain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return &doc, nil
}

func (r *Repository) MarkProcessed(ctx context.Context, id snowflake.ID, text string, confidence decimal.Decimal) error {
	now := r.clock.Now().UTC()
	result := r.db.WithContext(ctx).Exec(
		`UPDATE documents
		 SET status = ?, ocr_text = ?, ocr_confidence = ?, ocr_error = NULL, processed_at = ?, updated_at = ?
		 WHERE id = ?`,
		documentsdomain.StatusProcessed, text, confidence, now, now, id,
	)
	if result.Error != nil {
		return fmt.Errorf("mark document %s processed: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return documentsdomain.ErrNotFound
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, id snowflake.ID, reason string) error {
	now := r.clock.Now().UTC()
	result := r.db.WithContext(ctx).Exec(
		`UPDATE documents
		 SET status = ?, ocr_error = ?, updated_at = ?
		 WHERE id = ?`,
		documentsdomain.StatusFailed, reason, now, id,
	)
	if result.Error != nil {
		return fmt.Errorf("mark document %s failed: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return documentsdomain.ErrNotFound
	}
	return nil
}
