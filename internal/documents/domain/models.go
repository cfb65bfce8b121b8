// Package domain holds the document records the extraction pipeline
// reads from and reports into.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Document processing statuses.
const (
	StatusUploaded   = "uploaded"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// Document is an uploaded source file plus its extraction outcome.
type Document struct {
	ID            snowflake.ID     `gorm:"primaryKey"`
	OrgID         snowflake.ID     `gorm:"not null;index"`
	FilePath      string           `gorm:"type:text;not null"`
	Status        string           `gorm:"type:text;not null;default:uploaded"`
	PageCount     int              `gorm:"not null;default:1"`
	OCRText       *string          `gorm:"column:ocr_text;type:text"`
	OCRConfidence *decimal.Decimal `gorm:"column:ocr_confidence;type:numeric(5,4)"`
	OCRError      *string          `gorm:"column:ocr_error;type:text"`
	ProcessedAt   *time.Time       `gorm:""`
	CreatedAt     time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Document) TableName() string { return "documents" }

// Repository persists document records and their extraction status.
type Repository interface {
	Create(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id snowflake.ID) (*Document, error)
	// MarkProcessed stores the extraction result on the record.
	MarkProcessed(ctx context.Context, id snowflake.ID, text string, confidence decimal.Decimal) error
	// MarkFailed stores the extraction error on the record.
	MarkFailed(ctx context.Context, id snowflake.ID, reason string) error
}

var (
	ErrNotFound        = errors.New("document_not_found")
	ErrInvalidDocument = errors.New("invalid_document")
)
