package ocr

import (
	"bytes"
	"context"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// pdfConfidence is what the extractor reports for machine-readable
// PDFs. There is no per-character scoring in plain-text extraction,
// so the value is a fixed engine-level estimate.
var pdfConfidence = decimal.RequireFromString("0.95")

// PDFProcessor extracts plain text from PDF files on local disk.
// The resourceRef is the file path recorded on the document.
type PDFProcessor struct {
	log *zap.Logger
}

func NewPDFProcessor(log *zap.Logger) *PDFProcessor {
	return &PDFProcessor{log: log.Named("ocr.pdf")}
}

func (p *PDFProcessor) Process(ctx context.Context, resourceRef string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, &ProcessError{ResourceRef: resourceRef, Reason: "cancelled", Retryable: true, Err: err}
	}

	content, err := os.ReadFile(resourceRef)
	if err != nil {
		return Result{}, &ProcessError{ResourceRef: resourceRef, Reason: "read source", Retryable: false, Err: err}
	}

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return Result{}, &ProcessError{ResourceRef: resourceRef, Reason: "parse pdf", Retryable: false, Err: err}
	}

	var text strings.Builder
	numPages := reader.NumPage()
	for pageNum := 1; pageNum <= numPages; pageNum++ {
		if err := ctx.Err(); err != nil {
			return Result{}, &ProcessError{ResourceRef: resourceRef, Reason: "cancelled", Retryable: true, Err: err}
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		pageText, err := page.GetPlainText(nil)
		if err != nil {
			p.log.Warn("page extraction failed",
				zap.String("resource_ref", resourceRef),
				zap.Int("page", pageNum),
				zap.Error(err))
			continue
		}

		text.WriteString(pageText)
		text.WriteString("\n\n")
	}

	return Result{
		Text:       text.String(),
		Confidence: pdfConfidence,
		Pages:      numPages,
	}, nil
}
