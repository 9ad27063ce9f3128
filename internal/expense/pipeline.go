package expense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/ledgerline/expense-tracker/internal/scanning"
)

// maxErrorLength caps stored scan error messages so a pathological backend
// response cannot bloat the attachment record
const maxErrorLength = 2000

// TextExtractor turns an uploaded receipt file into plain text
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, contentType string) (string, error)
}

// Interpreter extracts structured receipt fields from OCR text
type Interpreter interface {
	Interpret(ctx context.Context, ocrText string) (*scanning.ReceiptData, error)
}

// Pipeline runs the asynchronous receipt scan for one attachment at a time:
// extract text, interpret it, commit the result, then best-effort apply the
// recognized amount to the owning line item.
type Pipeline struct {
	db         DB
	storage    Storage
	extractor  TextExtractor
	interp     Interpreter
	resolver   AmountResolver
	timeSource TimeSource
}

// NewPipeline creates a receipt processing pipeline
func NewPipeline(db DB, storage Storage, extractor TextExtractor, interp Interpreter, resolver AmountResolver) *Pipeline {
	return NewPipelineWithDeps(db, storage, extractor, interp, resolver, &defaultTimeSource{})
}

// NewPipelineWithDeps creates a pipeline with a custom time source for testing
func NewPipelineWithDeps(db DB, storage Storage, extractor TextExtractor, interp Interpreter, resolver AmountResolver, timeSrc TimeSource) *Pipeline {
	return &Pipeline{
		db:         db,
		storage:    storage,
		extractor:  extractor,
		interp:     interp,
		resolver:   resolver,
		timeSource: timeSrc,
	}
}

// Process runs the scan for one attachment. It never panics the worker: any
// failure lands the attachment in FAILED with the error message recorded,
// except a lost race with deletion, which is silently dropped.
func (p *Pipeline) Process(ctx context.Context, attachmentID string) {
	attachment, err := p.run(ctx, attachmentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Attachment or its file owner was deleted mid-flight
			slog.Debug("Scan dropped, attachment gone", "attachment_id", attachmentID)
			return
		}
		slog.Error("Receipt scan failed", "attachment_id", attachmentID, "error", err)
		p.markFailed(attachmentID, err)
		return
	}

	// The scan is committed as DONE; amount application is a separate,
	// best-effort step that must not retroactively fail the scan
	p.applyAmount(ctx, attachment)
}

// run executes the scan stages and commits the DONE record
func (p *Pipeline) run(ctx context.Context, attachmentID string) (*Attachment, error) {
	attachment, err := p.db.GetAttachment(attachmentID)
	if err != nil {
		return nil, fmt.Errorf("getting attachment: %w", err)
	}

	attachment.ScanStatus = ScanStatusProcessing
	attachment.ScanText = ""
	attachment.ScanResult = nil
	attachment.ScanSummary = nil
	attachment.ScanError = ""
	attachment.UpdatedAt = p.timeSource.Now()
	if err := p.db.SaveAttachment(attachment); err != nil {
		return nil, fmt.Errorf("saving attachment: %w", err)
	}

	data, err := p.storage.Get(attachment.FilePath)
	if err != nil {
		return nil, fmt.Errorf("reading receipt file: %w", err)
	}

	text, err := p.extractor.Extract(ctx, data, attachment.ContentType)
	if err != nil {
		return nil, fmt.Errorf("extracting text: %w", err)
	}

	result, err := p.interp.Interpret(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("interpreting receipt: %w", err)
	}

	attachment.ScanStatus = ScanStatusDone
	attachment.ScanText = text
	attachment.ScanResult = result
	attachment.ScanSummary = result.Summary()
	attachment.UpdatedAt = p.timeSource.Now()
	if err := p.db.SaveAttachment(attachment); err != nil {
		return nil, fmt.Errorf("saving attachment: %w", err)
	}

	return attachment, nil
}

// markFailed records the failure on the attachment. A stale read here is
// fine; the record is overwritten wholesale.
func (p *Pipeline) markFailed(attachmentID string, cause error) {
	attachment, err := p.db.GetAttachment(attachmentID)
	if err != nil {
		return
	}

	msg := cause.Error()
	if len(msg) > maxErrorLength {
		// Trim to a rune boundary so the stored message stays valid UTF-8
		cut := maxErrorLength
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}

	attachment.ScanStatus = ScanStatusFailed
	attachment.ScanError = msg
	attachment.UpdatedAt = p.timeSource.Now()
	if err := p.db.SaveAttachment(attachment); err != nil {
		slog.Error("Failed to record scan failure", "attachment_id", attachmentID, "error", err)
	}
}

// applyAmount writes the recognized amount onto the owning line item and
// recomputes the report total. Failures here only log; the scan stays DONE
// and the user can enter the amount manually.
func (p *Pipeline) applyAmount(ctx context.Context, attachment *Attachment) {
	result := attachment.ScanResult
	if result == nil || result.Total == nil || result.Currency == nil {
		return
	}

	item, err := p.db.GetItem(attachment.ItemID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("Amount not applied, item lookup failed", "attachment_id", attachment.ID, "error", err)
		}
		return
	}

	report, err := p.db.GetReport(item.ReportID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("Amount not applied, report lookup failed", "attachment_id", attachment.ID, "error", err)
		}
		return
	}
	if report.Status != ReportStatusDraft {
		slog.Info("Amount not applied, report is locked", "report_id", report.ID, "attachment_id", attachment.ID)
		return
	}

	now := p.timeSource.Now()
	code := strings.ToUpper(*result.Currency)
	amount := decimal.NewFromFloat(*result.Total)
	resolution, err := p.resolver.Resolve(ctx, amount, code, dateOf(now), AmountSourceOCR)
	if err != nil {
		slog.Warn("Amount not applied, currency resolution failed",
			"attachment_id", attachment.ID, "currency", code, "error", err)
		return
	}

	applyResolution(item, resolution)
	if result.Date != nil {
		if d, err := time.Parse("2006-01-02", *result.Date); err == nil {
			item.Date = d
		}
	}
	item.UpdatedAt = now

	if err := p.db.SaveItem(item); err != nil {
		slog.Warn("Amount not applied, item save failed", "attachment_id", attachment.ID, "error", err)
		return
	}

	if err := recalculateReportTotal(p.db, item.ReportID, now); err != nil {
		slog.Warn("Report total not recomputed", "report_id", item.ReportID, "error", err)
	}
}
