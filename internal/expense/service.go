package expense

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ledgerline/expense-tracker/internal/currency"
)

var (
	// ErrReportLocked means the report left draft state and refuses mutations
	ErrReportLocked = errors.New("expense report is locked")

	// ErrAttachmentExists means the line item already has its one attachment
	ErrAttachmentExists = errors.New("only one attachment is allowed per expense item")

	// ErrUnsupportedFileType means the uploaded file's extension is not accepted
	ErrUnsupportedFileType = errors.New("unsupported file type")

	// ErrReportNotSubmittable means the report cannot be submitted as-is
	ErrReportNotSubmittable = errors.New("report is not submittable")

	// ErrAlreadyDecided means the report's token was already consumed
	ErrAlreadyDecided = errors.New("report was already decided")
)

// allowedExtensions is the upload whitelist; anything else is rejected
// before the pipeline ever sees it
var allowedExtensions = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"pdf":  true,
	"heic": true,
	"heif": true,
}

// IDGenerator generates unique IDs for entities and stored files
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// AmountResolver converts a declared amount into the EUR accounting record
type AmountResolver interface {
	Resolve(ctx context.Context, amount decimal.Decimal, code string, conversionDate time.Time, source string) (*currency.Resolution, error)
}

// Queue accepts receipt scan jobs keyed by attachment ID
type Queue interface {
	Enqueue(attachmentID string)
}

// Service handles expense report operations
type Service struct {
	db         DB
	storage    Storage
	resolver   AmountResolver
	mailer     EmailSender
	queue      Queue
	baseURL    string
	idGen      IDGenerator
	timeSource TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, storage Storage, resolver AmountResolver, mailer EmailSender, queue Queue, baseURL string) *Service {
	return NewServiceWithDeps(db, storage, resolver, mailer, queue, baseURL, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, resolver AmountResolver, mailer EmailSender, queue Queue, baseURL string, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:         db,
		storage:    storage,
		resolver:   resolver,
		mailer:     mailer,
		queue:      queue,
		baseURL:    baseURL,
		idGen:      idGen,
		timeSource: timeSrc,
	}
}

// ReportInput carries the user-editable report header fields
type ReportInput struct {
	ConcernedPerson  string    `json:"concerned_person"`
	ResponsibleEmail string    `json:"responsible_email"`
	Plant            string    `json:"plant"`
	Department       string    `json:"department"`
	DateStart        time.Time `json:"date_start"`
	DateEnd          time.Time `json:"date_end"`
}

// ItemInput carries the user-editable line item fields. Amount and Currency
// are resolved synchronously with provenance "manual" when both are set.
type ItemInput struct {
	Topic    string           `json:"topic"`
	Type     string           `json:"type"`
	Payment  string           `json:"payment_type"`
	Date     time.Time        `json:"date"`
	Comment  string           `json:"comment"`
	Amount   *decimal.Decimal `json:"amount"`
	Currency *string          `json:"currency"`
}

// ItemDetail pairs a line item with its attachment, if any
type ItemDetail struct {
	Item       *LineItem   `json:"item"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// CreateReport creates a new draft report
func (s *Service) CreateReport(input ReportInput) (*Report, error) {
	now := s.timeSource.Now()
	report := &Report{
		ID:               s.idGen.Generate(),
		ConcernedPerson:  input.ConcernedPerson,
		ResponsibleEmail: input.ResponsibleEmail,
		Plant:            input.Plant,
		Department:       input.Department,
		DateStart:        input.DateStart,
		DateEnd:          input.DateEnd,
		Status:           ReportStatusDraft,
		TotalAmountEUR:   decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.db.SaveReport(report); err != nil {
		return nil, fmt.Errorf("saving report: %w", err)
	}
	return report, nil
}

// UpdateReport updates a draft report's header fields
func (s *Service) UpdateReport(id string, input ReportInput) (*Report, error) {
	report, err := s.draftReport(id)
	if err != nil {
		return nil, err
	}

	report.ConcernedPerson = input.ConcernedPerson
	report.ResponsibleEmail = input.ResponsibleEmail
	report.Plant = input.Plant
	report.Department = input.Department
	report.DateStart = input.DateStart
	report.DateEnd = input.DateEnd
	report.UpdatedAt = s.timeSource.Now()

	if err := s.db.SaveReport(report); err != nil {
		return nil, fmt.Errorf("saving report: %w", err)
	}
	return report, nil
}

// GetReport retrieves a report by ID
func (s *Service) GetReport(id string) (*Report, error) {
	report, err := s.db.GetReport(id)
	if err != nil {
		return nil, fmt.Errorf("getting report: %w", err)
	}
	return report, nil
}

// ListReports returns all reports
func (s *Service) ListReports() ([]*Report, error) {
	reports, err := s.db.ListReports()
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	return reports, nil
}

// GetReportDetail returns a report together with its items and their attachments
func (s *Service) GetReportDetail(id string) (*Report, []*ItemDetail, error) {
	report, err := s.db.GetReport(id)
	if err != nil {
		return nil, nil, fmt.Errorf("getting report: %w", err)
	}

	items, err := s.db.ListItems(report.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing items: %w", err)
	}

	details := make([]*ItemDetail, 0, len(items))
	for _, item := range items {
		attachment, err := s.db.FindAttachmentByItem(item.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("finding attachment for item %s: %w", item.ID, err)
		}
		details = append(details, &ItemDetail{Item: item, Attachment: attachment})
	}

	return report, details, nil
}

// DeleteReport removes a draft report, its items, attachments and files
func (s *Service) DeleteReport(id string) error {
	report, err := s.draftReport(id)
	if err != nil {
		return err
	}

	items, err := s.db.ListItems(report.ID)
	if err != nil {
		return fmt.Errorf("listing items: %w", err)
	}
	for _, item := range items {
		if err := s.removeItemWithAttachment(item); err != nil {
			return err
		}
	}

	if err := s.db.DeleteReport(report.ID); err != nil {
		return fmt.Errorf("deleting report: %w", err)
	}
	return nil
}

// AddItem adds a line item to a draft report and recomputes the total
func (s *Service) AddItem(reportID string, input ItemInput) (*LineItem, error) {
	report, err := s.draftReport(reportID)
	if err != nil {
		return nil, err
	}

	now := s.timeSource.Now()
	item := &LineItem{
		ID:        s.idGen.Generate(),
		ReportID:  report.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.applyItemInput(item, input, now); err != nil {
		return nil, err
	}

	if err := s.db.SaveItem(item); err != nil {
		return nil, fmt.Errorf("saving item: %w", err)
	}
	if err := recalculateReportTotal(s.db, report.ID, now); err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateItem updates a line item on a draft report and recomputes the total
func (s *Service) UpdateItem(itemID string, input ItemInput) (*LineItem, error) {
	item, err := s.db.GetItem(itemID)
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	if _, err := s.draftReport(item.ReportID); err != nil {
		return nil, err
	}

	now := s.timeSource.Now()
	if err := s.applyItemInput(item, input, now); err != nil {
		return nil, err
	}
	item.UpdatedAt = now

	if err := s.db.SaveItem(item); err != nil {
		return nil, fmt.Errorf("saving item: %w", err)
	}
	if err := recalculateReportTotal(s.db, item.ReportID, now); err != nil {
		return nil, err
	}
	return item, nil
}

// applyItemInput copies input fields onto the item and resolves the amount
// with provenance "manual" when amount and currency are both present.
// Resolver failures propagate to the caller: this path has an active
// request to respond to, unlike the pipeline.
func (s *Service) applyItemInput(item *LineItem, input ItemInput, now time.Time) error {
	item.Topic = input.Topic
	item.Type = input.Type
	item.Payment = input.Payment
	item.Date = input.Date
	item.Comment = input.Comment

	if input.Amount == nil || input.Currency == nil {
		item.Amount = input.Amount
		item.Currency = input.Currency
		item.AmountEUR = nil
		item.ExchangeRate = nil
		item.ExchangeRateDate = nil
		item.AmountSource = ""
		return nil
	}

	resolution, err := s.resolver.Resolve(context.Background(), *input.Amount, *input.Currency, dateOf(now), AmountSourceManual)
	if err != nil {
		return fmt.Errorf("resolving amount: %w", err)
	}
	applyResolution(item, resolution)
	return nil
}

// UploadAttachment stores a receipt file for a line item and enqueues the
// scan job. The attachment starts in PENDING status.
func (s *Service) UploadAttachment(itemID, filename string, data []byte, contentType string) (*Attachment, error) {
	item, err := s.db.GetItem(itemID)
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	if _, err := s.draftReport(item.ReportID); err != nil {
		return nil, err
	}

	existing, err := s.db.FindAttachmentByItem(item.ID)
	if err != nil {
		return nil, fmt.Errorf("checking existing attachment: %w", err)
	}
	if existing != nil {
		return nil, ErrAttachmentExists
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if !allowedExtensions[ext] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFileType, ext)
	}

	id := s.idGen.Generate()
	savedPath, err := s.storage.Save(fmt.Sprintf("%s.%s", id, ext), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	now := s.timeSource.Now()
	attachment := &Attachment{
		ID:          id,
		ItemID:      item.ID,
		Filename:    filename,
		ContentType: contentType,
		FilePath:    savedPath,
		ScanStatus:  ScanStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.db.SaveAttachment(attachment); err != nil {
		// Clean up file if database save fails
		s.storage.Delete(savedPath)
		return nil, fmt.Errorf("saving attachment: %w", err)
	}

	s.queue.Enqueue(attachment.ID)

	return attachment, nil
}

// GetAttachment retrieves an attachment by ID
func (s *Service) GetAttachment(id string) (*Attachment, error) {
	attachment, err := s.db.GetAttachment(id)
	if err != nil {
		return nil, fmt.Errorf("getting attachment: %w", err)
	}
	return attachment, nil
}

// GetAttachmentFile retrieves the stored file data for an attachment
func (s *Service) GetAttachmentFile(id string) ([]byte, string, error) {
	attachment, err := s.db.GetAttachment(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting attachment: %w", err)
	}

	data, err := s.storage.Get(attachment.FilePath)
	if err != nil {
		return nil, "", fmt.Errorf("getting attachment file: %w", err)
	}

	return data, attachment.ContentType, nil
}

// DeleteAttachment removes an attachment and its file from a draft report
func (s *Service) DeleteAttachment(id string) error {
	attachment, err := s.db.GetAttachment(id)
	if err != nil {
		return fmt.Errorf("getting attachment: %w", err)
	}

	item, err := s.db.GetItem(attachment.ItemID)
	if err != nil {
		return fmt.Errorf("getting item: %w", err)
	}
	if _, err := s.draftReport(item.ReportID); err != nil {
		return err
	}

	if err := s.storage.Delete(attachment.FilePath); err != nil {
		// Log error but continue with database deletion
		slog.Warn("Failed to delete file", "path", attachment.FilePath, "error", err)
	}

	if err := s.db.DeleteAttachment(attachment.ID); err != nil {
		return fmt.Errorf("deleting attachment: %w", err)
	}
	return nil
}

// DeleteItem removes a line item, its attachment and file from a draft
// report and recomputes the total
func (s *Service) DeleteItem(id string) error {
	item, err := s.db.GetItem(id)
	if err != nil {
		return fmt.Errorf("getting item: %w", err)
	}
	if _, err := s.draftReport(item.ReportID); err != nil {
		return err
	}

	if err := s.removeItemWithAttachment(item); err != nil {
		return err
	}

	return recalculateReportTotal(s.db, item.ReportID, s.timeSource.Now())
}

// RecalculateTotal recomputes and persists the report's EUR total
func (s *Service) RecalculateTotal(reportID string) error {
	return recalculateReportTotal(s.db, reportID, s.timeSource.Now())
}

// SubmitReport moves a draft to pending, generates the single-use approval
// token and emails the responsible. Every item must carry an attachment.
func (s *Service) SubmitReport(id string) (*Report, error) {
	report, err := s.draftReport(id)
	if err != nil {
		return nil, err
	}

	items, err := s.db.ListItems(report.ID)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one expense is required", ErrReportNotSubmittable)
	}
	for _, item := range items {
		attachment, err := s.db.FindAttachmentByItem(item.ID)
		if err != nil {
			return nil, fmt.Errorf("finding attachment for item %s: %w", item.ID, err)
		}
		if attachment == nil {
			return nil, fmt.Errorf("%w: expense %q must have an attachment", ErrReportNotSubmittable, item.Topic)
		}
	}

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generating approval token: %w", err)
	}

	now := s.timeSource.Now()
	report.Status = ReportStatusPending
	report.ApprovalToken = token
	report.SubmittedAt = &now
	report.UpdatedAt = now

	if err := s.db.SaveReport(report); err != nil {
		return nil, fmt.Errorf("saving report: %w", err)
	}

	// The submission is committed; a failed email must not roll it back
	link := fmt.Sprintf("%s/responsible/reports/%s", strings.TrimRight(s.baseURL, "/"), token)
	if err := s.mailer.SendApprovalRequest(report.ResponsibleEmail, report.ConcernedPerson, report.TotalAmountEUR, link); err != nil {
		slog.Warn("Failed to send approval email", "report_id", report.ID, "error", err)
	}

	return report, nil
}

// GetReportByToken returns a pending or decided report for the responsible view
func (s *Service) GetReportByToken(token string) (*Report, []*ItemDetail, error) {
	report, err := s.db.GetReportByToken(token)
	if err != nil {
		return nil, nil, fmt.Errorf("getting report by token: %w", err)
	}
	return s.GetReportDetail(report.ID)
}

// DecideReport approves or rejects a pending report via its token. The
// token is cleared on decision, making the link single-use.
func (s *Service) DecideReport(token string, approve bool, comment string) (*Report, error) {
	report, err := s.db.GetReportByToken(token)
	if err != nil {
		return nil, fmt.Errorf("getting report by token: %w", err)
	}
	if report.Status != ReportStatusPending {
		return nil, ErrAlreadyDecided
	}

	now := s.timeSource.Now()
	if approve {
		report.Status = ReportStatusApproved
	} else {
		report.Status = ReportStatusRejected
	}
	report.DecisionAt = &now
	report.DecisionComment = comment
	report.ApprovalToken = ""
	report.UpdatedAt = now

	if err := s.db.SaveReport(report); err != nil {
		return nil, fmt.Errorf("saving report: %w", err)
	}
	return report, nil
}

// draftReport loads a report and enforces the draft-only mutation rule
func (s *Service) draftReport(id string) (*Report, error) {
	report, err := s.db.GetReport(id)
	if err != nil {
		return nil, fmt.Errorf("getting report: %w", err)
	}
	if report.Status != ReportStatusDraft {
		return nil, ErrReportLocked
	}
	return report, nil
}

// removeItemWithAttachment deletes an item, its attachment record and its
// stored file. File removal is best-effort.
func (s *Service) removeItemWithAttachment(item *LineItem) error {
	attachment, err := s.db.FindAttachmentByItem(item.ID)
	if err != nil {
		return fmt.Errorf("finding attachment for item %s: %w", item.ID, err)
	}
	if attachment != nil {
		if err := s.storage.Delete(attachment.FilePath); err != nil {
			slog.Warn("Failed to delete file", "path", attachment.FilePath, "error", err)
		}
		if err := s.db.DeleteAttachment(attachment.ID); err != nil {
			return fmt.Errorf("deleting attachment: %w", err)
		}
	}
	if err := s.db.DeleteItem(item.ID); err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}
	return nil
}

// recalculateReportTotal recomputes the report's EUR total as the sum of
// its items' EUR amounts, with missing amounts as zero. Idempotent; shared
// by the service and the pipeline.
func recalculateReportTotal(db DB, reportID string, now time.Time) error {
	items, err := db.ListItems(reportID)
	if err != nil {
		return fmt.Errorf("listing items: %w", err)
	}

	total := decimal.Zero
	for _, item := range items {
		if item.AmountEUR != nil {
			total = total.Add(*item.AmountEUR)
		}
	}

	report, err := db.GetReport(reportID)
	if err != nil {
		return fmt.Errorf("getting report: %w", err)
	}
	report.TotalAmountEUR = total
	report.UpdatedAt = now

	if err := db.SaveReport(report); err != nil {
		return fmt.Errorf("saving report: %w", err)
	}
	return nil
}

// applyResolution copies a currency resolution onto a line item. The
// amount_eur/exchange_rate/exchange_rate_date trio is always set together.
func applyResolution(item *LineItem, resolution *currency.Resolution) {
	item.Amount = &resolution.Amount
	item.Currency = &resolution.Currency
	item.AmountEUR = &resolution.AmountEUR
	item.ExchangeRate = &resolution.ExchangeRate
	rateDate := resolution.RateDate
	item.ExchangeRateDate = &rateDate
	item.AmountSource = resolution.Source
}

// dateOf truncates a timestamp to its calendar date: the conversion date is
// "when we priced it", not the receipt's own date
func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// generateToken returns a 64-character hex token for approval links
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
