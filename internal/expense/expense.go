package expense

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerline/expense-tracker/internal/scanning"
)

// ReportStatus is the lifecycle state of an expense report
type ReportStatus string

const (
	ReportStatusDraft    ReportStatus = "draft"
	ReportStatusPending  ReportStatus = "pending"
	ReportStatusApproved ReportStatus = "approved"
	ReportStatusRejected ReportStatus = "rejected"
)

// ScanStatus is the per-attachment receipt processing state. Transitions
// are monotonic forward: PENDING → PROCESSING → DONE | FAILED.
type ScanStatus string

const (
	ScanStatusPending    ScanStatus = "PENDING"
	ScanStatusProcessing ScanStatus = "PROCESSING"
	ScanStatusDone       ScanStatus = "DONE"
	ScanStatusFailed     ScanStatus = "FAILED"
)

// Provenance tags for a line item's resolved amount
const (
	AmountSourceOCR    = "ocr"
	AmountSourceManual = "manual"
)

// Report is an expense report owning an ordered collection of line items.
// TotalAmountEUR is a materialized view over the items' EUR amounts; it is
// only consistent immediately after a recompute.
type Report struct {
	ID               string          `json:"id"`
	ConcernedPerson  string          `json:"concerned_person"`
	ResponsibleEmail string          `json:"responsible_email"`
	Plant            string          `json:"plant"`
	Department       string          `json:"department"`
	DateStart        time.Time       `json:"date_start"`
	DateEnd          time.Time       `json:"date_end"`
	Status           ReportStatus    `json:"status"`
	TotalAmountEUR   decimal.Decimal `json:"total_amount_eur"`
	SubmittedAt      *time.Time      `json:"submitted_at,omitempty"`
	DecisionAt       *time.Time      `json:"decision_at,omitempty"`
	DecisionComment  string          `json:"decision_comment,omitempty"`
	ApprovalToken    string          `json:"approval_token,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// LineItem is one expense line, belonging to exactly one report and owning
// at most one attachment. The amount_eur/exchange_rate/exchange_rate_date
// fields are set together or not at all; AmountSource records whether they
// came from the OCR pipeline or direct user entry, whichever happened last.
type LineItem struct {
	ID       string    `json:"id"`
	ReportID string    `json:"report_id"`
	Topic    string    `json:"topic"`
	Type     string    `json:"type"`
	Payment  string    `json:"payment_type"`
	Date     time.Time `json:"date"`
	Comment  string    `json:"comment,omitempty"`

	Currency         *string          `json:"currency"`
	Amount           *decimal.Decimal `json:"amount"`
	AmountEUR        *decimal.Decimal `json:"amount_eur"`
	ExchangeRate     *decimal.Decimal `json:"exchange_rate"`
	ExchangeRateDate *time.Time       `json:"exchange_rate_date"`
	AmountSource     string           `json:"amount_source,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attachment is one uploaded receipt file, owned by exactly one line item
type Attachment struct {
	ID          string `json:"id"`
	ItemID      string `json:"expense_item_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	FilePath    string `json:"file_path"`

	ScanStatus  ScanStatus            `json:"scan_status"`
	ScanText    string                `json:"scan_text,omitempty"`
	ScanResult  *scanning.ReceiptData `json:"scan_result,omitempty"`
	ScanSummary *scanning.UISummary   `json:"scan_summary,omitempty"`
	ScanError   string                `json:"scan_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
