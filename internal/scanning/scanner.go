package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyExtraction means no text was recognized anywhere in the document
	ErrEmptyExtraction = errors.New("no text recognized in document")

	// ErrMalformedResponse means the interpreter backend's response could not be
	// parsed into the receipt schema
	ErrMalformedResponse = errors.New("malformed interpreter response")

	// ErrBackendUnavailable means the interpreter backend could not be reached
	// or refused the request
	ErrBackendUnavailable = errors.New("interpreter backend unavailable")
)

// ReceiptData is the canonical structured interpretation of a receipt.
// Fields the backend cannot support from the source text are nil, never
// guessed. Currency codes are stored upper-case.
type ReceiptData struct {
	DocumentType    *string  `json:"document_type"`
	MerchantName    *string  `json:"merchant_name"`
	Date            *string  `json:"date"` // ISO 8601 format
	Currency        *string  `json:"currency"`
	Total           *float64 `json:"total"`
	PaymentMethod   *string  `json:"payment_method"`
	Explanation     *string  `json:"explanation"`
	ConfidenceLevel *string  `json:"confidence_level"` // high | medium | low
}

// UISummary is a compact display-ready projection of a ReceiptData
type UISummary struct {
	Title       string  `json:"title"`
	Merchant    *string `json:"merchant"`
	Amount      *string `json:"amount"` // "45.00 EUR" when total and currency are both present
	Explanation *string `json:"explanation"`
	Confidence  *string `json:"confidence"`
}

// Summary derives the UI projection from the interpretation result. It is a
// pure function of the receiver and can be re-derived at any time.
func (d *ReceiptData) Summary() *UISummary {
	title := "Expense"
	if d.DocumentType != nil && strings.TrimSpace(*d.DocumentType) != "" {
		title = *d.DocumentType
	}

	var amount *string
	if d.Total != nil && d.Currency != nil {
		s := fmt.Sprintf("%.2f %s", *d.Total, *d.Currency)
		amount = &s
	}

	return &UISummary{
		Title:       title,
		Merchant:    d.MerchantName,
		Amount:      amount,
		Explanation: d.Explanation,
		Confidence:  d.ConfidenceLevel,
	}
}

// Recognizer turns one raster page image (PNG) into recognized plain text.
// Implementations are expensive to initialize and are shared process-wide
// via the Extractor's lazy guard.
type Recognizer interface {
	// RecognizeText returns all text found in the image, in reading order
	RecognizeText(ctx context.Context, pngData []byte) (string, error)
	// Close releases backend resources
	Close() error
}

// Interpreter turns recognized text into a structured receipt record
type Interpreter interface {
	// Interpret extracts the canonical receipt fields from OCR text
	Interpret(ctx context.Context, ocrText string) (*ReceiptData, error)
	// Close releases backend resources
	Close() error
}
