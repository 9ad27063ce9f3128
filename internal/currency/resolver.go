package currency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultRateURL serves the EUR-based rate table used for conversions.
const DefaultRateURL = "https://open.er-api.com/v6/latest/EUR"

// Reference is the currency all accounting totals are normalized into.
const Reference = "EUR"

var (
	// ErrUnsupportedCurrency means the currency code is outside the supported set
	ErrUnsupportedCurrency = errors.New("unsupported currency")

	// ErrRateUnavailable means no exchange rate could be obtained for a supported currency
	ErrRateUnavailable = errors.New("exchange rate unavailable")
)

// supported is the fixed set of currency codes the resolver accepts
var supported = map[string]bool{
	"EUR": true,
	"USD": true,
	"TND": true,
	"CNY": true,
	"KRW": true,
	"INR": true,
}

// Resolution is the authoritative accounting record for a monetary value:
// the declared amount plus its EUR equivalent, the rate used and when it
// was priced. Source records whether the value came from the OCR pipeline
// ("ocr") or direct user entry ("manual").
type Resolution struct {
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	AmountEUR    decimal.Decimal `json:"amount_eur"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	RateDate     time.Time       `json:"exchange_rate_date"`
	Source       string          `json:"amount_source"`
}

// Resolver converts amounts into EUR using a rate table fetched once and
// shared for the process lifetime.
type Resolver struct {
	rateURL string
	client  *http.Client

	mu    sync.Mutex
	rates map[string]decimal.Decimal
}

// NewResolver creates a Resolver fetching rates from DefaultRateURL
func NewResolver() *Resolver {
	return NewResolverWithURL(DefaultRateURL)
}

// NewResolverWithURL creates a Resolver fetching rates from a custom URL for testing
func NewResolverWithURL(rateURL string) *Resolver {
	return &Resolver{
		rateURL: rateURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// rateResponse is the shape of the open.er-api.com rate table
type rateResponse struct {
	Result string             `json:"result"`
	Rates  map[string]float64 `json:"rates"`
}

// getRates returns the cached rate table, fetching it on first use.
// A failed fetch is not cached, so the next call retries, but at most one
// fetch is in flight at a time.
func (r *Resolver) getRates(ctx context.Context) (map[string]decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rates != nil {
		return r.rates, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.rateURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating rate request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching rate table: %v", ErrRateUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: rate API status %d", ErrRateUnavailable, resp.StatusCode)
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decoding rate table: %v", ErrRateUnavailable, err)
	}
	if body.Result != "success" {
		return nil, fmt.Errorf("%w: rate API result %q", ErrRateUnavailable, body.Result)
	}

	rates := make(map[string]decimal.Decimal, len(body.Rates))
	for code, rate := range body.Rates {
		rates[code] = decimal.NewFromFloat(rate)
	}
	r.rates = rates

	return r.rates, nil
}

// Resolve converts an amount in the given currency into EUR as of the
// conversion date. The stored rate means "1 unit of the source currency =
// this many EUR", inverted from the raw table. Amounts are rounded to 2
// decimal places, rates to 6.
func (r *Resolver) Resolve(ctx context.Context, amount decimal.Decimal, code string, conversionDate time.Time, source string) (*Resolution, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	if !supported[code] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, code)
	}

	if code == Reference {
		return &Resolution{
			Amount:       amount,
			Currency:     code,
			AmountEUR:    amount.Round(2),
			ExchangeRate: decimal.NewFromInt(1),
			RateDate:     conversionDate,
			Source:       source,
		}, nil
	}

	rates, err := r.getRates(ctx)
	if err != nil {
		return nil, err
	}

	rate, ok := rates[code]
	if !ok || rate.IsZero() {
		return nil, fmt.Errorf("%w: no rate for %s", ErrRateUnavailable, code)
	}

	return &Resolution{
		Amount:       amount,
		Currency:     code,
		AmountEUR:    amount.Div(rate).Round(2),
		ExchangeRate: decimal.NewFromInt(1).Div(rate).Round(6),
		RateDate:     conversionDate,
		Source:       source,
	}, nil
}
