package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// receiptFields is the exact field set the interpretation contract requires.
// Extra or missing fields are a parse failure.
var receiptFields = []string{
	"document_type",
	"merchant_name",
	"date",
	"currency",
	"total",
	"payment_method",
	"explanation",
	"confidence_level",
}

// extractJSONObject returns the first balanced {...} span in s, tolerating
// backends that wrap the object in surrounding prose
func extractJSONObject(s string) (string, error) {
	start := strings.Index(s, "{")
	if start == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}

	return "", fmt.Errorf("unbalanced JSON object in response")
}

// parseReceiptJSON parses and validates an interpreter backend's response.
// All failures are reported as ErrMalformedResponse.
func parseReceiptJSON(text string) (*ReceiptData, error) {
	text = strings.TrimSpace(text)

	// Remove markdown code blocks if present
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	objText, err := extractJSONObject(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	// The contract requires exactly the canonical field set
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(objText), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	for _, field := range receiptFields {
		if _, ok := raw[field]; !ok {
			return nil, fmt.Errorf("%w: missing field %q", ErrMalformedResponse, field)
		}
	}
	if len(raw) != len(receiptFields) {
		for key := range raw {
			known := false
			for _, field := range receiptFields {
				if key == field {
					known = true
					break
				}
			}
			if !known {
				return nil, fmt.Errorf("%w: unexpected field %q", ErrMalformedResponse, key)
			}
		}
	}

	var data ReceiptData
	dec := json.NewDecoder(bytes.NewReader([]byte(objText)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if err := normalizeReceiptData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// normalizeReceiptData cleans up field values without ever fabricating one
func normalizeReceiptData(data *ReceiptData) error {
	if data.Currency != nil {
		code := strings.ToUpper(strings.TrimSpace(*data.Currency))
		if code == "" {
			data.Currency = nil
		} else {
			data.Currency = &code
		}
	}

	if data.Total != nil && *data.Total < 0 {
		return fmt.Errorf("%w: negative total %v", ErrMalformedResponse, *data.Total)
	}

	if data.ConfidenceLevel != nil {
		level := strings.ToLower(strings.TrimSpace(*data.ConfidenceLevel))
		switch level {
		case "high", "medium", "low":
			data.ConfidenceLevel = &level
		case "":
			data.ConfidenceLevel = nil
		default:
			return fmt.Errorf("%w: invalid confidence level %q", ErrMalformedResponse, *data.ConfidenceLevel)
		}
	}

	if data.Date != nil {
		data.Date = normalizeDate(*data.Date)
	}

	return nil
}

// normalizeDate coerces common date formats to YYYY-MM-DD; unparseable
// dates become nil rather than a guessed value
func normalizeDate(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	formats := []string{
		"2006-01-02",
		"2006/01/02",
		"01/02/2006",
		"02-01-2006",
	}
	for _, format := range formats {
		if d, err := time.Parse(format, s); err == nil {
			normalized := d.Format("2006-01-02")
			return &normalized
		}
	}
	return nil
}
