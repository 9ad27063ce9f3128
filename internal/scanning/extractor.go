package scanning

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Extractor produces one ordered block of recognized text from a stored
// receipt file. PDFs are rasterized page by page; page order is the
// authoritative text order and page texts are joined with a blank line.
//
// The recognition engine is constructed lazily on first use and shared by
// all extractions; the sync.Once guard keeps concurrent first calls from
// constructing it twice.
type Extractor struct {
	factory func() (Recognizer, error)

	once    sync.Once
	rec     Recognizer
	initErr error
}

// NewExtractor creates an Extractor that builds its recognition engine with
// the given factory on first use
func NewExtractor(factory func() (Recognizer, error)) *Extractor {
	return &Extractor{factory: factory}
}

func (e *Extractor) engine() (Recognizer, error) {
	e.once.Do(func() {
		e.rec, e.initErr = e.factory()
	})
	if e.initErr != nil {
		return nil, fmt.Errorf("initializing recognition engine: %w", e.initErr)
	}
	return e.rec, nil
}

// Extract recognizes all text in an image or PDF document. It fails with
// ErrEmptyExtraction when no text is recognized anywhere.
func (e *Extractor) Extract(ctx context.Context, data []byte, contentType string) (string, error) {
	rec, err := e.engine()
	if err != nil {
		return "", err
	}

	mimeType := normalizeMIME(contentType)

	var pages [][]byte
	if mimeType == "application/pdf" {
		pages, err = renderPDFPages(data)
	} else {
		var pngData []byte
		pngData, err = toPNG(data, mimeType)
		pages = [][]byte{pngData}
	}
	if err != nil {
		return "", err
	}

	return recognizePages(ctx, rec, pages)
}

// recognizePages runs recognition per page in page order and concatenates
// the non-empty results with a blank-line separator
func recognizePages(ctx context.Context, rec Recognizer, pages [][]byte) (string, error) {
	texts := make([]string, 0, len(pages))
	for i, page := range pages {
		text, err := rec.RecognizeText(ctx, page)
		if err != nil {
			return "", fmt.Errorf("recognizing page %d: %w", i+1, err)
		}
		if t := strings.TrimSpace(text); t != "" {
			texts = append(texts, t)
		}
	}

	joined := strings.Join(texts, "\n\n")
	if joined == "" {
		return "", ErrEmptyExtraction
	}
	return joined, nil
}

// Close releases the recognition engine if it was ever constructed
func (e *Extractor) Close() error {
	e.once.Do(func() {
		e.initErr = fmt.Errorf("extractor closed before first use")
	})
	if e.rec != nil {
		return e.rec.Close()
	}
	return nil
}
