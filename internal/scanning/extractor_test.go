package scanning

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// stubRecognizer returns one canned text per page, in call order
type stubRecognizer struct {
	mu     sync.Mutex
	texts  []string
	calls  int
	err    error
	closed bool
}

func (s *stubRecognizer) RecognizeText(ctx context.Context, pngData []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	text := ""
	if s.calls < len(s.texts) {
		text = s.texts[s.calls]
	}
	s.calls++
	return text, nil
}

func (s *stubRecognizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// tinyPNG produces a minimal valid PNG for the single-image path
func tinyPNG() []byte {
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

var _ = Describe("recognizePages", func() {
	var (
		rec   *stubRecognizer
		pages [][]byte
		text  string
		err   error
	)

	BeforeEach(func() {
		rec = &stubRecognizer{texts: []string{"A", "B", "C"}}
		pages = [][]byte{[]byte("p1"), []byte("p2"), []byte("p3")}
	})

	JustBeforeEach(func() {
		text, err = recognizePages(context.Background(), rec, pages)
	})

	When("every page has text", func() {
		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should join pages in page order with a blank line", func() {
			Expect(text).To(Equal("A\n\nB\n\nC"))
		})
	})

	When("a middle page is blank", func() {
		BeforeEach(func() {
			rec.texts = []string{"A", "   ", "C"}
		})

		It("should skip the blank page", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal("A\n\nC"))
		})
	})

	When("no page has any text", func() {
		BeforeEach(func() {
			rec.texts = []string{"", "", ""}
		})

		It("returns ErrEmptyExtraction", func() {
			Expect(err).To(MatchError(ErrEmptyExtraction))
		})
	})

	When("recognition fails on a page", func() {
		BeforeEach(func() {
			rec.err = errors.New("engine crashed")
		})

		It("returns the error", func() {
			Expect(err).To(MatchError(rec.err))
		})
	})
})

var _ = Describe("Extractor", func() {
	var (
		rec          *stubRecognizer
		factoryCalls atomic.Int64
		factoryErr   error
		extractor    *Extractor
	)

	BeforeEach(func() {
		rec = &stubRecognizer{texts: []string{"TOTAL 45.00 EUR"}}
		factoryCalls.Store(0)
		factoryErr = nil
		extractor = NewExtractor(func() (Recognizer, error) {
			factoryCalls.Add(1)
			return rec, factoryErr
		})
	})

	Describe("Extract", func() {
		When("extracting a single image", func() {
			var (
				text string
				err  error
			)

			JustBeforeEach(func() {
				text, err = extractor.Extract(context.Background(), tinyPNG(), "image/png")
			})

			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should run one recognition pass", func() {
				Expect(rec.calls).To(Equal(1))
			})

			It("should return the recognized text", func() {
				Expect(text).To(Equal("TOTAL 45.00 EUR"))
			})
		})

		When("two extractions race on first use", func() {
			It("should construct the engine at most once", func() {
				rec.texts = []string{"A", "B"}
				var wg sync.WaitGroup
				for i := 0; i < 2; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						defer GinkgoRecover()
						_, err := extractor.Extract(context.Background(), tinyPNG(), "image/png")
						Expect(err).NotTo(HaveOccurred())
					}()
				}
				wg.Wait()
				Expect(factoryCalls.Load()).To(Equal(int64(1)))
			})
		})

		When("the engine cannot be constructed", func() {
			BeforeEach(func() {
				factoryErr = errors.New("no api key")
			})

			It("returns the error", func() {
				_, err := extractor.Extract(context.Background(), tinyPNG(), "image/png")
				Expect(err).To(MatchError(factoryErr))
			})
		})
	})

	Describe("Close", func() {
		When("the engine was constructed", func() {
			It("should close it", func() {
				_, err := extractor.Extract(context.Background(), tinyPNG(), "image/png")
				Expect(err).NotTo(HaveOccurred())
				Expect(extractor.Close()).To(Succeed())
				Expect(rec.closed).To(BeTrue())
			})
		})

		When("the engine was never constructed", func() {
			It("should not construct it just to close it", func() {
				Expect(extractor.Close()).To(Succeed())
				Expect(factoryCalls.Load()).To(BeZero())
			})
		})
	})
})
