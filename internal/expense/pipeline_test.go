package expense

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/ledgerline/expense-tracker/internal/scanning"
)

func floatPtr(f float64) *float64 {
	return &f
}

// mockExtractor is a mock implementation of TextExtractor
type mockExtractor struct {
	text       string
	extractErr error
}

func (m *mockExtractor) Extract(ctx context.Context, data []byte, contentType string) (string, error) {
	if m.extractErr != nil {
		return "", m.extractErr
	}
	return m.text, nil
}

// mockInterpreter is a mock implementation of Interpreter
type mockInterpreter struct {
	result       *scanning.ReceiptData
	interpretErr error
}

func (m *mockInterpreter) Interpret(ctx context.Context, ocrText string) (*scanning.ReceiptData, error) {
	if m.interpretErr != nil {
		return nil, m.interpretErr
	}
	return m.result, nil
}

var _ = ginkgo.Describe("Pipeline", func() {
	var (
		db        *mockDB
		storage   *mockStorage
		extractor *mockExtractor
		interp    *mockInterpreter
		resolver  *mockResolver
		timeSrc   *mockTimeSource
		pipeline  *Pipeline
	)

	ginkgo.BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		extractor = &mockExtractor{text: "CAFE CENTRAL\nTOTAL 45.00 EUR"}
		interp = &mockInterpreter{
			result: &scanning.ReceiptData{
				DocumentType:    strPtr("receipt"),
				MerchantName:    strPtr("Cafe Central"),
				Date:            strPtr("2025-03-09"),
				Currency:        strPtr("EUR"),
				Total:           floatPtr(45.00),
				PaymentMethod:   strPtr("card"),
				Explanation:     strPtr("Team lunch at Cafe Central"),
				ConfidenceLevel: strPtr("high"),
			},
		}
		resolver = newMockResolver()
		timeSrc = &mockTimeSource{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
		pipeline = NewPipelineWithDeps(db, storage, extractor, interp, resolver, timeSrc)
	})

	// seed wires up a draft report, one item and one PENDING attachment
	// with its file in storage
	seed := func() {
		report := &Report{ID: "r1", Status: ReportStatusDraft, TotalAmountEUR: decimal.Zero}
		Expect(db.SaveReport(report)).To(Succeed())
		item := &LineItem{ID: "i1", ReportID: "r1", Topic: "Lunch"}
		Expect(db.SaveItem(item)).To(Succeed())
		attachment := &Attachment{
			ID:          "a1",
			ItemID:      "i1",
			Filename:    "receipt.jpg",
			ContentType: "image/jpeg",
			FilePath:    "a1.jpg",
			ScanStatus:  ScanStatusPending,
		}
		Expect(db.SaveAttachment(attachment)).To(Succeed())
		storage.files["a1.jpg"] = []byte("fake image data")
		db.scanHistory = nil
	}

	ginkgo.JustBeforeEach(func() {
		pipeline.Process(context.Background(), "a1")
	})

	ginkgo.When("the scan succeeds", func() {
		ginkgo.BeforeEach(seed)

		ginkgo.It("lands the attachment in DONE with the transcript and fields", func() {
			attachment, err := db.GetAttachment("a1")
			Expect(err).NotTo(HaveOccurred())
			Expect(attachment.ScanStatus).To(Equal(ScanStatusDone))
			Expect(attachment.ScanText).To(Equal("CAFE CENTRAL\nTOTAL 45.00 EUR"))
			Expect(attachment.ScanResult).NotTo(BeNil())
			Expect(attachment.ScanError).To(BeEmpty())
		})

		ginkgo.It("builds the display summary", func() {
			attachment, _ := db.GetAttachment("a1")
			Expect(attachment.ScanSummary).NotTo(BeNil())
			Expect(attachment.ScanSummary.Amount).To(HaveValue(Equal("45.00 EUR")))
			Expect(attachment.ScanSummary.Merchant).To(HaveValue(Equal("Cafe Central")))
		})

		ginkgo.It("moves through PROCESSING before DONE", func() {
			Expect(db.scanHistory).To(Equal([]ScanStatus{ScanStatusProcessing, ScanStatusDone}))
		})

		ginkgo.It("applies the recognized amount with ocr provenance", func() {
			item, err := db.GetItem("i1")
			Expect(err).NotTo(HaveOccurred())
			Expect(item.AmountEUR).NotTo(BeNil())
			Expect(item.AmountEUR.Equal(decimal.RequireFromString("45.00"))).To(BeTrue())
			Expect(item.AmountSource).To(Equal(AmountSourceOCR))
		})

		ginkgo.It("takes the receipt date onto the item", func() {
			item, _ := db.GetItem("i1")
			Expect(item.Date).To(Equal(time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)))
		})

		ginkgo.It("recomputes the report total", func() {
			report, _ := db.GetReport("r1")
			Expect(report.TotalAmountEUR.Equal(decimal.RequireFromString("45.00"))).To(BeTrue())
		})
	})

	ginkgo.When("the item already carries a manual resolution", func() {
		ginkgo.BeforeEach(func() {
			seed()
			item, _ := db.GetItem("i1")
			item.Amount = decimalPtr("99.99")
			item.Currency = strPtr("TND")
			item.AmountEUR = decimalPtr("30.00")
			item.ExchangeRate = decimalPtr("0.3")
			item.AmountSource = AmountSourceManual
			Expect(db.SaveItem(item)).To(Succeed())
		})

		ginkgo.It("overwrites it with the recognized amount, last write wins", func() {
			item, _ := db.GetItem("i1")
			Expect(item.AmountEUR.Equal(decimal.RequireFromString("45.00"))).To(BeTrue())
			Expect(item.Currency).To(HaveValue(Equal("EUR")))
			Expect(item.AmountSource).To(Equal(AmountSourceOCR))
		})

		ginkgo.It("replaces the total instead of accumulating it", func() {
			report, _ := db.GetReport("r1")
			Expect(report.TotalAmountEUR.Equal(decimal.RequireFromString("45.00"))).To(BeTrue())
		})
	})

	ginkgo.When("text extraction fails", func() {
		ginkgo.BeforeEach(func() {
			seed()
			extractor.extractErr = errors.New("blank page")
		})

		ginkgo.It("lands the attachment in FAILED with the cause", func() {
			attachment, _ := db.GetAttachment("a1")
			Expect(attachment.ScanStatus).To(Equal(ScanStatusFailed))
			Expect(attachment.ScanError).To(ContainSubstring("blank page"))
		})

		ginkgo.It("does not touch the item", func() {
			item, _ := db.GetItem("i1")
			Expect(item.AmountEUR).To(BeNil())
		})
	})

	ginkgo.When("interpretation fails", func() {
		ginkgo.BeforeEach(func() {
			seed()
			interp.interpretErr = scanning.ErrMalformedResponse
		})

		ginkgo.It("lands the attachment in FAILED", func() {
			attachment, _ := db.GetAttachment("a1")
			Expect(attachment.ScanStatus).To(Equal(ScanStatusFailed))
		})
	})

	ginkgo.When("the failure message is oversized", func() {
		ginkgo.BeforeEach(func() {
			seed()
			extractor.extractErr = errors.New(strings.Repeat("x", 5000))
		})

		ginkgo.It("truncates the stored error", func() {
			attachment, _ := db.GetAttachment("a1")
			Expect(len(attachment.ScanError)).To(Equal(maxErrorLength))
		})
	})

	ginkgo.When("the oversized failure message is multi-byte text", func() {
		ginkgo.BeforeEach(func() {
			seed()
			extractor.extractErr = errors.New(strings.Repeat("é", 1500))
		})

		ginkgo.It("truncates on a rune boundary", func() {
			attachment, _ := db.GetAttachment("a1")
			Expect(len(attachment.ScanError)).To(BeNumerically("<=", maxErrorLength))
			Expect(utf8.ValidString(attachment.ScanError)).To(BeTrue())
		})
	})

	ginkgo.When("the receipt file is missing", func() {
		ginkgo.BeforeEach(func() {
			seed()
			delete(storage.files, "a1.jpg")
		})

		ginkgo.It("lands the attachment in FAILED", func() {
			attachment, _ := db.GetAttachment("a1")
			Expect(attachment.ScanStatus).To(Equal(ScanStatusFailed))
		})
	})

	ginkgo.When("the attachment was deleted before the job ran", func() {
		ginkgo.BeforeEach(func() {
			seed()
			Expect(db.DeleteAttachment("a1")).To(Succeed())
			db.scanHistory = nil
		})

		ginkgo.It("drops the job without writing anything", func() {
			Expect(db.scanHistory).To(BeEmpty())
			Expect(db.attachments).To(BeEmpty())
		})
	})

	ginkgo.When("the recognized fields are incomplete", func() {
		ginkgo.BeforeEach(func() {
			seed()
			interp.result.Total = nil
		})

		ginkgo.It("still lands in DONE", func() {
			attachment, _ := db.GetAttachment("a1")
			Expect(attachment.ScanStatus).To(Equal(ScanStatusDone))
		})

		ginkgo.It("does not apply an amount", func() {
			item, _ := db.GetItem("i1")
			Expect(item.AmountEUR).To(BeNil())
			Expect(resolver.calls).To(BeZero())
		})
	})

	ginkgo.When("currency resolution fails after the scan", func() {
		ginkgo.BeforeEach(func() {
			seed()
			resolver.resolveErr = errors.New("rate service down")
		})

		ginkgo.It("keeps the scan DONE", func() {
			attachment, _ := db.GetAttachment("a1")
			Expect(attachment.ScanStatus).To(Equal(ScanStatusDone))
		})

		ginkgo.It("leaves the item for manual entry", func() {
			item, _ := db.GetItem("i1")
			Expect(item.AmountEUR).To(BeNil())
		})
	})

	ginkgo.When("the report left draft while the scan ran", func() {
		ginkgo.BeforeEach(func() {
			seed()
			report, _ := db.GetReport("r1")
			report.Status = ReportStatusPending
			Expect(db.SaveReport(report)).To(Succeed())
		})

		ginkgo.It("keeps the scan DONE but does not touch the amounts", func() {
			attachment, _ := db.GetAttachment("a1")
			Expect(attachment.ScanStatus).To(Equal(ScanStatusDone))

			item, _ := db.GetItem("i1")
			Expect(item.AmountEUR).To(BeNil())

			report, _ := db.GetReport("r1")
			Expect(report.TotalAmountEUR.IsZero()).To(BeTrue())
		})
	})

	ginkgo.When("the owning report was deleted mid-scan", func() {
		ginkgo.BeforeEach(func() {
			seed()
			Expect(db.DeleteReport("r1")).To(Succeed())
		})

		ginkgo.It("keeps the scan DONE without applying an amount", func() {
			attachment, _ := db.GetAttachment("a1")
			Expect(attachment.ScanStatus).To(Equal(ScanStatusDone))

			item, _ := db.GetItem("i1")
			Expect(item.AmountEUR).To(BeNil())
		})
	})

	ginkgo.When("the owning item was deleted mid-scan", func() {
		ginkgo.BeforeEach(func() {
			seed()
			Expect(db.DeleteItem("i1")).To(Succeed())
		})

		ginkgo.It("keeps the scan DONE without applying an amount", func() {
			attachment, _ := db.GetAttachment("a1")
			Expect(attachment.ScanStatus).To(Equal(ScanStatusDone))
		})
	})

	ginkgo.When("a rerun follows a failure", func() {
		ginkgo.BeforeEach(func() {
			seed()
			attachment, _ := db.GetAttachment("a1")
			attachment.ScanStatus = ScanStatusFailed
			attachment.ScanError = "blank page"
			Expect(db.SaveAttachment(attachment)).To(Succeed())
			db.scanHistory = nil
		})

		ginkgo.It("clears the previous error and completes", func() {
			attachment, _ := db.GetAttachment("a1")
			Expect(attachment.ScanStatus).To(Equal(ScanStatusDone))
			Expect(attachment.ScanError).To(BeEmpty())
		})
	})
})
