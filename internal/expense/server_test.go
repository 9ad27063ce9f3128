package expense

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/shopspring/decimal"

	"github.com/ledgerline/expense-tracker/internal/currency"
)

var _ = ginkgo.Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		queue       *mockQueue
		resolver    *mockResolver
		service     *Service
		auth        BasicAuth
		server      *Server
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	}

	ginkgo.BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		queue = &mockQueue{}
		resolver = newMockResolver()
		idGen := &mockIDGenerator{prefix: "id"}
		timeSrc := &mockTimeSource{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
		service = NewServiceWithDeps(db, storage, resolver, &mockMailer{}, queue, "http://localhost:8080", idGen, timeSrc)
		auth = BasicAuth{}
		setupServer()
	})

	ginkgo.AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	ginkgo.Describe("handleCreateReport", func() {
		ginkgo.It("creates a draft report", func() {
			body := bytes.NewBufferString(`{"concerned_person":"Jamie Doe","responsible_email":"boss@example.com"}`)
			resp, err := http.Post(ghttpServer.URL()+"/api/reports", "application/json", body)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var report Report
			Expect(json.NewDecoder(resp.Body).Decode(&report)).To(Succeed())
			Expect(report.Status).To(Equal(ReportStatusDraft))
		})
	})

	ginkgo.Describe("handleGetReport", func() {
		ginkgo.BeforeEach(func() {
			report := &Report{
				ID:            "r1",
				Status:        ReportStatusPending,
				ApprovalToken: "secret-token",
			}
			Expect(db.SaveReport(report)).To(Succeed())
		})

		ginkgo.It("never exposes the approval token", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/reports/r1")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).NotTo(ContainSubstring("secret-token"))
		})
	})

	ginkgo.Describe("handleUpdateReport", func() {
		ginkgo.It("returns conflict for a locked report", func() {
			report := &Report{ID: "r1", Status: ReportStatusPending}
			Expect(db.SaveReport(report)).To(Succeed())

			req, err := http.NewRequest("PUT", ghttpServer.URL()+"/api/reports/r1", bytes.NewBufferString(`{"concerned_person":"X"}`))
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})
	})

	ginkgo.Describe("handleAddItem", func() {
		ginkgo.It("returns not found for an unknown report", func() {
			body := bytes.NewBufferString(`{"topic":"Taxi"}`)
			resp, err := http.Post(ghttpServer.URL()+"/api/reports/nope/items", "application/json", body)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		ginkgo.It("returns bad request when no exchange rate is available", func() {
			report := &Report{ID: "r1", Status: ReportStatusDraft, TotalAmountEUR: decimal.Zero}
			Expect(db.SaveReport(report)).To(Succeed())
			resolver.resolveErr = fmt.Errorf("%w: rate API status 502", currency.ErrRateUnavailable)

			body := bytes.NewBufferString(`{"topic":"Hotel","amount":"108","currency":"USD"}`)
			resp, err := http.Post(ghttpServer.URL()+"/api/reports/r1/items", "application/json", body)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			var result struct {
				Error string `json:"error"`
			}
			Expect(json.NewDecoder(resp.Body).Decode(&result)).To(Succeed())
			Expect(result.Error).To(ContainSubstring("exchange rate unavailable"))
		})
	})

	ginkgo.Describe("handleUploadAttachment", func() {
		ginkgo.BeforeEach(func() {
			report := &Report{ID: "r1", Status: ReportStatusDraft, TotalAmountEUR: decimal.Zero}
			Expect(db.SaveReport(report)).To(Succeed())
			item := &LineItem{ID: "i1", ReportID: "r1", Topic: "Taxi"}
			Expect(db.SaveItem(item)).To(Succeed())
		})

		ginkgo.It("stores the file and enqueues the scan", func() {
			var buf bytes.Buffer
			writer := multipart.NewWriter(&buf)
			part, err := writer.CreateFormFile("file", "receipt.jpg")
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write([]byte("fake image data"))
			Expect(err).NotTo(HaveOccurred())
			Expect(writer.Close()).To(Succeed())

			resp, err := http.Post(ghttpServer.URL()+"/api/items/i1/attachment", writer.FormDataContentType(), &buf)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var attachment Attachment
			Expect(json.NewDecoder(resp.Body).Decode(&attachment)).To(Succeed())
			Expect(attachment.ScanStatus).To(Equal(ScanStatusPending))
			Expect(queue.enqueued).To(HaveLen(1))
		})

		ginkgo.It("rejects an unsupported file type", func() {
			var buf bytes.Buffer
			writer := multipart.NewWriter(&buf)
			part, err := writer.CreateFormFile("file", "notes.txt")
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write([]byte("not a receipt"))
			Expect(err).NotTo(HaveOccurred())
			Expect(writer.Close()).To(Succeed())

			resp, err := http.Post(ghttpServer.URL()+"/api/items/i1/attachment", writer.FormDataContentType(), &buf)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	ginkgo.Describe("handleGetScanResult", func() {
		ginkgo.It("returns the error once FAILED", func() {
			attachment := &Attachment{
				ID:         "a1",
				ItemID:     "i1",
				ScanStatus: ScanStatusFailed,
				ScanError:  "blank page",
			}
			Expect(db.SaveAttachment(attachment)).To(Succeed())

			resp, err := http.Get(ghttpServer.URL() + "/api/attachments/a1/scan")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result struct {
				Status string `json:"status"`
				Error  string `json:"error"`
			}
			Expect(json.NewDecoder(resp.Body).Decode(&result)).To(Succeed())
			Expect(result.Status).To(Equal("FAILED"))
			Expect(result.Error).To(Equal("blank page"))
		})
	})

	ginkgo.Describe("responsible surface", func() {
		ginkgo.BeforeEach(func() {
			report := &Report{
				ID:            "r1",
				Status:        ReportStatusPending,
				ApprovalToken: "token-abc",
			}
			Expect(db.SaveReport(report)).To(Succeed())
		})

		ginkgo.It("serves the report by token without basic auth", func() {
			auth = BasicAuth{Username: "user", Password: "pass"}
			setupServer()

			resp, err := http.Get(ghttpServer.URL() + "/responsible/reports/token-abc")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		ginkgo.It("returns not found for an unknown token", func() {
			resp, err := http.Get(ghttpServer.URL() + "/responsible/reports/wrong")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		ginkgo.It("records the decision", func() {
			body := bytes.NewBufferString(`{"approve":true,"comment":"ok"}`)
			resp, err := http.Post(ghttpServer.URL()+"/responsible/reports/token-abc/decision", "application/json", body)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			saved, getErr := db.GetReport("r1")
			Expect(getErr).NotTo(HaveOccurred())
			Expect(saved.Status).To(Equal(ReportStatusApproved))
			Expect(saved.ApprovalToken).To(BeEmpty())
		})
	})

	ginkgo.Describe("authentication", func() {
		ginkgo.BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "pass"}
			setupServer()
		})

		ginkgo.It("rejects API requests without credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/reports")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		ginkgo.It("accepts API requests with valid credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/reports", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "pass")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})
