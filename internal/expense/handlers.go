package expense

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ledgerline/expense-tracker/internal/currency"
	"github.com/ledgerline/expense-tracker/internal/scanning"
)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeJSONError writes a JSON error body with CORS headers set
func writeJSONError(w http.ResponseWriter, code int, message string) {
	setCORSHeaders(w)
	writeJSON(w, code, map[string]string{"error": message})
}

// writeServiceError maps service errors to HTTP status codes
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, ErrReportLocked),
		errors.Is(err, ErrAlreadyDecided):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrAttachmentExists),
		errors.Is(err, ErrUnsupportedFileType),
		errors.Is(err, ErrReportNotSubmittable),
		errors.Is(err, currency.ErrUnsupportedCurrency),
		errors.Is(err, currency.ErrRateUnavailable):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("Request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// sanitizeReport returns a copy of the report with the approval token
// stripped. The token never leaves the system except inside the email link.
func sanitizeReport(report *Report) *Report {
	clean := *report
	clean.ApprovalToken = ""
	return &clean
}

func sanitizeReports(reports []*Report) []*Report {
	out := make([]*Report, 0, len(reports))
	for _, r := range reports {
		out = append(out, sanitizeReport(r))
	}
	return out
}

// reportDetailResponse is the report plus its items and attachments
type reportDetailResponse struct {
	Report *Report       `json:"report"`
	Items  []*ItemDetail `json:"items"`
}

// handleCreateReport creates a new draft report
func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var input ReportInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	report, err := s.service.CreateReport(input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sanitizeReport(report))
}

// handleListReports returns a list of all reports
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.service.ListReports()
	if err != nil {
		slog.Error("Error listing reports", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, sanitizeReports(reports))
}

// handleGetReport returns a report with its items and attachments
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Report ID required", http.StatusBadRequest)
		return
	}

	report, items, err := s.service.GetReportDetail(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, reportDetailResponse{
		Report: sanitizeReport(report),
		Items:  items,
	})
}

// handleUpdateReport updates a draft report's header fields
func (s *Server) handleUpdateReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Report ID required", http.StatusBadRequest)
		return
	}

	var input ReportInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	report, err := s.service.UpdateReport(id, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sanitizeReport(report))
}

// handleDeleteReport deletes a draft report
func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Report ID required", http.StatusBadRequest)
		return
	}

	if err := s.service.DeleteReport(id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSubmitReport submits a draft for approval
func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Report ID required", http.StatusBadRequest)
		return
	}

	report, err := s.service.SubmitReport(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sanitizeReport(report))
}

// handleAddItem adds an expense item to a draft report
func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Report ID required", http.StatusBadRequest)
		return
	}

	var input ItemInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	item, err := s.service.AddItem(id, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, item)
}

// handleUpdateItem updates an expense item
func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Item ID required", http.StatusBadRequest)
		return
	}

	var input ItemInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	item, err := s.service.UpdateItem(id, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, item)
}

// handleDeleteItem deletes an expense item
func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Item ID required", http.StatusBadRequest)
		return
	}

	if err := s.service.DeleteItem(id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleUploadAttachment handles receipt upload for an expense item
func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("id")
	if itemID == "" {
		corsError(w, "Item ID required", http.StatusBadRequest)
		return
	}

	// Parse multipart form (max 50MB to handle high-resolution phone photos)
	maxFormSize := int64(50 << 20) // 50MB
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		if err.Error() == "http: request body too large" {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		writeJSONError(w, http.StatusBadRequest, errorMsg)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if err.Error() == "http: no such file" {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		writeJSONError(w, http.StatusBadRequest, errorMsg)
		return
	}
	defer f.Close()

	if header.Size > maxFormSize {
		writeJSONError(w, http.StatusBadRequest, "File is too large. Maximum size is 50MB. Please compress or resize your image.")
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSONError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		ext := strings.ToLower(filepath.Ext(header.Filename))
		switch ext {
		case ".jpg", ".jpeg":
			contentType = "image/jpeg"
		case ".png":
			contentType = "image/png"
		case ".pdf":
			contentType = "application/pdf"
		case ".heic":
			contentType = "image/heic"
		case ".heif":
			contentType = "image/heif"
		default:
			contentType = "application/octet-stream"
		}
	}
	// Preserve HEIC/HEIF MIME types so conversion logic can detect them
	contentType = strings.ToLower(strings.TrimSpace(contentType))

	attachment, err := s.service.UploadAttachment(itemID, header.Filename, data, contentType)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, attachment)
}

// handleGetAttachment returns a single attachment record
func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Attachment ID required", http.StatusBadRequest)
		return
	}

	attachment, err := s.service.GetAttachment(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, attachment)
}

// scanResultResponse is the polling shape for the receipt scan
type scanResultResponse struct {
	Status ScanStatus      `json:"status"`
	Data   *scanResultData `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type scanResultData struct {
	Result    *scanning.ReceiptData `json:"result"`
	UISummary *scanning.UISummary   `json:"ui_summary"`
}

// handleGetScanResult returns the attachment's scan status and, once DONE,
// the recognized fields with their display summary
func (s *Server) handleGetScanResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Attachment ID required", http.StatusBadRequest)
		return
	}

	attachment, err := s.service.GetAttachment(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := scanResultResponse{Status: attachment.ScanStatus}
	switch attachment.ScanStatus {
	case ScanStatusDone:
		resp.Data = &scanResultData{
			Result:    attachment.ScanResult,
			UISummary: attachment.ScanSummary,
		}
	case ScanStatusFailed:
		resp.Error = attachment.ScanError
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleGetAttachmentFile returns the stored receipt file
func (s *Server) handleGetAttachmentFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Attachment ID required", http.StatusBadRequest)
		return
	}

	data, contentType, err := s.service.GetAttachmentFile(id)
	if err != nil {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteAttachment deletes an attachment
func (s *Server) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Attachment ID required", http.StatusBadRequest)
		return
	}

	if err := s.service.DeleteAttachment(id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleGetReportByToken returns a report for the responsible view. The
// token in the path is the only credential.
func (s *Server) handleGetReportByToken(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		corsError(w, "Token required", http.StatusBadRequest)
		return
	}

	report, items, err := s.service.GetReportByToken(token)
	if err != nil {
		// Do not leak whether the token ever existed
		corsError(w, "Not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, reportDetailResponse{
		Report: sanitizeReport(report),
		Items:  items,
	})
}

// handleDecideReport records the responsible's approval or rejection
func (s *Server) handleDecideReport(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		corsError(w, "Token required", http.StatusBadRequest)
		return
	}

	var req struct {
		Approve bool   `json:"approve"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	report, err := s.service.DecideReport(token, req.Approve, req.Comment)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			corsError(w, "Not found", http.StatusNotFound)
			return
		}
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sanitizeReport(report))
}
