package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/lib/pq"

	"github.com/promptlens/backend/internal/models"
)

type reportSaveRequest struct {
	BrandID           *string        `json:"brandId,omitempty"`
	BrandName         string         `json:"brandName"`
	BrandURL          *string        `json:"brandUrl,omitempty"`
	Status            string         `json:"status"`
	ReportData        map[string]any `json:"reportData,omitempty"`
	Progress          map[string]any `json:"progress,omitempty"`
	PromptsCount      int            `json:"promptsCount"`
	AIModels          []string       `json:"aiModels"`
	ScheduledPromptID *string        `json:"scheduledPromptId,omitempty"`
}

// computeReportStats derives the aggregate counters stored on a completed
// report. Computed exactly once at completion time; later edits to the raw
// data do not refresh them.
func computeReportStats(reportData map[string]any) map[string]any {
	stats := map[string]any{
		"totalResults":  0,
		"totalMentions": 0,
		"byModel":       map[string]int{},
	}
	raw, ok := reportData["results"].([]any)
	if !ok {
		return stats
	}

	total := 0
	mentions := 0
	byModel := map[string]int{}
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		total++
		if model, ok := entry["model"].(string); ok && model != "" {
			byModel[model]++
		}
		if mentioned, ok := entry["mentioned"].(bool); ok && mentioned {
			mentions++
		}
	}
	stats["totalResults"] = total
	stats["totalMentions"] = mentions
	stats["byModel"] = byModel
	return stats
}

// SaveReport creates a report. A completed save debits promptsCount credits
// up front; insufficient balance aborts before anything is written.
func (h *Handler) SaveReport(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var req reportSaveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.BrandName) == "" {
		writeError(w, http.StatusBadRequest, "brandName is required")
		return
	}

	switch req.Status {
	case "completed", "in-progress":
	case "":
		req.Status = "completed"
	default:
		writeError(w, http.StatusBadRequest, "status must be completed or in-progress")
		return
	}

	report, status, errMsg := h.insertReport(r, userID, req, false)
	if errMsg != "" {
		writeError(w, status, errMsg)
		return
	}

	h.emitEvent(userID, realtimeEvent{Type: "report.updated", ReportID: report.ID, Status: report.Status})
	writeJSON(w, http.StatusOK, map[string]any{"result": "created", "report": report})
}

func (h *Handler) insertReport(r *http.Request, userID string, req reportSaveRequest, alreadyDebited bool) (models.Report, int, string) {
	var report models.Report

	var stats map[string]any
	var progress map[string]any
	if req.Status == "completed" {
		if req.PromptsCount > 0 && !alreadyDebited {
			_, err := h.debitUser(r.Context(), userID, req.PromptsCount, "report", fmt.Sprintf("report for %s", req.BrandName))
			if errors.Is(err, ErrInsufficientCredits) {
				return report, http.StatusPaymentRequired, "Insufficient credits"
			}
			if err != nil {
				log.Printf("[Reports][Save] debit error userId=%s: %v", userID, err)
				return report, http.StatusInternalServerError, err.Error()
			}
		}
		stats = computeReportStats(req.ReportData)
	} else {
		progress = req.Progress
	}

	id := fmt.Sprintf("rep_%s", randHex(12))
	dataJSON, _ := json.Marshal(req.ReportData)
	statsJSON := jsonOrNull(stats)
	progressJSON := jsonOrNull(progress)

	var rawData, rawStats, rawProgress []byte
	var shareToken sql.NullString
	var schedID sql.NullString
	err := h.db.QueryRowContext(r.Context(), `
		INSERT INTO public.reports
			(id, user_id, brand_id, brand_name, brand_url, status, report_data, progress,
			 stats, prompts_count, ai_models, scheduled_prompt_id, is_shared, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb, $10, $11, $12, FALSE, NOW(), NOW())
		RETURNING id, user_id, brand_id, brand_name, brand_url, status, report_data, progress,
		          stats, prompts_count, ai_models, share_token, is_shared, scheduled_prompt_id,
		          created_at, updated_at
	`, id, userID, req.BrandID, req.BrandName, req.BrandURL, req.Status, string(dataJSON),
		progressJSON, statsJSON, req.PromptsCount, pq.Array(req.AIModels), req.ScheduledPromptID).
		Scan(&report.ID, &report.UserID, &report.BrandID, &report.BrandName, &report.BrandURL,
			&report.Status, &rawData, &rawProgress, &rawStats, &report.PromptsCount,
			pq.Array(&report.AIModels), &shareToken, &report.IsShared, &schedID,
			&report.CreatedAt, &report.UpdatedAt)
	if err != nil {
		log.Printf("[Reports][Save] insert error userId=%s: %v", userID, err)
		return report, http.StatusInternalServerError, err.Error()
	}

	unmarshalReportJSON(&report, rawData, rawProgress, rawStats)
	report.ShareToken = nullStringPtr(shareToken)
	report.ScheduledPromptID = nullStringPtr(schedID)
	return report, 0, ""
}

// ResumeReport updates an in-progress report. When no (id, user,
// status=in-progress) row matches, a brand-new report is created instead of
// erroring; the response carries a tagged result so callers can tell which
// path ran.
func (h *Handler) ResumeReport(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPut) {
		return
	}

	reportID := pathVar(r, "reportId")
	userID := pathVar(r, "userId")
	if reportID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "reportId and userId are required")
		return
	}

	var req reportSaveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Status == "" {
		req.Status = "in-progress"
	}
	if req.Status != "completed" && req.Status != "in-progress" {
		writeError(w, http.StatusBadRequest, "status must be completed or in-progress")
		return
	}

	if req.Status == "completed" {
		// Finalize: in-progress -> completed. Debit first (all-or-nothing),
		// compute stats once, clear the draft progress.
		if req.PromptsCount > 0 {
			_, err := h.debitUser(r.Context(), userID, req.PromptsCount, "report", fmt.Sprintf("report for %s", req.BrandName))
			if errors.Is(err, ErrInsufficientCredits) {
				writeError(w, http.StatusPaymentRequired, "Insufficient credits")
				return
			}
			if err != nil {
				log.Printf("[Reports][Finalize] debit error userId=%s: %v", userID, err)
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}

		stats := computeReportStats(req.ReportData)
		dataJSON, _ := json.Marshal(req.ReportData)
		statsJSON := jsonOrNull(stats)

		res, err := h.db.ExecContext(r.Context(), `
			UPDATE public.reports
			   SET status = 'completed',
			       report_data = $3::jsonb,
			       stats = $4::jsonb,
			       progress = NULL,
			       prompts_count = $5,
			       updated_at = NOW()
			 WHERE id = $1 AND user_id = $2 AND status = 'in-progress'
		`, reportID, userID, string(dataJSON), statsJSON, req.PromptsCount)
		if err != nil {
			log.Printf("[Reports][Finalize] update error id=%s userId=%s: %v", reportID, userID, err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if n, _ := res.RowsAffected(); n > 0 {
			h.emitEvent(userID, realtimeEvent{Type: "report.updated", ReportID: reportID, Status: "completed"})
			writeJSON(w, http.StatusOK, map[string]any{"result": "updated", "reportId": reportID})
			return
		}

		// No in-progress row to finalize; the debit above already ran, so fall
		// through to creating a fresh completed report without debiting again.
		report, status, errMsg := h.insertReport(r, userID, req, true)
		if errMsg != "" {
			writeError(w, status, errMsg)
			return
		}
		h.emitEvent(userID, realtimeEvent{Type: "report.updated", ReportID: report.ID, Status: report.Status})
		writeJSON(w, http.StatusOK, map[string]any{"result": "created_new", "report": report})
		return
	}

	// Progress checkpoint: in-progress -> in-progress.
	dataJSON, _ := json.Marshal(req.ReportData)
	progressJSON := jsonOrNull(req.Progress)

	res, err := h.db.ExecContext(r.Context(), `
		UPDATE public.reports
		   SET report_data = $3::jsonb,
		       progress = $4::jsonb,
		       updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND status = 'in-progress'
	`, reportID, userID, string(dataJSON), progressJSON)
	if err != nil {
		log.Printf("[Reports][Resume] update error id=%s userId=%s: %v", reportID, userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		writeJSON(w, http.StatusOK, map[string]any{"result": "updated", "reportId": reportID})
		return
	}

	report, status, errMsg := h.insertReport(r, userID, req, false)
	if errMsg != "" {
		writeError(w, status, errMsg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": "created_new", "report": report})
}

func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	reportID := pathVar(r, "reportId")
	userID := pathVar(r, "userId")

	report, err := h.loadReport(`WHERE id = $1 AND user_id = $2`, reportID, userID)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "Report not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// GetSharedReport serves a report by its share token. Once a token exists the
// report stays reachable through it; is_shared is not re-checked here.
func (h *Handler) GetSharedReport(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	token := pathVar(r, "token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	report, err := h.loadReport(`WHERE share_token = $1`, token)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "Report not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) loadReport(where string, args ...any) (models.Report, error) {
	var report models.Report
	var rawData, rawProgress, rawStats []byte
	var shareToken, schedID sql.NullString
	query := `
		SELECT id, user_id, brand_id, brand_name, brand_url, status, report_data, progress,
		       stats, prompts_count, ai_models, share_token, is_shared, scheduled_prompt_id,
		       created_at, updated_at
		FROM public.reports ` + where
	err := h.db.QueryRow(query, args...).
		Scan(&report.ID, &report.UserID, &report.BrandID, &report.BrandName, &report.BrandURL,
			&report.Status, &rawData, &rawProgress, &rawStats, &report.PromptsCount,
			pq.Array(&report.AIModels), &shareToken, &report.IsShared, &schedID,
			&report.CreatedAt, &report.UpdatedAt)
	if err != nil {
		return report, err
	}
	unmarshalReportJSON(&report, rawData, rawProgress, rawStats)
	report.ShareToken = nullStringPtr(shareToken)
	report.ScheduledPromptID = nullStringPtr(schedID)
	return report, nil
}

func (h *Handler) ListReportsForUser(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	limit := parseLimit(r, 50, 1, 200)
	brandID := strings.TrimSpace(r.URL.Query().Get("brandId"))

	query := `
		SELECT id, user_id, brand_id, brand_name, brand_url, status, prompts_count,
		       ai_models, share_token, is_shared, scheduled_prompt_id, created_at, updated_at
		FROM public.reports
		WHERE user_id = $1`
	args := []any{userID}
	if brandID != "" {
		query += ` AND brand_id = $2`
		args = append(args, brandID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := h.db.Query(query, args...)
	if err != nil {
		log.Printf("[Reports][List] query error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	reports := make([]models.Report, 0)
	for rows.Next() {
		var rep models.Report
		var shareToken, schedID sql.NullString
		if err := rows.Scan(&rep.ID, &rep.UserID, &rep.BrandID, &rep.BrandName, &rep.BrandURL,
			&rep.Status, &rep.PromptsCount, pq.Array(&rep.AIModels), &shareToken,
			&rep.IsShared, &schedID, &rep.CreatedAt, &rep.UpdatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		rep.ShareToken = nullStringPtr(shareToken)
		rep.ScheduledPromptID = nullStringPtr(schedID)
		reports = append(reports, rep)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, reports)
}

// ShareReport lazily mints a share token on first request; repeat calls return
// the same token.
func (h *Handler) ShareReport(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	reportID := pathVar(r, "reportId")
	userID := pathVar(r, "userId")
	if reportID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "reportId and userId are required")
		return
	}

	token := randHex(16)
	var shareToken string
	err := h.db.QueryRow(`
		UPDATE public.reports
		   SET share_token = COALESCE(share_token, $3),
		       is_shared = TRUE,
		       updated_at = NOW()
		 WHERE id = $1 AND user_id = $2
		RETURNING share_token
	`, reportID, userID, token).Scan(&shareToken)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "Report not found")
		return
	}
	if err != nil {
		log.Printf("[Reports][Share] error id=%s userId=%s: %v", reportID, userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"shareToken": shareToken})
}

func (h *Handler) DeleteReport(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodDelete) {
		return
	}

	reportID := pathVar(r, "reportId")
	userID := pathVar(r, "userId")
	if reportID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "reportId and userId are required")
		return
	}

	res, err := h.db.Exec(`DELETE FROM public.reports WHERE id = $1 AND user_id = $2`, reportID, userID)
	if err != nil {
		log.Printf("[Reports][Delete] error id=%s userId=%s: %v", reportID, userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, http.StatusNotFound, "Report not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func unmarshalReportJSON(report *models.Report, rawData, rawProgress, rawStats []byte) {
	if len(rawData) > 0 {
		_ = json.Unmarshal(rawData, &report.ReportData)
	}
	if len(rawProgress) > 0 {
		_ = json.Unmarshal(rawProgress, &report.Progress)
	}
	if len(rawStats) > 0 {
		_ = json.Unmarshal(rawStats, &report.Stats)
	}
}

func jsonOrNull(m map[string]any) any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(b)
}
