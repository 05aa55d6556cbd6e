package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/promptlens/backend/internal/models"
)

// nextRunAfter rebuilds the due cursor from the actual completion time.
// Monthly uses calendar-aware AddDate, so Jan 31 + 1 month rolls over into
// early March. Unknown frequencies fall back to daily.
func nextRunAfter(lastRun time.Time, frequency string) time.Time {
	switch frequency {
	case "weekly":
		return lastRun.AddDate(0, 0, 7)
	case "monthly":
		return lastRun.AddDate(0, 1, 0)
	default: // daily and anything unrecognized
		return lastRun.AddDate(0, 0, 1)
	}
}

// normalizeStoreID accepts plain string ids as well as the workflow engine's
// {"$oid": "..."} wrapper and returns the bare id.
func normalizeStoreID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var wrapped struct {
		OID string `json:"$oid"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return strings.TrimSpace(wrapped.OID)
	}
	return ""
}

// resequencePrompts forces promptIndex to match array position; whatever the
// client sent is discarded.
func resequencePrompts(prompts []models.SchedulePrompt) []models.SchedulePrompt {
	for i := range prompts {
		prompts[i].PromptIndex = i
	}
	return prompts
}

func workflowSecretOK(r *http.Request) bool {
	sec := strings.TrimSpace(os.Getenv("WORKFLOW_CALLBACK_SECRET"))
	if sec == "" {
		return false
	}
	return strings.TrimSpace(r.Header.Get("X-Workflow-Secret")) == sec
}

type scheduledPromptRequest struct {
	UserID            string                  `json:"userId"`
	BrandID           *string                 `json:"brandId,omitempty"`
	BrandName         string                  `json:"brandName"`
	BrandURL          *string                 `json:"brandUrl,omitempty"`
	Prompts           []models.SchedulePrompt `json:"prompts"`
	AIModels          []string                `json:"aiModels"`
	ScheduleFrequency string                  `json:"scheduleFrequency"`
}

func (h *Handler) CreateScheduledPrompt(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req scheduledPromptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.BrandName) == "" {
		writeError(w, http.StatusBadRequest, "userId and brandName are required")
		return
	}
	if len(req.Prompts) == 0 {
		writeError(w, http.StatusBadRequest, "at least one prompt is required")
		return
	}
	switch req.ScheduleFrequency {
	case "daily", "weekly", "monthly":
	default:
		writeError(w, http.StatusBadRequest, "scheduleFrequency must be daily, weekly or monthly")
		return
	}

	req.Prompts = resequencePrompts(req.Prompts)
	promptsJSON, err := json.Marshal(req.Prompts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := fmt.Sprintf("sched_%s", randHex(12))
	var sp models.ScheduledPrompt
	var rawPrompts []byte
	var lastRun, nextRun sql.NullTime
	var lastReportID sql.NullString
	// next_run starts NULL so the schedule is immediately due.
	err = h.db.QueryRow(`
		INSERT INTO public.scheduled_prompts
			(id, user_id, brand_id, brand_name, brand_url, prompts, ai_models,
			 schedule_frequency, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, TRUE, NOW(), NOW())
		RETURNING id, user_id, brand_id, brand_name, brand_url, prompts, ai_models,
		          schedule_frequency, is_active, last_run, next_run, last_report_id,
		          created_at, updated_at
	`, id, req.UserID, req.BrandID, req.BrandName, req.BrandURL, string(promptsJSON),
		pq.Array(req.AIModels), req.ScheduleFrequency).
		Scan(&sp.ID, &sp.UserID, &sp.BrandID, &sp.BrandName, &sp.BrandURL, &rawPrompts,
			pq.Array(&sp.AIModels), &sp.ScheduleFrequency, &sp.IsActive, &lastRun, &nextRun,
			&lastReportID, &sp.CreatedAt, &sp.UpdatedAt)
	if err != nil {
		log.Printf("[Schedules][Create] insert error userId=%s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = json.Unmarshal(rawPrompts, &sp.Prompts)
	sp.LastRun = nullTimePtr(lastRun)
	sp.NextRun = nullTimePtr(nextRun)
	sp.LastReportID = nullStringPtr(lastReportID)

	writeJSON(w, http.StatusOK, sp)
}

func (h *Handler) ListScheduledPromptsForUser(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	rows, err := h.db.Query(`
		SELECT id, user_id, brand_id, brand_name, brand_url, prompts, ai_models,
		       schedule_frequency, is_active, last_run, next_run, last_report_id,
		       created_at, updated_at
		FROM public.scheduled_prompts
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		log.Printf("[Schedules][List] query error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	out, err := scanScheduledPrompts(rows)
	if err != nil {
		log.Printf("[Schedules][List] scan error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, out)
}

func scanScheduledPrompts(rows *sql.Rows) ([]models.ScheduledPrompt, error) {
	out := make([]models.ScheduledPrompt, 0)
	for rows.Next() {
		var sp models.ScheduledPrompt
		var rawPrompts []byte
		var lastRun, nextRun sql.NullTime
		var lastReportID sql.NullString
		if err := rows.Scan(&sp.ID, &sp.UserID, &sp.BrandID, &sp.BrandName, &sp.BrandURL,
			&rawPrompts, pq.Array(&sp.AIModels), &sp.ScheduleFrequency, &sp.IsActive,
			&lastRun, &nextRun, &lastReportID, &sp.CreatedAt, &sp.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(rawPrompts, &sp.Prompts)
		sp.LastRun = nullTimePtr(lastRun)
		sp.NextRun = nullTimePtr(nextRun)
		sp.LastReportID = nullStringPtr(lastReportID)
		out = append(out, sp)
	}
	return out, rows.Err()
}

// checkScheduleOwner distinguishes a missing schedule from one owned by a
// different user so ownership mismatches surface as 403, not 404.
func (h *Handler) checkScheduleOwner(id, userID string) (int, string) {
	var owner string
	err := h.db.QueryRow(`SELECT user_id FROM public.scheduled_prompts WHERE id = $1`, id).Scan(&owner)
	if err == sql.ErrNoRows {
		return http.StatusNotFound, "Scheduled prompt not found"
	}
	if err != nil {
		return http.StatusInternalServerError, err.Error()
	}
	if owner != userID {
		return http.StatusForbidden, "Not the owner of this scheduled prompt"
	}
	return 0, ""
}

func (h *Handler) UpdateScheduledPrompt(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPut) {
		return
	}

	id := pathVar(r, "id")
	userID := pathVar(r, "userId")
	if id == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "id and userId are required")
		return
	}

	if code, msg := h.checkScheduleOwner(id, userID); code != 0 {
		writeError(w, code, msg)
		return
	}

	var req scheduledPromptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Prompts) == 0 {
		writeError(w, http.StatusBadRequest, "at least one prompt is required")
		return
	}
	switch req.ScheduleFrequency {
	case "daily", "weekly", "monthly":
	default:
		writeError(w, http.StatusBadRequest, "scheduleFrequency must be daily, weekly or monthly")
		return
	}

	req.Prompts = resequencePrompts(req.Prompts)
	promptsJSON, err := json.Marshal(req.Prompts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, err = h.db.Exec(`
		UPDATE public.scheduled_prompts
		   SET prompts = $3::jsonb,
		       ai_models = $4,
		       schedule_frequency = $5,
		       updated_at = NOW()
		 WHERE id = $1 AND user_id = $2
	`, id, userID, string(promptsJSON), pq.Array(req.AIModels), req.ScheduleFrequency)
	if err != nil {
		log.Printf("[Schedules][Update] error id=%s userId=%s: %v", id, userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) ToggleScheduledPrompt(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	id := pathVar(r, "id")
	userID := pathVar(r, "userId")
	if id == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "id and userId are required")
		return
	}

	if code, msg := h.checkScheduleOwner(id, userID); code != 0 {
		writeError(w, code, msg)
		return
	}

	var isActive bool
	err := h.db.QueryRow(`
		UPDATE public.scheduled_prompts
		   SET is_active = NOT is_active,
		       updated_at = NOW()
		 WHERE id = $1 AND user_id = $2
		RETURNING is_active
	`, id, userID).Scan(&isActive)
	if err != nil {
		log.Printf("[Schedules][Toggle] error id=%s userId=%s: %v", id, userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "isActive": isActive})
}

func (h *Handler) DeleteScheduledPrompt(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodDelete) {
		return
	}

	id := pathVar(r, "id")
	userID := pathVar(r, "userId")
	if id == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "id and userId are required")
		return
	}

	if code, msg := h.checkScheduleOwner(id, userID); code != 0 {
		writeError(w, code, msg)
		return
	}

	if _, err := h.db.Exec(`DELETE FROM public.scheduled_prompts WHERE id = $1 AND user_id = $2`, id, userID); err != nil {
		log.Printf("[Schedules][Delete] error id=%s userId=%s: %v", id, userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// findDueScheduledPrompts returns active schedules whose next_run is unset or
// has passed, oldest first. Paused schedules are excluded even when overdue.
func (h *Handler) findDueScheduledPrompts(ctx context.Context, now time.Time, limit int) ([]models.ScheduledPrompt, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, user_id, brand_id, brand_name, brand_url, prompts, ai_models,
		       schedule_frequency, is_active, last_run, next_run, last_report_id,
		       created_at, updated_at
		FROM public.scheduled_prompts
		WHERE is_active = TRUE
		  AND (next_run IS NULL OR next_run <= $1)
		ORDER BY next_run ASC NULLS FIRST
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduledPrompts(rows)
}

// recordScheduledRun anchors the schedule to the completion time: last_run is
// set to completedAt and next_run is rebuilt from it, discarding whatever was
// previously scheduled. A late callback therefore shifts the whole cadence
// forward instead of catching up against the old timeline.
func (h *Handler) recordScheduledRun(ctx context.Context, id string, completedAt time.Time, reportID *string) error {
	var frequency string
	err := h.db.QueryRowContext(ctx, `
		SELECT schedule_frequency FROM public.scheduled_prompts WHERE id = $1
	`, id).Scan(&frequency)
	if err != nil {
		return err
	}

	next := nextRunAfter(completedAt, frequency)
	_, err = h.db.ExecContext(ctx, `
		UPDATE public.scheduled_prompts
		   SET last_run = $2,
		       next_run = $3,
		       last_report_id = COALESCE($4, last_report_id),
		       dispatch_job_id = NULL,
		       updated_at = NOW()
		 WHERE id = $1
	`, id, completedAt, next, reportID)
	return err
}

// ListDueScheduledPrompts is the pull side of the external workflow engine
// contract. Guarded by the shared callback secret.
func (h *Handler) ListDueScheduledPrompts(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if !workflowSecretOK(r) {
		writeError(w, http.StatusUnauthorized, "Invalid workflow secret")
		return
	}

	limit := parseLimit(r, 25, 1, 100)
	due, err := h.findDueScheduledPrompts(r.Context(), time.Now().UTC(), limit)
	if err != nil {
		log.Printf("[Schedules][Due] query error: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, due)
}

// WorkflowRunComplete is the workflow engine's completion callback. Ids may
// arrive wrapped as {"$oid": "..."} and are normalized before use.
func (h *Handler) WorkflowRunComplete(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if !workflowSecretOK(r) {
		writeError(w, http.StatusUnauthorized, "Invalid workflow secret")
		return
	}

	var req struct {
		ScheduledPromptID json.RawMessage `json:"scheduledPromptId"`
		UserID            json.RawMessage `json:"userId"`
		ReportID          json.RawMessage `json:"reportId,omitempty"`
		CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := normalizeStoreID(req.ScheduledPromptID)
	userID := normalizeStoreID(req.UserID)
	if id == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "scheduledPromptId and userId are required")
		return
	}

	if code, msg := h.checkScheduleOwner(id, userID); code != 0 {
		writeError(w, code, msg)
		return
	}

	completedAt := time.Now().UTC()
	if req.CompletedAt != nil {
		completedAt = req.CompletedAt.UTC()
	}

	var reportID *string
	if rid := normalizeStoreID(req.ReportID); rid != "" {
		reportID = &rid
	}

	if err := h.recordScheduledRun(r.Context(), id, completedAt, reportID); err != nil {
		log.Printf("[Schedules][RunComplete] error id=%s userId=%s: %v", id, userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Printf("[Schedules][RunComplete] id=%s userId=%s completedAt=%s", id, userID, completedAt.Format(time.RFC3339))
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
