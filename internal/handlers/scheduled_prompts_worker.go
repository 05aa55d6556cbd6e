package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/promptlens/backend/internal/analysis"
	"github.com/promptlens/backend/internal/models"
)

type dispatchFunc func(ctx context.Context, req analysis.Request) error

// processDueScheduledPromptsOnce claims due schedules and hands each one to
// the workflow engine.
//
// Claiming is done by setting scheduled_prompts.dispatch_job_id so concurrent
// instances don't dispatch the same schedule twice; the completion callback
// clears the claim when it records the run.
func (h *Handler) processDueScheduledPromptsOnce(ctx context.Context, limit int, dispatch dispatchFunc) (int, error) {
	if h == nil || h.db == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 25
	}
	if dispatch == nil {
		dispatch = func(ctx context.Context, req analysis.Request) error { return nil }
	}

	type cand struct {
		id     string
		userID string
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT id, user_id
		  FROM public.scheduled_prompts
		 WHERE is_active = TRUE
		   AND (next_run IS NULL OR next_run <= NOW())
		   AND dispatch_job_id IS NULL
		 ORDER BY next_run ASC NULLS FIRST
		 LIMIT $1
	`, limit)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	cands := make([]cand, 0)
	for rows.Next() {
		var c cand
		if err := rows.Scan(&c.id, &c.userID); err != nil {
			return 0, err
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(cands) == 0 {
		return 0, nil
	}

	dispatched := 0
	for _, c := range cands {
		jobID := fmt.Sprintf("disp_%s", randHex(12))

		res, err := h.db.ExecContext(ctx, `
			UPDATE public.scheduled_prompts
			   SET dispatch_job_id = $3,
			       dispatch_error = NULL,
			       updated_at = NOW()
			 WHERE id = $1
			   AND user_id = $2
			   AND is_active = TRUE
			   AND (next_run IS NULL OR next_run <= NOW())
			   AND dispatch_job_id IS NULL
		`, c.id, c.userID, jobID)
		if err != nil {
			log.Printf("[ScheduledPrompts] claim_failed id=%s userId=%s err=%v", c.id, c.userID, err)
			continue
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			log.Printf("[ScheduledPrompts] claim_skipped id=%s userId=%s reason=not_due_or_already_claimed", c.id, c.userID)
			continue
		}

		// Load the full schedule only after we hold the claim.
		var brandID, brandURL *string
		var brandName string
		var rawPrompts []byte
		var aiModels []string
		if err := h.db.QueryRowContext(ctx, `
			SELECT brand_id, brand_name, brand_url, prompts, ai_models
			  FROM public.scheduled_prompts
			 WHERE id = $1 AND user_id = $2 AND dispatch_job_id = $3
		`, c.id, c.userID, jobID).Scan(&brandID, &brandName, &brandURL, &rawPrompts, pq.Array(&aiModels)); err != nil {
			h.releaseDispatchClaim(ctx, c.id, c.userID, jobID, "load_failed")
			log.Printf("[ScheduledPrompts] load_failed id=%s userId=%s jobId=%s err=%v", c.id, c.userID, jobID, err)
			continue
		}

		var prompts []models.SchedulePrompt
		_ = json.Unmarshal(rawPrompts, &prompts)
		if len(prompts) == 0 {
			h.releaseDispatchClaim(ctx, c.id, c.userID, jobID, "empty_prompts")
			log.Printf("[ScheduledPrompts] skipped id=%s userId=%s reason=empty_prompts", c.id, c.userID)
			continue
		}
		if len(aiModels) == 0 {
			h.releaseDispatchClaim(ctx, c.id, c.userID, jobID, "missing_models")
			log.Printf("[ScheduledPrompts] skipped id=%s userId=%s reason=missing_models", c.id, c.userID)
			continue
		}

		// In-progress stub the completion callback will finalize.
		reportID := fmt.Sprintf("rep_%s", randHex(12))
		_, err = h.db.ExecContext(ctx, `
			INSERT INTO public.reports
				(id, user_id, brand_id, brand_name, brand_url, status, prompts_count,
				 ai_models, scheduled_prompt_id, is_shared, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'in-progress', $6, $7, $8, FALSE, NOW(), NOW())
		`, reportID, c.userID, brandID, brandName, brandURL, len(prompts), pq.Array(aiModels), c.id)
		if err != nil {
			h.releaseDispatchClaim(ctx, c.id, c.userID, jobID, truncate(err.Error(), 300))
			log.Printf("[ScheduledPrompts] stub_failed id=%s userId=%s jobId=%s err=%v", c.id, c.userID, jobID, err)
			continue
		}

		req := analysis.Request{
			ScheduledPromptID: c.id,
			UserID:            c.userID,
			BrandID:           brandID,
			BrandName:         brandName,
			BrandURL:          brandURL,
			ReportID:          reportID,
			AIModels:          aiModels,
			Source:            "scheduled_prompt",
		}
		for _, p := range prompts {
			req.Prompts = append(req.Prompts, analysis.Prompt{Text: p.Text, Category: p.Category, PromptIndex: p.PromptIndex})
		}

		if err := dispatch(ctx, req); err != nil {
			// Nothing ran downstream; drop the stub and free the claim so the
			// next pass retries.
			_, _ = h.db.ExecContext(ctx, `DELETE FROM public.reports WHERE id = $1 AND user_id = $2 AND status = 'in-progress'`, reportID, c.userID)
			h.releaseDispatchClaim(ctx, c.id, c.userID, jobID, truncate(err.Error(), 300))
			log.Printf("[ScheduledPrompts] dispatch_failed id=%s userId=%s jobId=%s err=%v", c.id, c.userID, jobID, err)
			continue
		}

		dispatched++
		log.Printf("[ScheduledPrompts] dispatched id=%s userId=%s jobId=%s reportId=%s models=%v prompts=%d",
			c.id, c.userID, jobID, reportID, aiModels, len(prompts))
		h.emitEvent(c.userID, realtimeEvent{
			Type:       "report.updated",
			ReportID:   reportID,
			ScheduleID: c.id,
			Status:     "in-progress",
		})
	}

	return dispatched, nil
}

func (h *Handler) releaseDispatchClaim(ctx context.Context, id, userID, jobID, reason string) {
	_, _ = h.db.ExecContext(ctx, `
		UPDATE public.scheduled_prompts
		   SET dispatch_job_id = NULL,
		       dispatch_error = $4,
		       updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND dispatch_job_id = $3
	`, id, userID, jobID, reason)
}

// RunScheduledPromptDispatcher polls for due schedules until ctx is done.
func (h *Handler) RunScheduledPromptDispatcher(ctx context.Context, interval time.Duration, d *analysis.Dispatcher) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[ScheduledPrompts] dispatcher started (interval=%s)", interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[ScheduledPrompts] dispatcher stopped")
			return
		case <-ticker.C:
			n, err := h.processDueScheduledPromptsOnce(ctx, 25, d.Dispatch)
			if err != nil {
				log.Printf("[ScheduledPrompts] pass_failed err=%v", err)
				continue
			}
			if n > 0 {
				log.Printf("[ScheduledPrompts] pass_done dispatched=%d", n)
			}
		}
	}
}
