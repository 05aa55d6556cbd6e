package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/lib/pq"

	"github.com/promptlens/backend/internal/models"
	"github.com/promptlens/backend/internal/plans"
)

// ErrInsufficientCredits is returned by debitUser when the balance cannot
// cover the requested amount. No state is mutated in that case.
var ErrInsufficientCredits = errors.New("insufficient credits")

// creditUser grants credits additively via an atomic increment and appends the
// ledger row with the balance the increment returned. Used by renewals and
// topups (grants stack on the existing balance).
func (h *Handler) creditUser(ctx context.Context, userID string, amount int, logType, source, description string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	var balanceAfter int
	err := h.db.QueryRowContext(ctx, `
		UPDATE public.users
		   SET credits = credits + $2
		 WHERE id = $1
		RETURNING credits
	`, userID, amount).Scan(&balanceAfter)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("user %s not found", userID)
	}
	if err != nil {
		return 0, err
	}

	if err := h.appendCreditLog(ctx, h.db, userID, amount, logType, source, description, balanceAfter); err != nil {
		// The grant already landed; surface the append failure but don't undo it.
		log.Printf("[Credits][Grant] log_append_failed userId=%s amount=%d err=%v", userID, amount, err)
		return balanceAfter, err
	}
	return balanceAfter, nil
}

// debitUser spends credits. The balance check and decrement are a single
// conditional statement, so a concurrent debit can never drive the balance
// negative; zero rows affected means the balance was short and nothing moved.
func (h *Handler) debitUser(ctx context.Context, userID string, amount int, source, description string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	var balanceAfter int
	err := h.db.QueryRowContext(ctx, `
		UPDATE public.users
		   SET credits = credits - $2,
		       credits_used = credits_used + $2
		 WHERE id = $1 AND credits >= $2
		RETURNING credits
	`, userID, amount).Scan(&balanceAfter)
	if err == sql.ErrNoRows {
		return 0, ErrInsufficientCredits
	}
	if err != nil {
		return 0, err
	}

	if err := h.appendCreditLog(ctx, h.db, userID, -amount, "spent", source, description, balanceAfter); err != nil {
		log.Printf("[Credits][Debit] log_append_failed userId=%s amount=%d err=%v", userID, amount, err)
		return balanceAfter, err
	}
	return balanceAfter, nil
}

// setUserPlan applies an overwrite-style plan change (subscription created,
// updated or deleted): credits are reset to the plan grant, credits_used is
// zeroed and allowed_models follows the plan policy. The read of the old
// balance and the overwrite happen inside one transaction so the ledger delta
// cannot drift from the balance it records.
func (h *Handler) setUserPlan(ctx context.Context, userID string, plan plans.Plan, status, logType, source string, stripeSubID *string) (int, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var before int
	err = tx.QueryRowContext(ctx, `SELECT credits FROM public.users WHERE id = $1 FOR UPDATE`, userID).Scan(&before)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("user %s not found", userID)
	}
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE public.users
		   SET credits = $2,
		       credits_used = 0,
		       current_plan = $3,
		       subscription_status = $4,
		       allowed_models = $5,
		       stripe_subscription_id = $6
		 WHERE id = $1
	`, userID, plan.Credits, plan.Key, status, pq.Array(plan.AllowedModels), stripeSubID)
	if err != nil {
		return 0, err
	}

	delta := plan.Credits - before
	if delta != 0 {
		desc := fmt.Sprintf("plan set to %s", plan.Key)
		if err := h.appendCreditLog(ctx, tx, userID, delta, logType, source, desc, plan.Credits); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return plan.Credits, nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (h *Handler) appendCreditLog(ctx context.Context, q execQuerier, userID string, amount int, logType, source, description string, balanceAfter int) error {
	id := fmt.Sprintf("clog_%s", randHex(12))
	_, err := q.ExecContext(ctx, `
		INSERT INTO public.credit_logs (id, user_id, amount, type, source, description, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NOW())
	`, id, userID, amount, logType, source, description, balanceAfter)
	return err
}

// GetUserCredits returns the current balance and plan for a user.
func (h *Handler) GetUserCredits(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var credits, used int
	var plan, status string
	var allowed []string
	err := h.db.QueryRow(`
		SELECT credits, credits_used, current_plan, subscription_status, allowed_models
		FROM public.users WHERE id = $1
	`, userID).Scan(&credits, &used, &plan, &status, pq.Array(&allowed))
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		log.Printf("[Credits][Balance] query error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"credits":            credits,
		"creditsUsed":        used,
		"currentPlan":        plan,
		"subscriptionStatus": status,
		"allowedModels":      allowed,
	})
}

// GetCreditHistory returns the user's ledger, newest first.
func (h *Handler) GetCreditHistory(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	limit := parseLimit(r, 50, 1, 200)

	rows, err := h.db.Query(`
		SELECT id, user_id, amount, type, source, description, balance_after, created_at
		FROM public.credit_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		log.Printf("[Credits][History] query error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	logs := make([]models.CreditLog, 0)
	for rows.Next() {
		var l models.CreditLog
		var desc sql.NullString
		if err := rows.Scan(&l.ID, &l.UserID, &l.Amount, &l.Type, &l.Source, &desc, &l.BalanceAfter, &l.CreatedAt); err != nil {
			log.Printf("[Credits][History] scan error userId=%s: %v", userID, err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		l.Description = nullStringPtr(desc)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, logs)
}
