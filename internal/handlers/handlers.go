package handlers

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/promptlens/backend/internal/models"
	"github.com/promptlens/backend/internal/plans"
)

type Handler struct {
	db *sql.DB
	rt *realtimeHub
}

func New(db *sql.DB) *Handler {
	return &Handler{db: db, rt: newRealtimeHub()}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// CreateUser upserts a user record. New users start on the free tier with its
// credit grant; the upsert avoids clobbering billing state for returning users
// whose OAuth callback only carries identity fields.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var user models.User
	if err := decodeJSON(r, &user); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(user.ID) == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	free := plans.Free()
	query := `
		INSERT INTO public.users
			(id, email, name, credits, credits_used, current_plan, subscription_status, allowed_models, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, 'inactive', $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			email = COALESCE(NULLIF(EXCLUDED.email, ''), public.users.email),
			name = COALESCE(NULLIF(EXCLUDED.name, ''), public.users.name)
		RETURNING id, email, name, credits, credits_used, current_plan, subscription_status,
		          allowed_models, stripe_customer_id, stripe_subscription_id, created_at
	`

	var stripeCust, stripeSub sql.NullString
	err := h.db.QueryRow(query, user.ID, user.Email, user.Name, free.Credits, free.Key, pq.Array(free.AllowedModels)).
		Scan(&user.ID, &user.Email, &user.Name, &user.Credits, &user.CreditsUsed,
			&user.CurrentPlan, &user.SubscriptionStatus, pq.Array(&user.AllowedModels),
			&stripeCust, &stripeSub, &user.CreatedAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	user.StripeCustomerID = nullStringPtr(stripeCust)
	user.StripeSubscriptionID = nullStringPtr(stripeSub)

	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")

	user, err := h.loadUser(id)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) loadUser(id string) (models.User, error) {
	var user models.User
	var stripeCust, stripeSub sql.NullString
	err := h.db.QueryRow(`
		SELECT id, email, name, credits, credits_used, current_plan, subscription_status,
		       allowed_models, stripe_customer_id, stripe_subscription_id, created_at
		FROM public.users WHERE id = $1
	`, id).Scan(&user.ID, &user.Email, &user.Name, &user.Credits, &user.CreditsUsed,
		&user.CurrentPlan, &user.SubscriptionStatus, pq.Array(&user.AllowedModels),
		&stripeCust, &stripeSub, &user.CreatedAt)
	if err != nil {
		return user, err
	}
	user.StripeCustomerID = nullStringPtr(stripeCust)
	user.StripeSubscriptionID = nullStringPtr(stripeSub)
	return user, nil
}

func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")

	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Billing fields are only mutated by webhook/ledger paths, never by profile updates.
	res, err := h.db.Exec(`
		UPDATE public.users SET email = $2, name = $3 WHERE id = $1
	`, id, req.Email, req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	user, err := h.loadUser(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) CreateBrand(w http.ResponseWriter, r *http.Request) {
	var brand models.Brand
	if err := decodeJSON(r, &brand); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(brand.UserID) == "" || strings.TrimSpace(brand.Name) == "" {
		writeError(w, http.StatusBadRequest, "userId and name are required")
		return
	}
	if brand.ID == "" {
		brand.ID = fmt.Sprintf("brand_%s", randHex(12))
	}

	err := h.db.QueryRow(`
		INSERT INTO public.brands (id, user_id, name, url, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, user_id, name, url, created_at
	`, brand.ID, brand.UserID, brand.Name, brand.URL).
		Scan(&brand.ID, &brand.UserID, &brand.Name, &brand.URL, &brand.CreatedAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, brand)
}

func (h *Handler) ListBrandsForUser(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	rows, err := h.db.Query(`
		SELECT id, user_id, name, url, created_at
		FROM public.brands
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	brands := make([]models.Brand, 0)
	for rows.Next() {
		var b models.Brand
		if err := rows.Scan(&b.ID, &b.UserID, &b.Name, &b.URL, &b.CreatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		brands = append(brands, b)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, brands)
}

// DeleteBrandForUser removes a brand and cascades to the user's reports and
// scheduled prompts referencing it. The user_id filter on the cascade keeps a
// colliding brand id from touching another user's rows.
func (h *Handler) DeleteBrandForUser(w http.ResponseWriter, r *http.Request) {
	brandID := pathVar(r, "brandId")
	userID := pathVar(r, "userId")
	if brandID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "brandId and userId are required")
		return
	}

	tx, err := h.db.Begin()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`DELETE FROM public.brands WHERE id = $1 AND user_id = $2`, brandID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		writeError(w, http.StatusNotFound, "Brand not found")
		return
	}

	if _, err := tx.Exec(`DELETE FROM public.reports WHERE brand_id = $1 AND user_id = $2`, brandID, userID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := tx.Exec(`DELETE FROM public.scheduled_prompts WHERE brand_id = $1 AND user_id = $2`, brandID, userID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func parseLimit(r *http.Request, def, min, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func randHex(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func nullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		return &ns.String
	}
	return nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}
