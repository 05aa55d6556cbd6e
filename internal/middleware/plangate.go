package middleware

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/lib/pq"

	"github.com/promptlens/backend/internal/plans"
)

// PlanGate rejects requests that name an AI platform the user's plan does not
// allow. It inspects JSON bodies of report/schedule mutations for an aiModels
// field and compares against the allowed_models stored on the user.
type PlanGate struct {
	DB *sql.DB
}

func NewPlanGate(db *sql.DB) *PlanGate {
	return &PlanGate{DB: db}
}

func (g *PlanGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.shouldCheck(r) {
			next.ServeHTTP(w, r)
			return
		}

		userID := extractUserID(r)
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Read and restore the body; handlers decode it again downstream.
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var probe struct {
			AIModels []string `json:"aiModels"`
		}
		if err := json.Unmarshal(body, &probe); err != nil || len(probe.AIModels) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		allowed, plan, err := g.allowedModels(userID)
		if err != nil {
			// Unknown user or lookup failure: fall back to the free-tier policy.
			plan = plans.Free().Key
			allowed = plans.Free().AllowedModels
		}

		for _, m := range probe.AIModels {
			if !contains(allowed, m) {
				g.respondModelNotAllowed(w, plan, m)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (g *PlanGate) shouldCheck(r *http.Request) bool {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/reports") ||
		strings.HasPrefix(r.URL.Path, "/api/scheduled-prompts")
}

// extractUserID pulls the user id from path segments like .../user/{userId}.
func extractUserID(r *http.Request) string {
	parts := strings.Split(r.URL.Path, "/")
	for i, part := range parts {
		if part == "user" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func (g *PlanGate) allowedModels(userID string) ([]string, string, error) {
	var allowed []string
	var plan string
	err := g.DB.QueryRow(`
		SELECT allowed_models, current_plan FROM public.users WHERE id = $1
	`, userID).Scan(pq.Array(&allowed), &plan)
	return allowed, plan, err
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (g *PlanGate) respondModelNotAllowed(w http.ResponseWriter, plan, model string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)

	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":       "model_not_allowed",
		"message":     "Your current plan does not include this AI platform",
		"plan":        plan,
		"model":       model,
		"upgrade_url": "/account/billing",
	})
}
