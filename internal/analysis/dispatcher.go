// Package analysis hands prompt-analysis work to the external workflow engine.
// The backend never calls AI platforms itself; it posts a request payload to
// the engine's webhook and waits for the completion callback.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Request is the payload posted to the workflow engine for one scheduled run.
type Request struct {
	ScheduledPromptID string   `json:"scheduledPromptId"`
	UserID            string   `json:"userId"`
	BrandID           *string  `json:"brandId,omitempty"`
	BrandName         string   `json:"brandName"`
	BrandURL          *string  `json:"brandUrl,omitempty"`
	ReportID          string   `json:"reportId"`
	Prompts           []Prompt `json:"prompts"`
	AIModels          []string `json:"aiModels"`
	Source            string   `json:"source"`
}

type Prompt struct {
	Text        string `json:"text"`
	Category    string `json:"category,omitempty"`
	PromptIndex int    `json:"promptIndex"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultRateLimits keeps dispatch volume per AI platform under the quotas the
// downstream workflow runs against. Override via env per platform.
func DefaultRateLimits() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		"chatgpt":            {RequestsPerSecond: 2, Burst: 4},
		"perplexity":         {RequestsPerSecond: 1, Burst: 2},
		"google_ai_overview": {RequestsPerSecond: 0.5, Burst: 1},
	}
}

// Env vars, e.g.:
// ANALYSIS_CHATGPT_RPS=0.5
// ANALYSIS_CHATGPT_BURST=2
func rateLimitFromEnv(platform string, def RateLimitConfig) RateLimitConfig {
	prefix := "ANALYSIS_" + strings.ToUpper(platform) + "_"
	if v := os.Getenv(prefix + "RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			def.RequestsPerSecond = f
		}
	}
	if v := os.Getenv(prefix + "BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			def.Burst = n
		}
	}
	return def
}

// Dispatcher posts analysis requests to the workflow engine webhook, pacing
// per-platform with a token bucket so a burst of due schedules doesn't blow
// the engine's own upstream quotas.
type Dispatcher struct {
	WebhookURL string
	Secret     string
	Client     *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewDispatcher(webhookURL, secret string) *Dispatcher {
	return &Dispatcher{
		WebhookURL: webhookURL,
		Secret:     secret,
		Client:     &http.Client{Timeout: 30 * time.Second},
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (d *Dispatcher) limiterFor(platform string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.limiters[platform]; ok {
		return l
	}
	cfg, ok := DefaultRateLimits()[platform]
	if !ok {
		cfg = RateLimitConfig{RequestsPerSecond: 1, Burst: 1}
	}
	cfg = rateLimitFromEnv(platform, cfg)
	l := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	d.limiters[platform] = l
	return l
}

// Dispatch blocks on each requested platform's limiter, then posts the request.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	if strings.TrimSpace(d.WebhookURL) == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	for _, platform := range req.AIModels {
		if err := d.limiterFor(platform).Wait(ctx); err != nil {
			return err
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.Secret != "" {
		httpReq.Header.Set("X-Workflow-Secret", d.Secret)
	}

	resp, err := d.Client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
