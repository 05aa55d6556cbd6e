package models

import "time"

type User struct {
	ID                   string     `json:"id"`
	Email                string     `json:"email"`
	Name                 string     `json:"name"`
	Credits              int        `json:"credits"`
	CreditsUsed          int        `json:"creditsUsed"`
	CurrentPlan          string     `json:"currentPlan"`
	SubscriptionStatus   string     `json:"subscriptionStatus"`
	AllowedModels        []string   `json:"allowedModels"`
	StripeCustomerID     *string    `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID *string    `json:"stripeSubscriptionId,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
}

type Brand struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	URL       *string   `json:"url,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreditLog rows are append-only; balance_after is captured at write time and
// never recomputed.
type CreditLog struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Amount       int       `json:"amount"`
	Type         string    `json:"type"`
	Source       string    `json:"source"`
	Description  *string   `json:"description,omitempty"`
	BalanceAfter int       `json:"balanceAfter"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Report struct {
	ID                string          `json:"id"`
	UserID            string          `json:"userId"`
	BrandID           *string         `json:"brandId,omitempty"`
	BrandName         string          `json:"brandName"`
	BrandURL          *string         `json:"brandUrl,omitempty"`
	Status            string          `json:"status"`
	ReportData        map[string]any  `json:"reportData,omitempty"`
	Progress          map[string]any  `json:"progress,omitempty"`
	Stats             map[string]any  `json:"stats,omitempty"`
	PromptsCount      int             `json:"promptsCount"`
	AIModels          []string        `json:"aiModels"`
	ShareToken        *string         `json:"shareToken,omitempty"`
	IsShared          bool            `json:"isShared"`
	ScheduledPromptID *string         `json:"scheduledPromptId,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

type SchedulePrompt struct {
	Text                string `json:"text"`
	Category            string `json:"category"`
	CategoryDescription string `json:"categoryDescription,omitempty"`
	PromptIndex         int    `json:"promptIndex"`
}

type ScheduledPrompt struct {
	ID                string           `json:"id"`
	UserID            string           `json:"userId"`
	BrandID           *string          `json:"brandId,omitempty"`
	BrandName         string           `json:"brandName"`
	BrandURL          *string          `json:"brandUrl,omitempty"`
	Prompts           []SchedulePrompt `json:"prompts"`
	AIModels          []string         `json:"aiModels"`
	ScheduleFrequency string           `json:"scheduleFrequency"`
	IsActive          bool             `json:"isActive"`
	LastRun           *time.Time       `json:"lastRun,omitempty"`
	NextRun           *time.Time       `json:"nextRun,omitempty"`
	LastReportID      *string          `json:"lastReportId,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}
