package plans

// AI platform identifiers used across plans, schedules and reports.
const (
	ModelChatGPT          = "chatgpt"
	ModelPerplexity       = "perplexity"
	ModelGoogleAIOverview = "google_ai_overview"
)

// Plan maps a subscription tier to its monthly credit grant, allowed AI
// platforms and the Stripe price used at checkout.
type Plan struct {
	Key           string
	Name          string
	Credits       int
	AllowedModels []string
	StripePriceID string
}

// Topup is a one-time credit purchase (no plan change).
type Topup struct {
	Key           string
	Credits       int
	StripePriceID string
}

var planCatalog = map[string]Plan{
	"free": {
		Key:           "free",
		Name:          "Free",
		Credits:       10,
		AllowedModels: []string{ModelChatGPT},
	},
	"starter": {
		Key:           "starter",
		Name:          "Starter",
		Credits:       100,
		AllowedModels: []string{ModelChatGPT, ModelPerplexity},
		StripePriceID: "price_starter_monthly",
	},
	"pro": {
		Key:           "pro",
		Name:          "Pro",
		Credits:       300,
		AllowedModels: []string{ModelChatGPT, ModelPerplexity, ModelGoogleAIOverview},
		StripePriceID: "price_pro_monthly",
	},
	"agency": {
		Key:           "agency",
		Name:          "Agency",
		Credits:       1000,
		AllowedModels: []string{ModelChatGPT, ModelPerplexity, ModelGoogleAIOverview},
		StripePriceID: "price_agency_monthly",
	},
}

var topupCatalog = map[string]Topup{
	"small":  {Key: "small", Credits: 50, StripePriceID: "price_topup_small"},
	"medium": {Key: "medium", Credits: 150, StripePriceID: "price_topup_medium"},
	"large":  {Key: "large", Credits: 500, StripePriceID: "price_topup_large"},
}

// ByKey returns the plan for a catalog key (e.g. from Stripe checkout metadata).
func ByKey(key string) (Plan, bool) {
	p, ok := planCatalog[key]
	return p, ok
}

// TopupByKey returns the topup for a catalog key.
func TopupByKey(key string) (Topup, bool) {
	t, ok := topupCatalog[key]
	return t, ok
}

// Free is the tier users land on after subscription deletion and at signup.
func Free() Plan {
	return planCatalog["free"]
}

// AllowsModel reports whether the named plan permits the given AI platform.
// Unknown plans fall back to the free tier policy.
func AllowsModel(planKey, model string) bool {
	p, ok := planCatalog[planKey]
	if !ok {
		p = Free()
	}
	for _, m := range p.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// All returns the catalog in a stable order for listing endpoints.
func All() []Plan {
	keys := []string{"free", "starter", "pro", "agency"}
	out := make([]Plan, 0, len(keys))
	for _, k := range keys {
		out = append(out, planCatalog[k])
	}
	return out
}
