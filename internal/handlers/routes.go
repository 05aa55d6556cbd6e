package handlers

import (
	"github.com/gorilla/mux"
)

// RegisterBillingRoutes registers all billing-related routes
func RegisterBillingRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/api/billing/plans", h.GetBillingPlans).Methods("GET")
	r.HandleFunc("/api/billing/checkout/user/{userId}", h.CreateCheckoutSession).Methods("POST")
	r.HandleFunc("/api/billing/portal/user/{userId}", h.CreateBillingPortal).Methods("POST")

	// Stripe webhook endpoint
	r.HandleFunc("/webhook/stripe", h.StripeWebhook).Methods("POST")
}
