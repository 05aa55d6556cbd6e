package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/promptlens/backend/internal/plans"
)

// Stripe client instance
var stripeClient *client.API

func initStripe() {
	if stripeClient != nil {
		return
	}

	secretKey := os.Getenv("STRIPE_SECRET_KEY")
	if secretKey == "" {
		log.Printf("[Billing] STRIPE_SECRET_KEY not set, Stripe features disabled")
		return
	}

	stripeClient = &client.API{}
	stripeClient.Init(secretKey, nil)
}

// GetBillingPlans returns the static plan catalog.
func (h *Handler) GetBillingPlans(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	type planOut struct {
		Key           string   `json:"key"`
		Name          string   `json:"name"`
		Credits       int      `json:"credits"`
		AllowedModels []string `json:"allowedModels"`
	}
	out := make([]planOut, 0, 4)
	for _, p := range plans.All() {
		out = append(out, planOut{Key: p.Key, Name: p.Name, Credits: p.Credits, AllowedModels: p.AllowedModels})
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateCheckoutSession starts a Stripe Checkout session for a plan
// subscription or a one-time credit topup. The catalog key travels in the
// session metadata and comes back on checkout.session.completed.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	initStripe()
	if stripeClient == nil {
		writeError(w, http.StatusServiceUnavailable, "Stripe not configured")
		return
	}

	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var req struct {
		PlanKey    string `json:"planKey,omitempty"`
		TopupKey   string `json:"topupKey,omitempty"`
		SuccessURL string `json:"successUrl"`
		CancelURL  string `json:"cancelUrl"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if (req.PlanKey == "") == (req.TopupKey == "") {
		writeError(w, http.StatusBadRequest, "exactly one of planKey or topupKey is required")
		return
	}

	customerID, err := h.ensureStripeCustomer(r.Context(), userID)
	if err != nil {
		log.Printf("[Billing][Checkout] customer error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "Failed to resolve customer")
		return
	}

	params := &stripe.CheckoutSessionParams{
		Customer:   stripe.String(customerID),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.AddMetadata("userId", userID)

	if req.PlanKey != "" {
		plan, ok := plans.ByKey(req.PlanKey)
		if !ok || plan.StripePriceID == "" {
			writeError(w, http.StatusBadRequest, "Invalid plan")
			return
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(plan.StripePriceID), Quantity: stripe.Int64(1)},
		}
		params.AddMetadata("planKey", plan.Key)
		// Carried on to customer.subscription.* events for renewal handling.
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"userId": userID, "planKey": plan.Key},
		}
	} else {
		topup, ok := plans.TopupByKey(req.TopupKey)
		if !ok {
			writeError(w, http.StatusBadRequest, "Invalid topup")
			return
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(topup.StripePriceID), Quantity: stripe.Int64(1)},
		}
		params.AddMetadata("topupKey", topup.Key)
		params.AddMetadata("credits", strconv.Itoa(topup.Credits))
	}

	sess, err := stripeClient.CheckoutSessions.New(params)
	if err != nil {
		log.Printf("[Billing][Checkout] session error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "Failed to create checkout session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sess.ID, "url": sess.URL})
}

// CreateBillingPortal opens a Stripe billing portal session for the user's
// stored customer id.
func (h *Handler) CreateBillingPortal(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	initStripe()
	if stripeClient == nil {
		writeError(w, http.StatusServiceUnavailable, "Stripe not configured")
		return
	}

	userID := pathVar(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var req struct {
		ReturnURL string `json:"returnUrl"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var customerID sql.NullString
	err := h.db.QueryRow(`SELECT stripe_customer_id FROM public.users WHERE id = $1`, userID).Scan(&customerID)
	if err == sql.ErrNoRows || (err == nil && !customerID.Valid) {
		writeError(w, http.StatusNotFound, "No billing profile for user")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sess, err := stripeClient.BillingPortalSessions.New(&stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID.String),
		ReturnURL: stripe.String(req.ReturnURL),
	})
	if err != nil {
		log.Printf("[Billing][Portal] session error userId=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "Failed to create portal session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": sess.URL})
}

func (h *Handler) ensureStripeCustomer(ctx context.Context, userID string) (string, error) {
	var customerID sql.NullString
	var email string
	err := h.db.QueryRowContext(ctx, `SELECT stripe_customer_id, email FROM public.users WHERE id = $1`, userID).
		Scan(&customerID, &email)
	if err != nil {
		return "", err
	}
	if customerID.Valid && customerID.String != "" {
		return customerID.String, nil
	}

	customer, err := stripeClient.Customers.New(&stripe.CustomerParams{
		Email: stripe.String(email),
		Params: stripe.Params{
			Metadata: map[string]string{"userId": userID},
		},
	})
	if err != nil {
		return "", err
	}

	_, err = h.db.ExecContext(ctx, `UPDATE public.users SET stripe_customer_id = $2 WHERE id = $1`, userID, customer.ID)
	if err != nil {
		return "", err
	}
	return customer.ID, nil
}

// StripeWebhook handles Stripe webhook events. Signature verification happens
// before any processing; a bad signature is a 400 with no mutation.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	const MaxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[Billing][Webhook] read error: %v", err)
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	webhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if webhookSecret == "" {
		log.Printf("[Billing][Webhook] STRIPE_WEBHOOK_SECRET not set, rejecting")
		writeError(w, http.StatusServiceUnavailable, "Webhook not configured")
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		log.Printf("[Billing][Webhook] missing Stripe-Signature header")
		writeError(w, http.StatusBadRequest, "Missing signature")
		return
	}

	event, err := webhook.ConstructEvent(payload, sig, webhookSecret)
	if err != nil {
		log.Printf("[Billing][Webhook] signature verification error: %v", err)
		writeError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	h.processStripeEvent(r.Context(), event)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// processStripeEvent dispatches a verified event. Sub-handler failures are
// logged and swallowed: Stripe gets a 200 and whatever side effects already
// ran stay applied (no rollback across steps).
func (h *Handler) processStripeEvent(ctx context.Context, event stripe.Event) {
	eventID := fmt.Sprintf("evt_%s", event.ID)
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO public.billing_events (id, stripe_event_id, stripe_event_type, data, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (stripe_event_id) DO NOTHING
	`, eventID, event.ID, event.Type, event.Data.Raw)
	if err != nil {
		log.Printf("[Billing][Webhook] event save error: %v", err)
	}

	switch event.Type {
	case "checkout.session.completed":
		h.handleCheckoutCompleted(ctx, event)

	case "customer.subscription.created", "customer.subscription.updated":
		h.handleSubscriptionEvent(ctx, event)
	case "customer.subscription.deleted":
		h.handleSubscriptionDeleted(ctx, event)

	case "invoice.payment_succeeded":
		h.handlePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		h.handlePaymentFailed(ctx, event)

	default:
		log.Printf("[Billing][Webhook] unhandled event type: %s", event.Type)
	}
}

// handleCheckoutCompleted grants credits for a finished checkout. Subscription
// checkouts ADD the plan grant to the existing balance (renewals and upgrades
// top up); the overwrite-style reset is left to customer.subscription.updated.
func (h *Handler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		log.Printf("[Billing][Checkout] unmarshal error: %v", err)
		return
	}

	userID := sess.Metadata["userId"]
	if userID == "" {
		log.Printf("[Billing][Checkout] missing userId metadata session=%s", sess.ID)
		return
	}

	switch sess.Mode {
	case stripe.CheckoutSessionModeSubscription:
		planKey := sess.Metadata["planKey"]
		plan, ok := plans.ByKey(planKey)
		if !ok {
			log.Printf("[Billing][Checkout] unknown planKey=%q session=%s", planKey, sess.ID)
			return
		}

		balance, err := h.creditUser(ctx, userID, plan.Credits, "purchased", "subscription",
			fmt.Sprintf("%s plan checkout", plan.Key))
		if err != nil {
			log.Printf("[Billing][Checkout] credit error userId=%s: %v", userID, err)
			return
		}

		var subID, custID *string
		if sess.Subscription != nil {
			subID = &sess.Subscription.ID
		}
		if sess.Customer != nil {
			custID = &sess.Customer.ID
		}
		_, err = h.db.ExecContext(ctx, `
			UPDATE public.users
			   SET current_plan = $2,
			       subscription_status = 'active',
			       allowed_models = $3,
			       stripe_customer_id = COALESCE($4, stripe_customer_id),
			       stripe_subscription_id = COALESCE($5, stripe_subscription_id)
			 WHERE id = $1
		`, userID, plan.Key, pq.Array(plan.AllowedModels), custID, subID)
		if err != nil {
			log.Printf("[Billing][Checkout] plan update error userId=%s: %v", userID, err)
			return
		}
		log.Printf("[Billing][Checkout] subscription userId=%s plan=%s balance=%d", userID, plan.Key, balance)

	case stripe.CheckoutSessionModePayment:
		credits := 0
		if topup, ok := plans.TopupByKey(sess.Metadata["topupKey"]); ok {
			credits = topup.Credits
		} else if raw := sess.Metadata["credits"]; raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				credits = n
			}
		}
		if credits <= 0 {
			log.Printf("[Billing][Checkout] topup without credit metadata session=%s", sess.ID)
			return
		}

		balance, err := h.creditUser(ctx, userID, credits, "purchased", "topup", "credit topup checkout")
		if err != nil {
			log.Printf("[Billing][Checkout] topup credit error userId=%s: %v", userID, err)
			return
		}
		log.Printf("[Billing][Checkout] topup userId=%s credits=%d balance=%d", userID, credits, balance)

	default:
		log.Printf("[Billing][Checkout] unhandled mode=%s session=%s", sess.Mode, sess.ID)
	}
}

// handleSubscriptionEvent applies renewal/plan-change events. Unlike checkout
// completion this OVERWRITES the balance to the plan grant and zeroes
// credits_used: the period rolled over, it did not stack.
func (h *Handler) handleSubscriptionEvent(ctx context.Context, event stripe.Event) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		log.Printf("[Billing][SubscriptionEvent] unmarshal error: %v", err)
		return
	}

	userID, err := h.resolveSubscriptionUser(ctx, sub)
	if err != nil {
		log.Printf("[Billing][SubscriptionEvent] user lookup error sub=%s: %v", sub.ID, err)
		return
	}

	plan, ok := plans.ByKey(sub.Metadata["planKey"])
	if !ok {
		log.Printf("[Billing][SubscriptionEvent] unknown planKey=%q sub=%s", sub.Metadata["planKey"], sub.ID)
		return
	}

	subID := sub.ID
	if _, err := h.setUserPlan(ctx, userID, plan, "active", "earned", "subscription", &subID); err != nil {
		log.Printf("[Billing][SubscriptionEvent] plan set error userId=%s: %v", userID, err)
		return
	}
	log.Printf("[Billing][SubscriptionEvent] userId=%s plan=%s credits=%d", userID, plan.Key, plan.Credits)
}

// handleSubscriptionDeleted drops the user to the free tier with a zero
// balance. The free signup grant does not reapply here.
func (h *Handler) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		log.Printf("[Billing][SubscriptionDeleted] unmarshal error: %v", err)
		return
	}

	userID, err := h.resolveSubscriptionUser(ctx, sub)
	if err != nil {
		log.Printf("[Billing][SubscriptionDeleted] user lookup error sub=%s: %v", sub.ID, err)
		return
	}

	free := plans.Free()
	free.Credits = 0
	if _, err := h.setUserPlan(ctx, userID, free, "canceled", "spent", "subscription", nil); err != nil {
		log.Printf("[Billing][SubscriptionDeleted] reset error userId=%s: %v", userID, err)
		return
	}
	log.Printf("[Billing][SubscriptionDeleted] userId=%s reset to free", userID)
}

func (h *Handler) handlePaymentSucceeded(ctx context.Context, event stripe.Event) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		log.Printf("[Billing][PaymentSucceeded] unmarshal error: %v", err)
		return
	}
	if invoice.Customer == nil {
		return
	}

	_, err := h.db.ExecContext(ctx, `
		UPDATE public.users SET subscription_status = 'active'
		WHERE stripe_customer_id = $1 AND subscription_status = 'past_due'
	`, invoice.Customer.ID)
	if err != nil {
		log.Printf("[Billing][PaymentSucceeded] update error customer=%s: %v", invoice.Customer.ID, err)
	}
}

func (h *Handler) handlePaymentFailed(ctx context.Context, event stripe.Event) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		log.Printf("[Billing][PaymentFailed] unmarshal error: %v", err)
		return
	}
	if invoice.Customer == nil {
		return
	}

	_, err := h.db.ExecContext(ctx, `
		UPDATE public.users SET subscription_status = 'past_due'
		WHERE stripe_customer_id = $1
	`, invoice.Customer.ID)
	if err != nil {
		log.Printf("[Billing][PaymentFailed] update error customer=%s: %v", invoice.Customer.ID, err)
	}
	log.Printf("[Billing][PaymentFailed] invoice=%s customer=%s", invoice.ID, invoice.Customer.ID)
}

// resolveSubscriptionUser finds the user a subscription event belongs to,
// preferring the metadata stamped at checkout and falling back to the stored
// customer id.
func (h *Handler) resolveSubscriptionUser(ctx context.Context, sub stripe.Subscription) (string, error) {
	if id := strings.TrimSpace(sub.Metadata["userId"]); id != "" {
		return id, nil
	}
	if sub.Customer == nil {
		return "", fmt.Errorf("subscription %s has no customer", sub.ID)
	}
	var userID string
	err := h.db.QueryRowContext(ctx, `
		SELECT id FROM public.users WHERE stripe_customer_id = $1
	`, sub.Customer.ID).Scan(&userID)
	return userID, err
}
