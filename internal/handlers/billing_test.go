package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stripe/stripe-go/v79"
)

func TestStripeWebhook_NoSecretConfigured(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db)
	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()

	h.StripeWebhook(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
}

func TestStripeWebhook_MissingSignature(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db)
	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()

	h.StripeWebhook(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestStripeWebhook_BadSignatureNoMutation(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db)
	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", bytes.NewBufferString(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=12345,v1=deadbeef")
	rec := httptest.NewRecorder()

	h.StripeWebhook(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	// No expectations were declared: a rejected signature must not touch the DB.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func stripeEvent(id, eventType, raw string) stripe.Event {
	return stripe.Event{
		ID:   id,
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: json.RawMessage(raw)},
	}
}

func expectEventSaved(mock sqlmock.Sqlmock, eventID, eventType string) {
	mock.ExpectExec(`INSERT INTO public\.billing_events`).
		WithArgs("evt_"+eventID, eventID, eventType, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestProcessStripeEvent_CheckoutTopupGrantsAdditively(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db)
	event := stripeEvent("ev_topup", "checkout.session.completed",
		`{"id":"cs_1","mode":"payment","metadata":{"userId":"u1","topupKey":"small"}}`)

	expectEventSaved(mock, "ev_topup", "checkout.session.completed")
	mock.ExpectQuery(`UPDATE public\.users SET credits = credits \+ \$2 WHERE id = \$1 RETURNING credits`).
		WithArgs("u1", 50).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(170))
	mock.ExpectExec(`INSERT INTO public\.credit_logs`).
		WithArgs(sqlmock.AnyArg(), "u1", 50, "purchased", "topup", "credit topup checkout", 170).
		WillReturnResult(sqlmock.NewResult(0, 1))

	h.processStripeEvent(context.Background(), event)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestProcessStripeEvent_SubscriptionCheckoutStacksPlanGrant(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db)
	event := stripeEvent("ev_checkout", "checkout.session.completed",
		`{"id":"cs_2","mode":"subscription","customer":"cus_1","subscription":"sub_1","metadata":{"userId":"u1","planKey":"starter"}}`)

	expectEventSaved(mock, "ev_checkout", "checkout.session.completed")
	// Checkout adds the grant on top of whatever is left; the overwrite-style
	// reset belongs to customer.subscription.updated.
	mock.ExpectQuery(`UPDATE public\.users SET credits = credits \+ \$2 WHERE id = \$1 RETURNING credits`).
		WithArgs("u1", 100).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(107))
	mock.ExpectExec(`INSERT INTO public\.credit_logs`).
		WithArgs(sqlmock.AnyArg(), "u1", 100, "purchased", "subscription", "starter plan checkout", 107).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE public\.users SET current_plan = \$2, subscription_status = 'active'`).
		WithArgs("u1", "starter", sqlmock.AnyArg(), "cus_1", "sub_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	h.processStripeEvent(context.Background(), event)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestProcessStripeEvent_SubscriptionUpdatedOverwritesPlan(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db)
	event := stripeEvent("ev_sub", "customer.subscription.updated",
		`{"id":"sub_1","metadata":{"userId":"u1","planKey":"starter"}}`)

	expectEventSaved(mock, "ev_sub", "customer.subscription.updated")
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT credits FROM public\.users WHERE id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(30))
	mock.ExpectExec(`UPDATE public\.users SET credits = \$2, credits_used = 0, current_plan = \$3`).
		WithArgs("u1", 100, "starter", "active", sqlmock.AnyArg(), "sub_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO public\.credit_logs`).
		WithArgs(sqlmock.AnyArg(), "u1", 70, "earned", "subscription", "plan set to starter", 100).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	h.processStripeEvent(context.Background(), event)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestProcessStripeEvent_SubscriptionDeletedResetsToFreeZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db)
	event := stripeEvent("ev_del", "customer.subscription.deleted",
		`{"id":"sub_1","metadata":{"userId":"u1"}}`)

	expectEventSaved(mock, "ev_del", "customer.subscription.deleted")
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT credits FROM public\.users WHERE id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(120))
	// Cancellation lands on the free tier with zero credits; the free signup
	// grant does not reapply.
	mock.ExpectExec(`UPDATE public\.users SET credits = \$2, credits_used = 0, current_plan = \$3`).
		WithArgs("u1", 0, "free", "canceled", sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO public\.credit_logs`).
		WithArgs(sqlmock.AnyArg(), "u1", -120, "spent", "subscription", "plan set to free", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	h.processStripeEvent(context.Background(), event)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestProcessStripeEvent_PaymentFailedMarksPastDue(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db)
	event := stripeEvent("ev_fail", "invoice.payment_failed",
		`{"id":"in_1","customer":"cus_1"}`)

	expectEventSaved(mock, "ev_fail", "invoice.payment_failed")
	mock.ExpectExec(`UPDATE public\.users SET subscription_status = 'past_due' WHERE stripe_customer_id = \$1`).
		WithArgs("cus_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	h.processStripeEvent(context.Background(), event)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestProcessStripeEvent_PaymentSucceededRecoversPastDue(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db)
	event := stripeEvent("ev_paid", "invoice.payment_succeeded",
		`{"id":"in_2","customer":"cus_1"}`)

	expectEventSaved(mock, "ev_paid", "invoice.payment_succeeded")
	mock.ExpectExec(`UPDATE public\.users SET subscription_status = 'active' WHERE stripe_customer_id = \$1 AND subscription_status = 'past_due'`).
		WithArgs("cus_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	h.processStripeEvent(context.Background(), event)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestResolveSubscriptionUser_FallsBackToCustomerLookup(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db)

	var sub stripe.Subscription
	if err := json.Unmarshal([]byte(`{"id":"sub_2","customer":"cus_9"}`), &sub); err != nil {
		t.Fatalf("unmarshal subscription: %v", err)
	}

	mock.ExpectQuery(`SELECT id FROM public\.users WHERE stripe_customer_id = \$1`).
		WithArgs("cus_9").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u9"))

	userID, err := h.resolveSubscriptionUser(context.Background(), sub)
	if err != nil {
		t.Fatalf("resolveSubscriptionUser err=%v", err)
	}
	if userID != "u9" {
		t.Fatalf("expected u9 got %q", userID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestGetBillingPlans_ListsCatalog(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db)
	req := httptest.NewRequest(http.MethodGet, "/api/billing/plans", nil)
	rec := httptest.NewRecorder()

	h.GetBillingPlans(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}

	var out []struct {
		Key     string `json:"key"`
		Credits int    `json:"credits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(out) != 4 || out[0].Key != "free" || out[0].Credits != 10 {
		t.Fatalf("unexpected catalog: %+v", out)
	}
}
