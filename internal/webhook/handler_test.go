package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/clearing/internal/database"
	"github.com/dukerupert/clearing/internal/model"
	"github.com/dukerupert/clearing/internal/reconcile"
	"github.com/dukerupert/clearing/internal/store"
	"github.com/dukerupert/clearing/internal/stripeclient"
)

const testWebhookSecret = "whsec_test_secret"

type webhookEnv struct {
	handler      *Handler
	memberships  *store.MembershipStore
	transactions *store.TransactionStore
}

func setupWebhookEnv(t *testing.T) *webhookEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ms := store.NewMembershipStore(db)
	ts := store.NewTransactionStore(db)
	ps := store.NewPaymentPlanStore(db)
	os := store.NewOutboxStore(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := reconcile.New(db, ms, ts, ps, os, logger)

	sc := stripeclient.NewClient(stripeclient.Config{WebhookSecret: testWebhookSecret})
	return &webhookEnv{
		handler:      NewHandler(sc, rec, logger),
		memberships:  ms,
		transactions: ts,
	}
}

// signPayload produces a Stripe-Signature header for the given body,
// matching the scheme the SDK verifies: HMAC-SHA256 over "<ts>.<body>".
func signPayload(body string, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func (env *webhookEnv) post(t *testing.T, body, sigHeader string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	if sigHeader != "" {
		req.Header.Set("Stripe-Signature", sigHeader)
	}
	w := httptest.NewRecorder()
	env.handler.HandleStripeWebhook(w, req)
	return w
}

func eventJSON(eventType string, object string) string {
	return fmt.Sprintf(`{"id":"evt_1","type":"%s","data":{"object":%s}}`, eventType, object)
}

func TestWebhookMissingSignature(t *testing.T) {
	env := setupWebhookEnv(t)

	w := env.post(t, eventJSON("checkout.session.completed", "{}"), "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWebhookInvalidSignature(t *testing.T) {
	env := setupWebhookEnv(t)

	body := eventJSON("checkout.session.completed",
		`{"id":"cs_1","amount_total":175000,"currency":"usd","customer":"cus_123"}`)
	sig := signPayload(body, testWebhookSecret)

	// Body altered after signing must be rejected before any parsing.
	w := env.post(t, body+" ", sig)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if n, _ := env.transactions.CountByPaymentIntent("pi_123"); n != 0 {
		t.Error("rejected event must not write the ledger")
	}
}

func TestWebhookWrongSecret(t *testing.T) {
	env := setupWebhookEnv(t)

	body := eventJSON("checkout.session.completed", "{}")
	w := env.post(t, body, signPayload(body, "whsec_other"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWebhookCheckoutCompleted(t *testing.T) {
	env := setupWebhookEnv(t)
	env.memberships.Create("user-1", "alice@example.com", "cus_123", model.MembershipTrialing)

	body := eventJSON("checkout.session.completed", `{
		"id": "cs_1",
		"mode": "subscription",
		"amount_total": 175000,
		"currency": "usd",
		"customer": "cus_123",
		"subscription": "sub_123",
		"payment_intent": "pi_123",
		"customer_details": {"email": "alice@example.com", "name": "Alice"},
		"metadata": {"userId": "user-1"}
	}`)

	w := env.post(t, body, signPayload(body, testWebhookSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}

	var resp map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp["received"] {
		t.Error(`expected {"received":true}`)
	}

	if n, _ := env.transactions.CountByPaymentIntent("pi_123"); n != 1 {
		t.Errorf("ledger rows = %d, want 1", n)
	}
	m, _ := env.memberships.GetByUserID("user-1")
	if m.Status != model.MembershipActive {
		t.Errorf("membership status = %q, want active", m.Status)
	}
}

func TestWebhookInvoicePaymentFailed(t *testing.T) {
	env := setupWebhookEnv(t)
	env.memberships.Create("user-1", "alice@example.com", "cus_123", model.MembershipActive)

	body := eventJSON("invoice.payment_failed", `{
		"id": "in_1",
		"amount_due": 175000,
		"currency": "usd",
		"customer": "cus_123",
		"customer_email": "alice@example.com"
	}`)

	w := env.post(t, body, signPayload(body, testWebhookSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}

	m, _ := env.memberships.GetByUserID("user-1")
	if m.Status != model.MembershipPastDue {
		t.Errorf("membership status = %q, want past_due", m.Status)
	}
}

func TestWebhookUnknownEventType(t *testing.T) {
	env := setupWebhookEnv(t)

	body := eventJSON("customer.created", `{"id":"cus_999"}`)
	w := env.post(t, body, signPayload(body, testWebhookSecret))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for unknown type", w.Code)
	}
}

func TestWebhookSubscriptionEventNoMembership(t *testing.T) {
	env := setupWebhookEnv(t)

	// No membership matches; still acknowledged so the provider stops
	// redelivering.
	body := eventJSON("customer.subscription.updated", `{
		"id": "sub_999",
		"status": "active",
		"customer": "cus_999"
	}`)
	w := env.post(t, body, signPayload(body, testWebhookSecret))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestWebhookMalformedObject(t *testing.T) {
	env := setupWebhookEnv(t)

	// Known type with a payload that cannot unmarshal into its struct
	// fails the handler, so the provider retries.
	body := eventJSON("payment_intent.succeeded", `"not-an-object"`)
	w := env.post(t, body, signPayload(body, testWebhookSecret))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["error"] == "" {
		t.Error("expected error field in response")
	}
}
