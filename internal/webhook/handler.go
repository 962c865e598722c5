package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/clearing/internal/reconcile"
)

const maxBodyBytes = 65536

// EventVerifier authenticates a raw webhook body against its signature
// header. Satisfied by stripeclient.Client.
type EventVerifier interface {
	ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

// Handler verifies inbound billing events and routes each one to the
// reconciler. Handlers are idempotent under at-least-once delivery;
// the handler itself keeps no record of seen event ids.
type Handler struct {
	verifier   EventVerifier
	reconciler *reconcile.Reconciler
	logger     *slog.Logger
}

func NewHandler(v EventVerifier, r *reconcile.Reconciler, logger *slog.Logger) *Handler {
	return &Handler{
		verifier:   v,
		reconciler: r,
		logger:     logger,
	}
}

// HandleStripeWebhook is the single inbound endpoint. Response
// contract: 200 {"received":true} on dispatch (including no-ops and
// unknown types), 400 on missing or invalid signature, 500 when a
// handler fails so the provider redelivers.
func (h *Handler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		http.Error(w, "missing signature", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	event, err := h.verifier.ConstructWebhookEvent(body, sigHeader)
	if err != nil {
		h.logger.Warn("webhook: signature verification failed", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	if err := h.dispatch(r.Context(), event); err != nil {
		h.logger.Error("webhook: handler failed", "type", event.Type, "event_id", event.ID, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"received": true})
}

// dispatch routes a verified event to exactly one handler. Unknown
// types are logged and acknowledged so the provider does not keep
// redelivering them.
func (h *Handler) dispatch(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("unmarshal checkout session: %w", err)
		}
		return h.reconciler.ApplyCheckoutCompleted(ctx, &sess)

	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return fmt.Errorf("unmarshal payment intent: %w", err)
		}
		return h.reconciler.ApplyPaymentIntentSucceeded(ctx, &pi)

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return fmt.Errorf("unmarshal charge: %w", err)
		}
		return h.reconciler.ApplyChargeRefunded(ctx, &ch)

	case "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("unmarshal invoice: %w", err)
		}
		return h.reconciler.ApplyInvoicePaymentSucceeded(ctx, &inv)

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("unmarshal invoice: %w", err)
		}
		return h.reconciler.ApplyInvoicePaymentFailed(ctx, &inv)

	case "customer.subscription.created":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("unmarshal subscription: %w", err)
		}
		return h.reconciler.ApplySubscriptionCreated(ctx, &sub)

	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("unmarshal subscription: %w", err)
		}
		return h.reconciler.ApplySubscriptionUpdated(ctx, &sub)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("unmarshal subscription: %w", err)
		}
		return h.reconciler.ApplySubscriptionDeleted(ctx, &sub)

	default:
		h.logger.Info("webhook: ignoring event type", "type", event.Type)
		return nil
	}
}
