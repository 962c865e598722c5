package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/clearing/internal/email"
	"github.com/dukerupert/clearing/internal/model"
	"github.com/dukerupert/clearing/internal/store"
)

// casAttempts bounds the compare-and-swap retry loop on membership and
// plan updates. Conflicts only occur when the provider delivers events
// for the same entity concurrently, so contention is short-lived.
const casAttempts = 5

// Reconciler applies verified billing events to the membership,
// ledger, and payment plan aggregates.
type Reconciler struct {
	db           *sql.DB
	memberships  *store.MembershipStore
	transactions *store.TransactionStore
	plans        *store.PaymentPlanStore
	outbox       *store.OutboxStore
	logger       *slog.Logger
	now          func() time.Time
}

func New(
	db *sql.DB,
	ms *store.MembershipStore,
	ts *store.TransactionStore,
	ps *store.PaymentPlanStore,
	os *store.OutboxStore,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		db:           db,
		memberships:  ms,
		transactions: ts,
		plans:        ps,
		outbox:       os,
		logger:       logger,
		now:          time.Now,
	}
}

func casBackoff() retry.Backoff {
	return retry.WithMaxRetries(casAttempts, retry.NewConstant(10*time.Millisecond))
}

// appendLedger writes one Transaction row and its confirmation outbox
// message in a single SQL transaction, so neither exists without the
// other. Returns the new ledger row id.
func (r *Reconciler) appendLedger(txn *model.Transaction, notifyTemplate string) (int64, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	id, err := r.transactions.CreateInTx(tx, txn)
	if err != nil {
		return 0, err
	}

	if notifyTemplate != "" && txn.UserEmail != "" {
		payload, err := json.Marshal(map[string]any{
			"name":     txn.UserName,
			"amount":   MajorUnits(txn.AmountCents),
			"currency": txn.Currency,
			"entity":   txn.EntityName,
		})
		if err != nil {
			return 0, fmt.Errorf("marshal notification payload: %w", err)
		}
		if _, err := r.outbox.EnqueueInTx(tx, notifyTemplate, txn.UserEmail, string(payload)); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// ledgerRow builds a Transaction from a normalized payment, enriched
// with membership identity when one matches the customer id. Missing
// optional fields default to empty rather than failing the event.
func (r *Reconciler) ledgerRow(p Payment, txType, status string) *model.Transaction {
	txn := &model.Transaction{
		UserID:                p.meta(metaUserID),
		UserName:              p.Name,
		UserEmail:             p.Email,
		AmountCents:           p.AmountCents,
		Currency:              p.Currency,
		Status:                status,
		StripePaymentIntentID: p.PaymentIntentID,
		StripeCustomerID:      p.CustomerID,
		Type:                  txType,
		EntityType:            p.meta(metaEntityType),
		EntityID:              p.meta(metaEntityID),
		EntityName:            p.meta(metaEntityName),
		IsPartial:             p.IsPartial(),
	}
	if name := p.meta(metaUserName); name != "" {
		txn.UserName = name
	}
	if txn.Currency == "" {
		txn.Currency = "usd"
	}
	if id := p.PlanID(); id > 0 {
		txn.PaymentPlanID = &id
	}

	if p.CustomerID != "" {
		m, err := r.memberships.GetByStripeCustomerID(p.CustomerID)
		if err != nil {
			r.logger.Warn("ledger: membership lookup failed", "customer_id", p.CustomerID, "error", err)
		} else if m != nil {
			if txn.UserID == "" {
				txn.UserID = m.UserID
			}
			if txn.UserEmail == "" {
				txn.UserEmail = m.Email
			}
		}
	}
	return txn
}

// ApplyCheckoutCompleted handles checkout.session.completed: append a
// ledger row, then reconcile the payment plan (partial payments) or
// attach the subscription to the membership (subscription checkouts).
func (r *Reconciler) ApplyCheckoutCompleted(ctx context.Context, sess *stripe.CheckoutSession) error {
	p := PaymentFromCheckoutSession(sess)

	txType := model.TransactionOther
	switch {
	case p.IsPartial():
		txType = model.TransactionPartialPayment
	case sess.Mode == stripe.CheckoutSessionModeSubscription:
		txType = model.TransactionSubscription
	}

	txn := r.ledgerRow(p, txType, "succeeded")
	ledgerID, err := r.appendLedger(txn, email.TemplatePaymentConfirmation)
	if err != nil {
		return fmt.Errorf("checkout ledger write: %w", err)
	}

	if p.IsPartial() {
		if err := r.ReconcilePlan(ctx, p, ledgerID); err != nil {
			return fmt.Errorf("plan reconcile: %w", err)
		}
		return nil
	}

	if sess.Mode == stripe.CheckoutSessionModeSubscription {
		var subID string
		if sess.Subscription != nil {
			subID = sess.Subscription.ID
		}
		if err := r.attachSubscription(ctx, p.CustomerID, subID); err != nil {
			return fmt.Errorf("attach subscription: %w", err)
		}
	}
	return nil
}

// attachSubscription stores the new subscription id on the membership
// matching the customer and marks it active. Missing membership is a
// logged no-op: memberships are created by the checkout flow, not by
// webhook events.
func (r *Reconciler) attachSubscription(ctx context.Context, customerID, subID string) error {
	if customerID == "" {
		r.logger.Warn("checkout: no customer id on session")
		return nil
	}

	var welcomeTo string
	err := retry.Do(ctx, casBackoff(), func(ctx context.Context) error {
		m, err := r.memberships.GetByStripeCustomerID(customerID)
		if err != nil {
			return err
		}
		if m == nil {
			r.logger.Info("checkout: no membership for customer", "customer_id", customerID)
			return nil
		}
		if subID != "" {
			m.StripeSubscriptionID = &subID
		}
		m.Status = model.MembershipActive
		if err := r.memberships.Update(m); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		welcomeTo = m.Email
		return nil
	})
	if err != nil {
		return err
	}

	if welcomeTo != "" {
		if _, err := r.outbox.Enqueue(email.TemplateWelcomeSubscriber, welcomeTo, "{}"); err != nil {
			r.logger.Error("checkout: enqueue welcome email", "error", err)
		}
	}
	return nil
}

// ApplyPaymentIntentSucceeded appends a ledger row for a settled
// payment intent. No membership or plan state changes here; the
// checkout and invoice events own those.
func (r *Reconciler) ApplyPaymentIntentSucceeded(ctx context.Context, pi *stripe.PaymentIntent) error {
	p := PaymentFromPaymentIntent(pi)

	txType := model.TransactionOther
	if p.IsPartial() {
		txType = model.TransactionPartialPayment
	}
	txn := r.ledgerRow(p, txType, "succeeded")
	if _, err := r.appendLedger(txn, ""); err != nil {
		return fmt.Errorf("payment intent ledger write: %w", err)
	}
	return nil
}

// ApplyChargeRefunded appends a ledger row recording the refunded
// amount. The original row is never touched.
func (r *Reconciler) ApplyChargeRefunded(ctx context.Context, ch *stripe.Charge) error {
	p := PaymentFromCharge(ch)
	txn := r.ledgerRow(p, model.TransactionOther, "refunded")
	if _, err := r.appendLedger(txn, ""); err != nil {
		return fmt.Errorf("refund ledger write: %w", err)
	}
	return nil
}
