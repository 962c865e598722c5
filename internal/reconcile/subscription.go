package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/clearing/internal/email"
	"github.com/dukerupert/clearing/internal/model"
	"github.com/dukerupert/clearing/internal/store"
)

// MapProviderStatus folds Stripe's subscription status space onto the
// four local membership states. Anything not explicitly trialing,
// past_due, or terminal counts as active.
func MapProviderStatus(s stripe.SubscriptionStatus) string {
	switch s {
	case stripe.SubscriptionStatusTrialing:
		return model.MembershipTrialing
	case stripe.SubscriptionStatusPastDue:
		return model.MembershipPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid:
		return model.MembershipCancelled
	default:
		return model.MembershipActive
	}
}

// periodBounds extracts the current billing window. Stripe reports it
// per subscription item.
func periodBounds(sub *stripe.Subscription) (start, end *time.Time) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, nil
	}
	item := sub.Items.Data[0]
	if item.CurrentPeriodStart > 0 {
		t := time.Unix(item.CurrentPeriodStart, 0).UTC()
		start = &t
	}
	if item.CurrentPeriodEnd > 0 {
		t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
		end = &t
	}
	return start, end
}

// lookupForSubscription finds the membership for a subscription event.
// The created event arrives before the subscription id is stored
// locally, so the customer id path must work too.
func (r *Reconciler) lookupForSubscription(sub *stripe.Subscription) (*model.Membership, error) {
	if sub.ID != "" {
		m, err := r.memberships.GetByStripeSubscriptionID(sub.ID)
		if err != nil || m != nil {
			return m, err
		}
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		return r.memberships.GetByStripeCustomerID(sub.Customer.ID)
	}
	return nil, nil
}

// updateMembership runs a read-modify-write with CAS retry. mutate is
// called on a fresh read each attempt. A missing membership is a
// logged no-op.
func (r *Reconciler) updateMembership(ctx context.Context, lookup func() (*model.Membership, error), mutate func(*model.Membership)) error {
	return retry.Do(ctx, casBackoff(), func(ctx context.Context) error {
		m, err := lookup()
		if err != nil {
			return err
		}
		if m == nil {
			r.logger.Info("subscription event: no matching membership")
			return nil
		}
		mutate(m)
		if err := r.memberships.Update(m); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

// ApplySubscriptionCreated stores the subscription id, the provider's
// reported status, and the billing window on the matching membership.
func (r *Reconciler) ApplySubscriptionCreated(ctx context.Context, sub *stripe.Subscription) error {
	err := r.updateMembership(ctx,
		func() (*model.Membership, error) { return r.lookupForSubscription(sub) },
		func(m *model.Membership) {
			id := sub.ID
			m.StripeSubscriptionID = &id
			m.Status = MapProviderStatus(sub.Status)
			m.CurrentPeriodStart, m.CurrentPeriodEnd = periodBounds(sub)
			m.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		})
	if err != nil {
		return fmt.Errorf("subscription created: %w", err)
	}
	return nil
}

// ApplySubscriptionUpdated recomputes the local status from the
// provider's reported status and refreshes the billing window and
// cancel-at-period-end flag.
func (r *Reconciler) ApplySubscriptionUpdated(ctx context.Context, sub *stripe.Subscription) error {
	err := r.updateMembership(ctx,
		func() (*model.Membership, error) { return r.lookupForSubscription(sub) },
		func(m *model.Membership) {
			if m.StripeSubscriptionID == nil {
				id := sub.ID
				m.StripeSubscriptionID = &id
			}
			m.Status = MapProviderStatus(sub.Status)
			if start, end := periodBounds(sub); start != nil || end != nil {
				m.CurrentPeriodStart, m.CurrentPeriodEnd = start, end
			}
			m.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		})
	if err != nil {
		return fmt.Errorf("subscription updated: %w", err)
	}
	return nil
}

// ApplySubscriptionDeleted marks the membership cancelled. Cancelled
// is terminal: resuming requires a new subscription through checkout.
func (r *Reconciler) ApplySubscriptionDeleted(ctx context.Context, sub *stripe.Subscription) error {
	err := r.updateMembership(ctx,
		func() (*model.Membership, error) { return r.lookupForSubscription(sub) },
		func(m *model.Membership) {
			m.Status = model.MembershipCancelled
			m.CancelAtPeriodEnd = false
		})
	if err != nil {
		return fmt.Errorf("subscription deleted: %w", err)
	}
	return nil
}

func subscriptionIDFromInvoice(inv *stripe.Invoice) string {
	if inv.Parent != nil &&
		inv.Parent.SubscriptionDetails != nil &&
		inv.Parent.SubscriptionDetails.Subscription != nil {
		return inv.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}

func (r *Reconciler) lookupForInvoice(inv *stripe.Invoice) (*model.Membership, error) {
	if subID := subscriptionIDFromInvoice(inv); subID != "" {
		m, err := r.memberships.GetByStripeSubscriptionID(subID)
		if err != nil || m != nil {
			return m, err
		}
	}
	if inv.Customer != nil && inv.Customer.ID != "" {
		return r.memberships.GetByStripeCustomerID(inv.Customer.ID)
	}
	return nil, nil
}

// ApplyInvoicePaymentSucceeded appends a ledger row for the renewal
// and queues a confirmation email. It never changes membership status
// by itself; only subscription.updated does that.
func (r *Reconciler) ApplyInvoicePaymentSucceeded(ctx context.Context, inv *stripe.Invoice) error {
	p := PaymentFromInvoice(inv)

	if p.Email == "" || p.Name == "" {
		m, err := r.lookupForInvoice(inv)
		if err != nil {
			return fmt.Errorf("invoice membership lookup: %w", err)
		}
		if m != nil && p.Email == "" {
			p.Email = m.Email
		}
	}

	txn := r.ledgerRow(p, model.TransactionSubscription, "succeeded")
	if _, err := r.appendLedger(txn, email.TemplatePaymentConfirmation); err != nil {
		return fmt.Errorf("invoice ledger write: %w", err)
	}
	return nil
}

// ApplyInvoicePaymentFailed forces the membership to past_due and
// queues a payment-failed notice.
func (r *Reconciler) ApplyInvoicePaymentFailed(ctx context.Context, inv *stripe.Invoice) error {
	var notifyTo string
	err := r.updateMembership(ctx,
		func() (*model.Membership, error) { return r.lookupForInvoice(inv) },
		func(m *model.Membership) {
			m.Status = model.MembershipPastDue
			notifyTo = m.Email
		})
	if err != nil {
		return fmt.Errorf("invoice payment failed: %w", err)
	}

	if notifyTo != "" {
		payload, err := json.Marshal(map[string]any{
			"amount":   MajorUnits(inv.AmountDue),
			"currency": string(inv.Currency),
		})
		if err == nil {
			if _, err := r.outbox.Enqueue(email.TemplatePaymentFailed, notifyTo, string(payload)); err != nil {
				r.logger.Error("invoice: enqueue payment-failed email", "error", err)
			}
		}
	}
	return nil
}
