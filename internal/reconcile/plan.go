package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/clearing/internal/model"
	"github.com/dukerupert/clearing/internal/store"
)

// ReconcilePlan applies a partial payment to its installment plan.
// With a known plan id the paid balance grows by the payment amount
// and the matching installment is marked paid; otherwise a new plan is
// created seeded with one paid installment.
//
// remaining is always recomputed as total - paid at the point of
// write, never carried forward independently.
func (r *Reconciler) ReconcilePlan(ctx context.Context, p Payment, transactionID int64) error {
	planID := p.PlanID()
	if planID > 0 {
		existing, err := r.plans.GetByID(planID)
		if err != nil {
			return err
		}
		if existing != nil {
			// Fresh read each attempt: a CAS miss means another event
			// landed between our read and write.
			return retry.Do(ctx, casBackoff(), func(ctx context.Context) error {
				plan, err := r.plans.GetByID(planID)
				if err != nil {
					return err
				}
				return r.applyToPlan(plan, p, transactionID)
			})
		}
		r.logger.Warn("plan reconcile: referenced plan missing, creating new", "plan_id", planID)
	}

	return r.createPlan(p, transactionID)
}

// applyToPlan adds the payment to an existing plan and marks the best
// matching installment paid. Returns a retryable error on CAS miss.
func (r *Reconciler) applyToPlan(plan *model.PaymentPlan, p Payment, transactionID int64) error {
	plan.PaidCents += p.AmountCents
	plan.RemainingCents = plan.TotalCents - plan.PaidCents
	if plan.RemainingCents <= 0 {
		plan.Status = model.PlanCompleted
	} else {
		plan.Status = model.PlanActive
	}

	if err := r.plans.UpdateBalances(plan); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return retry.RetryableError(err)
		}
		return fmt.Errorf("update plan balances: %w", err)
	}

	if inst := matchInstallment(plan.Installments, p.AmountCents); inst != nil {
		if err := r.plans.MarkInstallmentPaid(inst.ID, transactionID, r.now().UTC()); err != nil {
			// Balance update already landed; an unmatched installment is
			// recoverable by a later manual fix, not a handler failure.
			r.logger.Warn("plan reconcile: mark installment paid", "installment_id", inst.ID, "error", err)
		}
	} else {
		r.logger.Info("plan reconcile: no pending installment matches amount",
			"plan_id", plan.ID, "amount_cents", p.AmountCents)
	}
	return nil
}

// matchInstallment picks the pending installment with the matching
// amount. When several pending installments share the amount, the one
// with the earliest due date wins; list position breaks remaining ties.
func matchInstallment(installments []model.Installment, amountCents int64) *model.Installment {
	var best *model.Installment
	for i := range installments {
		inst := &installments[i]
		if inst.Status != model.InstallmentPending || inst.AmountCents != amountCents {
			continue
		}
		if best == nil || inst.DueDate.Before(best.DueDate) {
			best = inst
		}
	}
	return best
}

// createPlan builds a plan from checkout metadata with this payment as
// its first, already-paid installment.
func (r *Reconciler) createPlan(p Payment, transactionID int64) error {
	now := r.now().UTC()
	total := p.PlanTotalCents()
	if total <= 0 {
		total = p.AmountCents
	}

	paidAt := now
	plan := &model.PaymentPlan{
		UserID:          p.meta(metaUserID),
		EntityType:      p.meta(metaEntityType),
		EntityID:        p.meta(metaEntityID),
		EntityName:      p.meta(metaEntityName),
		TotalCents:      total,
		PaidCents:       p.AmountCents,
		RemainingCents:  total - p.AmountCents,
		Currency:        p.Currency,
		Status:          model.PlanActive,
		DueDate:         p.PlanDueDate(now),
		ReminderCadence: "weekly",
		Installments: []model.Installment{
			{
				AmountCents:   p.AmountCents,
				Status:        model.InstallmentPaid,
				DueDate:       now,
				PaidAt:        &paidAt,
				TransactionID: &transactionID,
			},
		},
	}
	if plan.Currency == "" {
		plan.Currency = "usd"
	}
	if plan.RemainingCents <= 0 {
		plan.Status = model.PlanCompleted
	}

	created, err := r.plans.Create(plan)
	if err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	r.logger.Info("plan reconcile: created plan",
		"plan_id", created.ID, "total_cents", created.TotalCents, "paid_cents", created.PaidCents)
	return nil
}
