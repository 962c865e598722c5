package reconcile

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/dukerupert/clearing/internal/model"
)

func seedPlan(t *testing.T, env *testEnv) *model.PaymentPlan {
	t.Helper()
	due := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	plan, err := env.plans.Create(&model.PaymentPlan{
		UserID:          "user-1",
		EntityType:      "cohort",
		EntityID:        "cohort-9",
		EntityName:      "Spring Cohort",
		TotalCents:      350000,
		PaidCents:       116667,
		RemainingCents:  233333,
		Currency:        "usd",
		Status:          model.PlanActive,
		DueDate:         due,
		ReminderCadence: "weekly",
		Installments: []model.Installment{
			{AmountCents: 116667, Status: model.InstallmentPaid, DueDate: due},
			{AmountCents: 116667, Status: model.InstallmentPending, DueDate: due.AddDate(0, 1, 0)},
			{AmountCents: 116666, Status: model.InstallmentPending, DueDate: due.AddDate(0, 2, 0)},
		},
	})
	if err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	return plan
}

func planPayment(planID, amountCents int64) Payment {
	return Payment{
		AmountCents: amountCents,
		Currency:    "usd",
		Metadata: map[string]string{
			"isPartial":     "true",
			"paymentPlanId": strconv.FormatInt(planID, 10),
			"userId":        "user-1",
		},
	}
}

func TestReconcilePlanSecondInstallment(t *testing.T) {
	env := setupTestEnv(t)
	plan := seedPlan(t, env)

	if err := env.rec.ReconcilePlan(context.Background(), planPayment(plan.ID, 116667), 55); err != nil {
		t.Fatalf("reconcile plan: %v", err)
	}

	got, _ := env.plans.GetByID(plan.ID)
	if got.PaidCents != 233334 {
		t.Errorf("paid = %d, want 233334", got.PaidCents)
	}
	if got.RemainingCents != 116666 {
		t.Errorf("remaining = %d, want 116666", got.RemainingCents)
	}
	if got.PaidCents+got.RemainingCents != got.TotalCents {
		t.Errorf("paid+remaining = %d, want total %d", got.PaidCents+got.RemainingCents, got.TotalCents)
	}
	if got.Status != model.PlanActive {
		t.Errorf("status = %q, want active while balance remains", got.Status)
	}

	inst := got.Installments[1]
	if inst.Status != model.InstallmentPaid {
		t.Errorf("installment status = %q, want paid", inst.Status)
	}
	if inst.TransactionID == nil || *inst.TransactionID != 55 {
		t.Error("expected installment linked to ledger row 55")
	}
}

func TestReconcilePlanFinalPaymentCompletes(t *testing.T) {
	env := setupTestEnv(t)
	plan := seedPlan(t, env)

	if err := env.rec.ReconcilePlan(context.Background(), planPayment(plan.ID, 116667), 55); err != nil {
		t.Fatalf("second payment: %v", err)
	}
	if err := env.rec.ReconcilePlan(context.Background(), planPayment(plan.ID, 116666), 56); err != nil {
		t.Fatalf("final payment: %v", err)
	}

	got, _ := env.plans.GetByID(plan.ID)
	if got.RemainingCents != 0 {
		t.Errorf("remaining = %d, want 0", got.RemainingCents)
	}
	if got.Status != model.PlanCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	for i, inst := range got.Installments {
		if inst.Status != model.InstallmentPaid {
			t.Errorf("installment %d status = %q, want paid", i, inst.Status)
		}
	}
}

func TestReconcilePlanMatchesEarliestDueDate(t *testing.T) {
	env := setupTestEnv(t)

	due := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	plan, err := env.plans.Create(&model.PaymentPlan{
		UserID:         "user-1",
		TotalCents:     30000,
		PaidCents:      0,
		RemainingCents: 30000,
		Currency:       "usd",
		Status:         model.PlanActive,
		DueDate:        due,
		Installments: []model.Installment{
			// Later due date listed first; matching must pick by date,
			// not position.
			{AmountCents: 10000, Status: model.InstallmentPending, DueDate: due.AddDate(0, 2, 0)},
			{AmountCents: 10000, Status: model.InstallmentPending, DueDate: due},
			{AmountCents: 10000, Status: model.InstallmentPending, DueDate: due.AddDate(0, 1, 0)},
		},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	if err := env.rec.ReconcilePlan(context.Background(), planPayment(plan.ID, 10000), 7); err != nil {
		t.Fatalf("reconcile plan: %v", err)
	}

	got, _ := env.plans.GetByID(plan.ID)
	if got.Installments[1].Status != model.InstallmentPaid {
		t.Error("earliest-due installment should be paid")
	}
	if got.Installments[0].Status != model.InstallmentPending || got.Installments[2].Status != model.InstallmentPending {
		t.Error("other installments should stay pending")
	}
}

func TestReconcilePlanNoAmountMatch(t *testing.T) {
	env := setupTestEnv(t)
	plan := seedPlan(t, env)

	// Off-schedule amount still updates balances; no installment flips.
	if err := env.rec.ReconcilePlan(context.Background(), planPayment(plan.ID, 50000), 9); err != nil {
		t.Fatalf("reconcile plan: %v", err)
	}

	got, _ := env.plans.GetByID(plan.ID)
	if got.PaidCents != 166667 {
		t.Errorf("paid = %d, want 166667", got.PaidCents)
	}
	if got.Installments[1].Status != model.InstallmentPending {
		t.Error("no installment should be marked paid for unmatched amount")
	}
}

func TestReconcilePlanCreatesWhenMissing(t *testing.T) {
	env := setupTestEnv(t)

	p := Payment{
		AmountCents: 116667,
		Currency:    "usd",
		Metadata: map[string]string{
			"isPartial":   "true",
			"totalAmount": "350000",
			"userId":      "user-1",
			"entityType":  "cohort",
			"entityId":    "cohort-9",
			"entityName":  "Spring Cohort",
			"eventDate":   "2026-12-01T00:00:00Z",
		},
	}
	if err := env.rec.ReconcilePlan(context.Background(), p, 11); err != nil {
		t.Fatalf("reconcile plan: %v", err)
	}

	plans, _ := env.plans.ListByUser("user-1")
	if len(plans) != 1 {
		t.Fatalf("plans = %d, want 1", len(plans))
	}
	got, _ := env.plans.GetByID(plans[0].ID)
	if got.TotalCents != 350000 || got.PaidCents != 116667 || got.RemainingCents != 233333 {
		t.Errorf("balances = %d/%d/%d, want 350000/116667/233333",
			got.TotalCents, got.PaidCents, got.RemainingCents)
	}
	if len(got.Installments) != 1 || got.Installments[0].Status != model.InstallmentPaid {
		t.Error("expected one paid installment on new plan")
	}
	wantDue := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	if !got.DueDate.Equal(wantDue) {
		t.Errorf("due date = %v, want %v", got.DueDate, wantDue)
	}
}

func TestReconcilePlanSinglePaymentCoversTotal(t *testing.T) {
	env := setupTestEnv(t)

	p := Payment{
		AmountCents: 25000,
		Currency:    "usd",
		Metadata: map[string]string{
			"isPartial":   "true",
			"totalAmount": "25000",
			"userId":      "user-1",
		},
	}
	if err := env.rec.ReconcilePlan(context.Background(), p, 12); err != nil {
		t.Fatalf("reconcile plan: %v", err)
	}

	plans, _ := env.plans.ListByUser("user-1")
	if len(plans) != 1 {
		t.Fatalf("plans = %d, want 1", len(plans))
	}
	if plans[0].Status != model.PlanCompleted {
		t.Errorf("status = %q, want completed", plans[0].Status)
	}
	if plans[0].RemainingCents != 0 {
		t.Errorf("remaining = %d, want 0", plans[0].RemainingCents)
	}
}
