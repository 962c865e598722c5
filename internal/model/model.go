package model

import "time"

// Membership status values. Transitions happen only through the
// subscription event handlers or checkout creation.
const (
	MembershipTrialing  = "trialing"
	MembershipActive    = "active"
	MembershipPastDue   = "past_due"
	MembershipCancelled = "cancelled"
)

type Membership struct {
	ID                   int64      `json:"id"`
	UserID               string     `json:"user_id"`
	Email                string     `json:"email"`
	StripeCustomerID     string     `json:"stripe_customer_id"`
	StripeSubscriptionID *string    `json:"stripe_subscription_id"`
	Status               string     `json:"status"`
	CurrentPeriodStart   *time.Time `json:"current_period_start"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	Version              int64      `json:"-"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Transaction types.
const (
	TransactionSubscription   = "subscription"
	TransactionPartialPayment = "partial_payment"
	TransactionOther          = "other"
)

// Transaction is an append-only ledger row. The store exposes no
// update or delete for it.
type Transaction struct {
	ID                    int64     `json:"id"`
	UserID                string    `json:"user_id"`
	UserName              string    `json:"user_name"`
	UserEmail             string    `json:"user_email"`
	AmountCents           int64     `json:"amount_cents"`
	Currency              string    `json:"currency"`
	Status                string    `json:"status"`
	StripePaymentIntentID string    `json:"stripe_payment_intent_id"`
	StripeCustomerID      string    `json:"stripe_customer_id"`
	Type                  string    `json:"type"`
	EntityType            string    `json:"entity_type"`
	EntityID              string    `json:"entity_id"`
	EntityName            string    `json:"entity_name"`
	IsPartial             bool      `json:"is_partial"`
	PaymentPlanID         *int64    `json:"payment_plan_id"`
	CreatedAt             time.Time `json:"created_at"`
}

// PaymentPlan status values.
const (
	PlanActive    = "active"
	PlanCompleted = "completed"
)

// PaymentPlan tracks an installment-based purchase.
// PaidCents + RemainingCents == TotalCents after every write.
type PaymentPlan struct {
	ID              int64         `json:"id"`
	UserID          string        `json:"user_id"`
	EntityType      string        `json:"entity_type"`
	EntityID        string        `json:"entity_id"`
	EntityName      string        `json:"entity_name"`
	TotalCents      int64         `json:"total_cents"`
	PaidCents       int64         `json:"paid_cents"`
	RemainingCents  int64         `json:"remaining_cents"`
	Currency        string        `json:"currency"`
	Status          string        `json:"status"`
	DueDate         time.Time     `json:"due_date"`
	ReminderCadence string        `json:"reminder_cadence"`
	Version         int64         `json:"-"`
	Installments    []Installment `json:"installments"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Installment status values.
const (
	InstallmentPending = "pending"
	InstallmentPaid    = "paid"
)

type Installment struct {
	ID            string     `json:"id"`
	PlanID        int64      `json:"plan_id"`
	AmountCents   int64      `json:"amount_cents"`
	Status        string     `json:"status"`
	DueDate       time.Time  `json:"due_date"`
	PaidAt        *time.Time `json:"paid_at"`
	TransactionID *int64     `json:"transaction_id"`
	Position      int        `json:"position"`
}

// Outbox message status values.
const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxMessage is a deferred notification intent, written in the same
// transaction as the ledger row that caused it.
type OutboxMessage struct {
	ID        string     `json:"id"`
	Template  string     `json:"template"`
	Recipient string     `json:"recipient"`
	Payload   string     `json:"payload"`
	Status    string     `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at"`
}

// Snapshot status values.
const (
	SnapshotPending   = "pending"
	SnapshotUploading = "uploading"
	SnapshotCompleted = "completed"
	SnapshotFailed    = "failed"
)

type Snapshot struct {
	ID          int64      `json:"id"`
	Filename    string     `json:"filename"`
	S3Key       string     `json:"s3_key"`
	Status      string     `json:"status"`
	SizeBytes   int64      `json:"size_bytes"`
	Error       string     `json:"error"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}
