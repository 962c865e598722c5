package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/clearing/internal/model"
)

type PaymentPlanStore struct {
	db *sql.DB
}

func NewPaymentPlanStore(db *sql.DB) *PaymentPlanStore {
	return &PaymentPlanStore{db: db}
}

const planCols = `id, user_id, entity_type, entity_id, entity_name, total_cents, paid_cents, remaining_cents, currency, status, due_date, reminder_cadence, version, created_at, updated_at`

func scanPlan(scanner interface{ Scan(...any) error }) (*model.PaymentPlan, error) {
	var p model.PaymentPlan
	err := scanner.Scan(
		&p.ID, &p.UserID, &p.EntityType, &p.EntityID, &p.EntityName,
		&p.TotalCents, &p.PaidCents, &p.RemainingCents, &p.Currency, &p.Status,
		&p.DueDate, &p.ReminderCadence, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a plan and its installments in one SQL transaction.
// Installment ids are assigned if empty.
func (s *PaymentPlanStore) Create(p *model.PaymentPlan) (*model.PaymentPlan, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`INSERT INTO payment_plans
		 (user_id, entity_type, entity_id, entity_name, total_cents, paid_cents,
		  remaining_cents, currency, status, due_date, reminder_cadence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.EntityType, p.EntityID, p.EntityName, p.TotalCents, p.PaidCents,
		p.RemainingCents, p.Currency, p.Status, p.DueDate, p.ReminderCadence,
	)
	if err != nil {
		return nil, fmt.Errorf("insert payment plan: %w", err)
	}
	planID, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	for i := range p.Installments {
		inst := &p.Installments[i]
		if inst.ID == "" {
			inst.ID = uuid.NewString()
		}
		inst.PlanID = planID
		inst.Position = i
		var paidAt sql.NullTime
		if inst.PaidAt != nil {
			paidAt = sql.NullTime{Time: *inst.PaidAt, Valid: true}
		}
		var txnID sql.NullInt64
		if inst.TransactionID != nil {
			txnID = sql.NullInt64{Int64: *inst.TransactionID, Valid: true}
		}
		_, err := tx.Exec(
			`INSERT INTO installments (id, plan_id, amount_cents, status, due_date, paid_at, transaction_id, position)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID, planID, inst.AmountCents, inst.Status, inst.DueDate, paidAt, txnID, i,
		)
		if err != nil {
			return nil, fmt.Errorf("insert installment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetByID(planID)
}

// GetByID loads a plan with its installments in position order.
func (s *PaymentPlanStore) GetByID(id int64) (*model.PaymentPlan, error) {
	row := s.db.QueryRow(`SELECT `+planCols+` FROM payment_plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment plan: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT id, plan_id, amount_cents, status, due_date, paid_at, transaction_id, position
		 FROM installments WHERE plan_id = ? ORDER BY position`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("list installments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var inst model.Installment
		var paidAt sql.NullTime
		var txnID sql.NullInt64
		if err := rows.Scan(&inst.ID, &inst.PlanID, &inst.AmountCents, &inst.Status, &inst.DueDate, &paidAt, &txnID, &inst.Position); err != nil {
			return nil, fmt.Errorf("scan installment: %w", err)
		}
		if paidAt.Valid {
			inst.PaidAt = &paidAt.Time
		}
		if txnID.Valid {
			inst.TransactionID = &txnID.Int64
		}
		p.Installments = append(p.Installments, inst)
	}
	return p, rows.Err()
}

func (s *PaymentPlanStore) ListByUser(userID string) ([]*model.PaymentPlan, error) {
	rows, err := s.db.Query(
		`SELECT `+planCols+` FROM payment_plans WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list payment plans: %w", err)
	}
	defer rows.Close()

	var plans []*model.PaymentPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// UpdateBalances writes paid/remaining/status back, guarded by
// p.Version. Returns ErrVersionConflict if another writer raced us.
func (s *PaymentPlanStore) UpdateBalances(p *model.PaymentPlan) error {
	result, err := s.db.Exec(
		`UPDATE payment_plans
		 SET paid_cents = ?, remaining_cents = ?, status = ?,
		     version = version + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND version = ?`,
		p.PaidCents, p.RemainingCents, p.Status, p.ID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("update payment plan: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	p.Version++
	return nil
}

// MarkInstallmentPaid records an installment as paid by the given
// ledger row. Only pending installments are eligible.
func (s *PaymentPlanStore) MarkInstallmentPaid(installmentID string, transactionID int64, paidAt time.Time) error {
	result, err := s.db.Exec(
		`UPDATE installments SET status = ?, paid_at = ?, transaction_id = ? WHERE id = ? AND status = ?`,
		model.InstallmentPaid, paidAt, transactionID, installmentID, model.InstallmentPending,
	)
	if err != nil {
		return fmt.Errorf("mark installment paid: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("installment %s not pending", installmentID)
	}
	return nil
}
