package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/clearing/internal/model"
)

// TransactionStore is append-only: there is deliberately no update or
// delete method for ledger rows.
type TransactionStore struct {
	db *sql.DB
}

func NewTransactionStore(db *sql.DB) *TransactionStore {
	return &TransactionStore{db: db}
}

const transactionCols = `id, user_id, user_name, user_email, amount_cents, currency, status, stripe_payment_intent_id, stripe_customer_id, type, entity_type, entity_id, entity_name, is_partial, payment_plan_id, created_at`

func scanTransaction(scanner interface{ Scan(...any) error }) (*model.Transaction, error) {
	var t model.Transaction
	var isPartial int
	var planID sql.NullInt64
	err := scanner.Scan(
		&t.ID, &t.UserID, &t.UserName, &t.UserEmail, &t.AmountCents, &t.Currency,
		&t.Status, &t.StripePaymentIntentID, &t.StripeCustomerID, &t.Type,
		&t.EntityType, &t.EntityID, &t.EntityName, &isPartial, &planID, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.IsPartial = isPartial != 0
	if planID.Valid {
		t.PaymentPlanID = &planID.Int64
	}
	return &t, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

const insertTransactionSQL = `INSERT INTO transactions
	(user_id, user_name, user_email, amount_cents, currency, status,
	 stripe_payment_intent_id, stripe_customer_id, type,
	 entity_type, entity_id, entity_name, is_partial, payment_plan_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertTransaction(e execer, t *model.Transaction) (int64, error) {
	isPartial := 0
	if t.IsPartial {
		isPartial = 1
	}
	var planID sql.NullInt64
	if t.PaymentPlanID != nil {
		planID = sql.NullInt64{Int64: *t.PaymentPlanID, Valid: true}
	}
	result, err := e.Exec(insertTransactionSQL,
		t.UserID, t.UserName, t.UserEmail, t.AmountCents, t.Currency, t.Status,
		t.StripePaymentIntentID, t.StripeCustomerID, t.Type,
		t.EntityType, t.EntityID, t.EntityName, isPartial, planID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// Create appends a ledger row and returns the stored record.
func (s *TransactionStore) Create(t *model.Transaction) (*model.Transaction, error) {
	id, err := insertTransaction(s.db, t)
	if err != nil {
		return nil, err
	}
	return s.GetByID(id)
}

// CreateInTx appends a ledger row inside an existing SQL transaction,
// so callers can commit it atomically with an outbox message.
func (s *TransactionStore) CreateInTx(tx *sql.Tx, t *model.Transaction) (int64, error) {
	return insertTransaction(tx, t)
}

func (s *TransactionStore) GetByID(id int64) (*model.Transaction, error) {
	row := s.db.QueryRow(`SELECT `+transactionCols+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (s *TransactionStore) ListByUser(userID string) ([]*model.Transaction, error) {
	rows, err := s.db.Query(
		`SELECT `+transactionCols+` FROM transactions WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions by user: %w", err)
	}
	defer rows.Close()

	var txns []*model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (s *TransactionStore) ListByPlan(planID int64) ([]*model.Transaction, error) {
	rows, err := s.db.Query(
		`SELECT `+transactionCols+` FROM transactions WHERE payment_plan_id = ? ORDER BY id`,
		planID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions by plan: %w", err)
	}
	defer rows.Close()

	var txns []*model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// CountByPaymentIntent reports how many ledger rows reference a payment
// intent. Redeliveries append new rows rather than mutating old ones.
func (s *TransactionStore) CountByPaymentIntent(paymentIntentID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM transactions WHERE stripe_payment_intent_id = ?`,
		paymentIntentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}
