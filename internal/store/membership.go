package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukerupert/clearing/internal/model"
)

// ErrVersionConflict is returned when a compare-and-swap update finds
// that another writer got there first. Callers re-read and retry.
var ErrVersionConflict = errors.New("version conflict")

type MembershipStore struct {
	db *sql.DB
}

func NewMembershipStore(db *sql.DB) *MembershipStore {
	return &MembershipStore{db: db}
}

const membershipCols = `id, user_id, email, stripe_customer_id, stripe_subscription_id, status, current_period_start, current_period_end, cancel_at_period_end, version, created_at, updated_at`

func scanMembership(scanner interface{ Scan(...any) error }) (*model.Membership, error) {
	var m model.Membership
	var subID sql.NullString
	var periodStart, periodEnd sql.NullTime
	var cancelAtPeriodEnd int
	err := scanner.Scan(
		&m.ID, &m.UserID, &m.Email, &m.StripeCustomerID, &subID, &m.Status,
		&periodStart, &periodEnd, &cancelAtPeriodEnd, &m.Version, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if subID.Valid {
		m.StripeSubscriptionID = &subID.String
	}
	if periodStart.Valid {
		m.CurrentPeriodStart = &periodStart.Time
	}
	if periodEnd.Valid {
		m.CurrentPeriodEnd = &periodEnd.Time
	}
	m.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	return &m, nil
}

func (s *MembershipStore) Create(userID, email, stripeCustomerID, status string) (*model.Membership, error) {
	result, err := s.db.Exec(
		`INSERT INTO memberships (user_id, email, stripe_customer_id, status) VALUES (?, ?, ?, ?)`,
		userID, email, stripeCustomerID, status,
	)
	if err != nil {
		return nil, fmt.Errorf("insert membership: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *MembershipStore) GetByID(id int64) (*model.Membership, error) {
	row := s.db.QueryRow(`SELECT `+membershipCols+` FROM memberships WHERE id = ?`, id)
	m, err := scanMembership(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

func (s *MembershipStore) GetByUserID(userID string) (*model.Membership, error) {
	row := s.db.QueryRow(`SELECT `+membershipCols+` FROM memberships WHERE user_id = ?`, userID)
	m, err := scanMembership(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get membership by user: %w", err)
	}
	return m, nil
}

func (s *MembershipStore) GetByStripeCustomerID(customerID string) (*model.Membership, error) {
	row := s.db.QueryRow(
		`SELECT `+membershipCols+` FROM memberships WHERE stripe_customer_id = ? ORDER BY created_at DESC LIMIT 1`,
		customerID,
	)
	m, err := scanMembership(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get membership by customer id: %w", err)
	}
	return m, nil
}

func (s *MembershipStore) GetByStripeSubscriptionID(subID string) (*model.Membership, error) {
	row := s.db.QueryRow(
		`SELECT `+membershipCols+` FROM memberships WHERE stripe_subscription_id = ?`,
		subID,
	)
	m, err := scanMembership(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get membership by subscription id: %w", err)
	}
	return m, nil
}

// Update writes the mutable fields of m back to the database, guarded
// by m.Version. Returns ErrVersionConflict if the row changed since m
// was read. On success m.Version is advanced to match the stored row.
func (s *MembershipStore) Update(m *model.Membership) error {
	var subID sql.NullString
	if m.StripeSubscriptionID != nil {
		subID = sql.NullString{String: *m.StripeSubscriptionID, Valid: true}
	}
	var periodStart, periodEnd sql.NullTime
	if m.CurrentPeriodStart != nil {
		periodStart = sql.NullTime{Time: *m.CurrentPeriodStart, Valid: true}
	}
	if m.CurrentPeriodEnd != nil {
		periodEnd = sql.NullTime{Time: *m.CurrentPeriodEnd, Valid: true}
	}
	cancel := 0
	if m.CancelAtPeriodEnd {
		cancel = 1
	}

	result, err := s.db.Exec(
		`UPDATE memberships
		 SET stripe_customer_id = ?, stripe_subscription_id = ?, status = ?,
		     current_period_start = ?, current_period_end = ?, cancel_at_period_end = ?,
		     version = version + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND version = ?`,
		m.StripeCustomerID, subID, m.Status, periodStart, periodEnd, cancel, m.ID, m.Version,
	)
	if err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	m.Version++
	return nil
}
