package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/clearing/internal/model"
)

type OutboxStore struct {
	db *sql.DB
}

func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

const outboxCols = `id, template, recipient, payload, status, attempts, last_error, created_at, sent_at`

func scanOutbox(scanner interface{ Scan(...any) error }) (*model.OutboxMessage, error) {
	var msg model.OutboxMessage
	var sentAt sql.NullTime
	err := scanner.Scan(
		&msg.ID, &msg.Template, &msg.Recipient, &msg.Payload,
		&msg.Status, &msg.Attempts, &msg.LastError, &msg.CreatedAt, &sentAt,
	)
	if err != nil {
		return nil, err
	}
	if sentAt.Valid {
		msg.SentAt = &sentAt.Time
	}
	return &msg, nil
}

const insertOutboxSQL = `INSERT INTO outbox (id, template, recipient, payload) VALUES (?, ?, ?, ?)`

// Enqueue records a notification intent for the delivery worker.
func (s *OutboxStore) Enqueue(template, recipient, payload string) (string, error) {
	id := uuid.NewString()
	if _, err := s.db.Exec(insertOutboxSQL, id, template, recipient, payload); err != nil {
		return "", fmt.Errorf("enqueue outbox message: %w", err)
	}
	return id, nil
}

// EnqueueInTx records a notification intent inside the same SQL
// transaction as the write that caused it, so a committed ledger row
// always has its notification queued and an aborted one never does.
func (s *OutboxStore) EnqueueInTx(tx *sql.Tx, template, recipient, payload string) (string, error) {
	id := uuid.NewString()
	if _, err := tx.Exec(insertOutboxSQL, id, template, recipient, payload); err != nil {
		return "", fmt.Errorf("enqueue outbox message: %w", err)
	}
	return id, nil
}

func (s *OutboxStore) GetByID(id string) (*model.OutboxMessage, error) {
	row := s.db.QueryRow(`SELECT `+outboxCols+` FROM outbox WHERE id = ?`, id)
	msg, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox message: %w", err)
	}
	return msg, nil
}

// ListPending returns up to limit undelivered messages, oldest first.
func (s *OutboxStore) ListPending(limit int) ([]*model.OutboxMessage, error) {
	rows, err := s.db.Query(
		`SELECT `+outboxCols+` FROM outbox WHERE status = ? ORDER BY created_at, id LIMIT ?`,
		model.OutboxPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending outbox messages: %w", err)
	}
	defer rows.Close()

	var msgs []*model.OutboxMessage
	for rows.Next() {
		msg, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *OutboxStore) MarkSent(id string, sentAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE outbox SET status = ?, sent_at = ?, last_error = '' WHERE id = ?`,
		model.OutboxSent, sentAt, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox message sent: %w", err)
	}
	return nil
}

// RecordFailure bumps the attempt counter. When final is true the
// message is parked as failed and the worker stops retrying it.
func (s *OutboxStore) RecordFailure(id, errMsg string, final bool) error {
	status := model.OutboxPending
	if final {
		status = model.OutboxFailed
	}
	_, err := s.db.Exec(
		`UPDATE outbox SET status = ?, attempts = attempts + 1, last_error = ? WHERE id = ?`,
		status, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("record outbox failure: %w", err)
	}
	return nil
}

// DeleteSentBefore prunes delivered messages older than the cutoff.
func (s *OutboxStore) DeleteSentBefore(before time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM outbox WHERE status = ? AND sent_at < ?`,
		model.OutboxSent, before,
	)
	if err != nil {
		return 0, fmt.Errorf("delete sent outbox messages: %w", err)
	}
	return result.RowsAffected()
}
