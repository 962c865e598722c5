package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/clearing/internal/model"
)

type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

const snapshotCols = `id, filename, s3_key, status, size_bytes, error, created_at, completed_at`

func scanSnapshot(scanner interface{ Scan(...any) error }) (*model.Snapshot, error) {
	var snap model.Snapshot
	var completedAt sql.NullTime
	err := scanner.Scan(
		&snap.ID, &snap.Filename, &snap.S3Key, &snap.Status,
		&snap.SizeBytes, &snap.Error, &snap.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		snap.CompletedAt = &completedAt.Time
	}
	return &snap, nil
}

func (s *SnapshotStore) Create(filename, s3Key string) (*model.Snapshot, error) {
	result, err := s.db.Exec(
		`INSERT INTO snapshots (filename, s3_key) VALUES (?, ?)`,
		filename, s3Key,
	)
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *SnapshotStore) GetByID(id int64) (*model.Snapshot, error) {
	row := s.db.QueryRow(`SELECT `+snapshotCols+` FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

func (s *SnapshotStore) UpdateStatus(id int64, status, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE snapshots SET status = ?, error = ? WHERE id = ?`,
		status, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("update snapshot status: %w", err)
	}
	return nil
}

func (s *SnapshotStore) UpdateCompleted(id, sizeBytes int64) error {
	_, err := s.db.Exec(
		`UPDATE snapshots SET status = ?, size_bytes = ?, error = '', completed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		model.SnapshotCompleted, sizeBytes, id,
	)
	if err != nil {
		return fmt.Errorf("update snapshot completed: %w", err)
	}
	return nil
}

// DeleteOlderThan removes snapshot records created before the cutoff
// and returns their S3 keys so the caller can delete the objects.
func (s *SnapshotStore) DeleteOlderThan(before time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT s3_key FROM snapshots WHERE created_at < ?`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("list old snapshots: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan snapshot key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(`DELETE FROM snapshots WHERE created_at < ?`, before); err != nil {
		return nil, fmt.Errorf("delete old snapshots: %w", err)
	}
	return keys, nil
}
