package archive

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dukerupert/clearing/internal/model"
	"github.com/dukerupert/clearing/internal/store"
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Config holds snapshot manager configuration. The ledger is an audit
// artifact, so snapshots are always encrypted before leaving the host.
type Config struct {
	S3            S3Config
	DBPath        string
	Passphrase    string
	ScheduleHour  int // UTC hour for the daily snapshot
	RetentionDays int
}

// Manager takes encrypted snapshots of the ledger database and ships
// them to S3-compatible storage.
type Manager struct {
	mu        sync.RWMutex
	cfg       Config
	db        *sql.DB
	snapshots *store.SnapshotStore
	client    s3Client
	logger    *slog.Logger

	lastRun time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewManager(cfg Config, db *sql.DB, ss *store.SnapshotStore, logger *slog.Logger) *Manager {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	m := &Manager{
		cfg:       cfg,
		db:        db,
		snapshots: ss,
		logger:    logger,
	}
	if m.Enabled() {
		m.client = newS3Client(cfg.S3)
	}
	return m
}

// Enabled reports whether the manager has enough configuration to run.
func (m *Manager) Enabled() bool {
	return m.cfg.S3.Bucket != "" && m.cfg.S3.AccessKey != "" &&
		m.cfg.S3.SecretKey != "" && m.cfg.Passphrase != ""
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Start begins the daily snapshot loop.
func (m *Manager) Start(ctx context.Context) {
	if !m.Enabled() {
		m.logger.Info("archive: snapshots disabled")
		return
	}

	m.mu.Lock()
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkSchedule(ctx)
			}
		}
	}()
}

// Stop gracefully stops the snapshot loop.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	done := m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) checkSchedule(ctx context.Context) {
	now := time.Now().UTC()
	if now.Hour() != m.cfg.ScheduleHour {
		return
	}

	m.mu.RLock()
	ranToday := m.lastRun.Year() == now.Year() && m.lastRun.YearDay() == now.YearDay()
	m.mu.RUnlock()
	if ranToday {
		return
	}

	if _, err := m.RunNow(ctx); err != nil {
		m.logger.Error("archive: scheduled snapshot failed", "error", err)
		return
	}
	if err := m.Cleanup(ctx); err != nil {
		m.logger.Error("archive: cleanup failed", "error", err)
	}
}

// RunNow takes a snapshot immediately and returns its record id.
func (m *Manager) RunNow(ctx context.Context) (int64, error) {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	m.mu.RUnlock()

	if client == nil {
		return 0, fmt.Errorf("snapshots not configured")
	}

	timestamp := time.Now().UTC().Format("2006-01-02T150405Z")
	filename := fmt.Sprintf("ledger-%s.db.enc", timestamp)
	s3Key := "snapshots/" + filename

	record, err := m.snapshots.Create(filename, s3Key)
	if err != nil {
		return 0, fmt.Errorf("create snapshot record: %w", err)
	}

	fail := func(stage string, err error) (int64, error) {
		m.snapshots.UpdateStatus(record.ID, model.SnapshotFailed, err.Error())
		return 0, fmt.Errorf("%s: %w", stage, err)
	}

	// Checkpoint WAL so the main file is complete on disk.
	if _, err := m.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fail("wal checkpoint", err)
	}

	plaintext, err := os.ReadFile(m.cfg.DBPath)
	if err != nil {
		return fail("read database", err)
	}

	salt, err := GenerateSalt()
	if err != nil {
		return fail("generate salt", err)
	}
	sealed, err := Seal(plaintext, m.cfg.Passphrase, salt)
	if err != nil {
		return fail("encrypt", err)
	}

	m.snapshots.UpdateStatus(record.ID, model.SnapshotUploading, "")

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(s3Key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return fail("upload to s3", err)
	}

	m.snapshots.UpdateCompleted(record.ID, int64(len(sealed)))

	m.mu.Lock()
	m.lastRun = time.Now().UTC()
	m.mu.Unlock()

	m.logger.Info("archive: snapshot complete", "id", record.ID, "key", s3Key, "bytes", len(sealed))
	return record.ID, nil
}

// Download streams an encrypted snapshot from S3.
func (m *Manager) Download(ctx context.Context, snapshotID int64) (io.ReadCloser, int64, error) {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	m.mu.RUnlock()

	if client == nil {
		return nil, 0, fmt.Errorf("snapshots not configured")
	}

	record, err := m.snapshots.GetByID(snapshotID)
	if err != nil {
		return nil, 0, fmt.Errorf("get snapshot: %w", err)
	}
	if record == nil {
		return nil, 0, fmt.Errorf("snapshot not found")
	}

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(record.S3Key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("download from s3: %w", err)
	}
	return result.Body, record.SizeBytes, nil
}

// Cleanup deletes snapshots older than the retention period.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	m.mu.RUnlock()

	if client == nil {
		return nil
	}

	before := time.Now().UTC().AddDate(0, 0, -m.cfg.RetentionDays)
	keys, err := m.snapshots.DeleteOlderThan(before)
	if err != nil {
		return fmt.Errorf("delete old snapshots: %w", err)
	}

	for _, key := range keys {
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}); err != nil {
			m.logger.Warn("archive: delete s3 object", "key", key, "error", err)
		}
	}
	return nil
}
