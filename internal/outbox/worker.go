package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/clearing/internal/model"
	"github.com/dukerupert/clearing/internal/store"
)

// Sender delivers one templated email. Satisfied by email.Client.
type Sender interface {
	SendTemplate(toEmail, templateAlias string, templateModel map[string]any) error
}

// Worker drains the outbox table and delivers notifications. Delivery
// is best-effort and fully decoupled from webhook handling: a failing
// mail provider can never fail a financial write.
type Worker struct {
	store       *store.OutboxStore
	sender      Sender
	logger      *slog.Logger
	interval    time.Duration
	batchSize   int
	maxAttempts int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Config struct {
	Interval    time.Duration // poll cadence, default 15s
	BatchSize   int           // messages per poll, default 25
	MaxAttempts int           // persisted attempts before parking, default 5
}

func NewWorker(os *store.OutboxStore, sender Sender, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Worker{
		store:       os,
		sender:      sender,
		logger:      logger,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Start begins the polling loop.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.mu.Unlock()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Drain(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the current poll to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Drain processes one batch of pending messages.
func (w *Worker) Drain(ctx context.Context) {
	msgs, err := w.store.ListPending(w.batchSize)
	if err != nil {
		w.logger.Error("outbox: list pending", "error", err)
		return
	}

	for _, msg := range msgs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.deliver(ctx, msg)
	}
}

func (w *Worker) deliver(ctx context.Context, msg *model.OutboxMessage) {
	var templateModel map[string]any
	if err := json.Unmarshal([]byte(msg.Payload), &templateModel); err != nil {
		// Undeliverable payload; park it rather than retrying forever.
		w.logger.Error("outbox: bad payload", "id", msg.ID, "error", err)
		if err := w.store.RecordFailure(msg.ID, "bad payload: "+err.Error(), true); err != nil {
			w.logger.Error("outbox: record failure", "id", msg.ID, "error", err)
		}
		return
	}

	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := w.sender.SendTemplate(msg.Recipient, msg.Template, templateModel); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		final := msg.Attempts+1 >= w.maxAttempts
		w.logger.Warn("outbox: delivery failed",
			"id", msg.ID, "template", msg.Template, "attempts", msg.Attempts+1, "final", final, "error", err)
		if err := w.store.RecordFailure(msg.ID, err.Error(), final); err != nil {
			w.logger.Error("outbox: record failure", "id", msg.ID, "error", err)
		}
		return
	}

	if err := w.store.MarkSent(msg.ID, time.Now().UTC()); err != nil {
		w.logger.Error("outbox: mark sent", "id", msg.ID, "error", err)
	}
}
