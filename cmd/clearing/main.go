package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukerupert/clearing/internal/archive"
	"github.com/dukerupert/clearing/internal/database"
	"github.com/dukerupert/clearing/internal/email"
	"github.com/dukerupert/clearing/internal/logging"
	"github.com/dukerupert/clearing/internal/outbox"
	"github.com/dukerupert/clearing/internal/server"
	"github.com/dukerupert/clearing/internal/stripeclient"
)

func main() {
	logger := logging.Setup(os.Getenv("CLEARING_LOG_LEVEL"), os.Getenv("CLEARING_LOG_FORMAT"))

	port := os.Getenv("CLEARING_PORT")
	if port == "" {
		port = "8091"
	}

	dbPath := os.Getenv("CLEARING_DB_PATH")
	if dbPath == "" {
		dbPath = "clearing.db"
	}

	baseURL := os.Getenv("CLEARING_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:" + port
	}

	if os.Getenv("STRIPE_WEBHOOK_SECRET") == "" {
		slog.Error("STRIPE_WEBHOOK_SECRET is required")
		os.Exit(1)
	}

	db, err := database.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	emailClient := email.NewClient(
		os.Getenv("CLEARING_POSTMARK_TOKEN"),
		os.Getenv("CLEARING_FROM_EMAIL"),
	)

	scheduleHour, _ := strconv.Atoi(os.Getenv("CLEARING_SNAPSHOT_HOUR"))
	retentionDays, _ := strconv.Atoi(os.Getenv("CLEARING_SNAPSHOT_RETENTION_DAYS"))

	cfg := server.Config{
		Stripe: stripeclient.Config{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			SuccessURL:    baseURL + "/checkout/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:     baseURL + "/checkout/cancel",
		},
		Archive: archive.Config{
			S3: archive.S3Config{
				Endpoint:  os.Getenv("CLEARING_S3_ENDPOINT"),
				Bucket:    os.Getenv("CLEARING_S3_BUCKET"),
				Region:    os.Getenv("CLEARING_S3_REGION"),
				AccessKey: os.Getenv("CLEARING_S3_ACCESS_KEY"),
				SecretKey: os.Getenv("CLEARING_S3_SECRET_KEY"),
			},
			DBPath:        dbPath,
			Passphrase:    os.Getenv("CLEARING_SNAPSHOT_PASSPHRASE"),
			ScheduleHour:  scheduleHour,
			RetentionDays: retentionDays,
		},
		Outbox:   outbox.Config{},
		APIToken: os.Getenv("CLEARING_API_TOKEN"),
	}

	srv := server.New(db, cfg, emailClient, logger)

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	srv.OutboxWorker().Start(workerCtx)
	srv.Archiver().Start(workerCtx)

	// Background cleanup goroutine
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().UTC().AddDate(0, 0, -7)
				if n, err := srv.OutboxStore().DeleteSentBefore(cutoff); err != nil {
					slog.Error("cleanup sent outbox messages", "error", err)
				} else if n > 0 {
					slog.Info("cleaned up sent outbox messages", "count", n)
				}
				srv.RateLimiter().Cleanup()
			case <-workerCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("clearing service starting", "addr", ":"+port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	workerCancel()
	srv.OutboxWorker().Stop()
	srv.Archiver().Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
