package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/clearing/internal/archive"
	"github.com/dukerupert/clearing/internal/email"
	"github.com/dukerupert/clearing/internal/handler"
	"github.com/dukerupert/clearing/internal/middleware"
	"github.com/dukerupert/clearing/internal/outbox"
	"github.com/dukerupert/clearing/internal/reconcile"
	"github.com/dukerupert/clearing/internal/store"
	"github.com/dukerupert/clearing/internal/stripeclient"
	"github.com/dukerupert/clearing/internal/webhook"
)

type Config struct {
	Stripe   stripeclient.Config
	Archive  archive.Config
	Outbox   outbox.Config
	APIToken string
}

type Server struct {
	db               *sql.DB
	membershipStore  *store.MembershipStore
	transactionStore *store.TransactionStore
	planStore        *store.PaymentPlanStore
	outboxStore      *store.OutboxStore
	snapshotStore    *store.SnapshotStore
	webhookH         *webhook.Handler
	checkoutH        *handler.CheckoutHandler
	apiH             *handler.APIHandler
	outboxWorker     *outbox.Worker
	archiver         *archive.Manager
	apiToken         string
	rateLimiter      *middleware.RateLimiter
	logger           *slog.Logger
}

func New(db *sql.DB, cfg Config, emailClient *email.Client, logger *slog.Logger) *Server {
	membershipStore := store.NewMembershipStore(db)
	transactionStore := store.NewTransactionStore(db)
	planStore := store.NewPaymentPlanStore(db)
	outboxStore := store.NewOutboxStore(db)
	snapshotStore := store.NewSnapshotStore(db)

	stripeClient := stripeclient.NewClient(cfg.Stripe)

	reconciler := reconcile.New(db, membershipStore, transactionStore, planStore, outboxStore,
		logger.With("component", "reconcile"))
	webhookH := webhook.NewHandler(stripeClient, reconciler, logger.With("component", "webhook"))
	checkoutH := handler.NewCheckoutHandler(stripeClient, membershipStore, logger.With("component", "checkout"))

	archiver := archive.NewManager(cfg.Archive, db, snapshotStore, logger.With("component", "archive"))
	apiH := handler.NewAPIHandler(membershipStore, transactionStore, planStore, archiver,
		logger.With("component", "api"))

	outboxWorker := outbox.NewWorker(outboxStore, emailClient, cfg.Outbox,
		logger.With("component", "outbox"))

	return &Server{
		db:               db,
		membershipStore:  membershipStore,
		transactionStore: transactionStore,
		planStore:        planStore,
		outboxStore:      outboxStore,
		snapshotStore:    snapshotStore,
		webhookH:         webhookH,
		checkoutH:        checkoutH,
		apiH:             apiH,
		outboxWorker:     outboxWorker,
		archiver:         archiver,
		apiToken:         cfg.APIToken,
		rateLimiter:      middleware.NewRateLimiter(),
		logger:           logger,
	}
}

// OutboxWorker returns the notification delivery worker for lifecycle
// management.
func (s *Server) OutboxWorker() *outbox.Worker {
	return s.outboxWorker
}

// Archiver returns the snapshot manager for lifecycle management.
func (s *Server) Archiver() *archive.Manager {
	return s.archiver
}

// OutboxStore returns the outbox store for cleanup tasks.
func (s *Server) OutboxStore() *store.OutboxStore {
	return s.outboxStore
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)

	// Stripe webhook (public, signature-verified)
	mux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)

	// Operational API (bearer token, rate-limited)
	authMw := middleware.RequireToken(s.apiToken)
	rateMw := middleware.RateLimit(s.rateLimiter, middleware.RealIP, 60, time.Minute)
	api := func(h http.HandlerFunc) http.Handler {
		return rateMw(authMw(h))
	}

	mux.Handle("POST /api/checkout", api(s.checkoutH.CreateCheckoutSession))
	mux.Handle("POST /api/billing-portal", api(s.checkoutH.BillingPortal))
	mux.Handle("GET /api/memberships/{userID}", api(s.apiH.GetMembership))
	mux.Handle("GET /api/plans/{id}", api(s.apiH.GetPlan))
	mux.Handle("GET /api/transactions", api(s.apiH.ListTransactions))
	mux.Handle("POST /api/snapshots/run", api(s.apiH.RunSnapshot))
	mux.Handle("GET /api/snapshots/{id}/download", api(s.apiH.DownloadSnapshot))

	return middleware.RequestLogger(s.logger)(mux)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
