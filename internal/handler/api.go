package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/clearing/internal/archive"
	"github.com/dukerupert/clearing/internal/store"
)

// APIHandler serves read access to the reconciled aggregates and the
// snapshot operations. All routes sit behind the bearer-token
// middleware.
type APIHandler struct {
	memberships  *store.MembershipStore
	transactions *store.TransactionStore
	plans        *store.PaymentPlanStore
	archiver     *archive.Manager
	logger       *slog.Logger
}

func NewAPIHandler(
	ms *store.MembershipStore,
	ts *store.TransactionStore,
	ps *store.PaymentPlanStore,
	am *archive.Manager,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		memberships:  ms,
		transactions: ts,
		plans:        ps,
		archiver:     am,
		logger:       logger,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// GetMembership returns the membership for a user id.
func (h *APIHandler) GetMembership(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	m, err := h.memberships.GetByUserID(userID)
	if err != nil {
		h.logger.Error("api: get membership", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if m == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetPlan returns a payment plan with its installments.
func (h *APIHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid plan id", http.StatusBadRequest)
		return
	}
	p, err := h.plans.GetByID(id)
	if err != nil {
		h.logger.Error("api: get plan", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if p == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListTransactions returns the ledger rows for a user, newest first.
func (h *APIHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "user query parameter required", http.StatusBadRequest)
		return
	}
	txns, err := h.transactions.ListByUser(userID)
	if err != nil {
		h.logger.Error("api: list transactions", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

// RunSnapshot triggers an immediate ledger snapshot.
func (h *APIHandler) RunSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := h.archiver.RunNow(r.Context())
	if err != nil {
		h.logger.Error("api: run snapshot", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

// DownloadSnapshot streams an encrypted snapshot.
func (h *APIHandler) DownloadSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid snapshot id", http.StatusBadRequest)
		return
	}
	body, size, err := h.archiver.Download(r.Context(), id)
	if err != nil {
		h.logger.Error("api: download snapshot", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("api: stream snapshot", "error", err)
	}
}
