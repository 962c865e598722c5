package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/dukerupert/clearing/internal/archive"
	"github.com/dukerupert/clearing/internal/database"
	"github.com/dukerupert/clearing/internal/model"
	"github.com/dukerupert/clearing/internal/store"
)

func setupAPITest(t *testing.T) (*APIHandler, *store.MembershipStore, *store.TransactionStore, *store.PaymentPlanStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ms := store.NewMembershipStore(db)
	ts := store.NewTransactionStore(db)
	ps := store.NewPaymentPlanStore(db)
	ss := store.NewSnapshotStore(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	am := archive.NewManager(archive.Config{}, db, ss, logger)
	return NewAPIHandler(ms, ts, ps, am, logger), ms, ts, ps
}

func serveAPI(h *APIHandler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/memberships/{userID}", h.GetMembership)
	mux.HandleFunc("GET /api/plans/{id}", h.GetPlan)
	mux.HandleFunc("GET /api/transactions", h.ListTransactions)
	return mux
}

func TestGetMembership(t *testing.T) {
	h, ms, _, _ := setupAPITest(t)
	ms.Create("user-1", "alice@example.com", "cus_123", model.MembershipActive)

	req := httptest.NewRequest(http.MethodGet, "/api/memberships/user-1", nil)
	w := httptest.NewRecorder()
	serveAPI(h).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got model.Membership
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UserID != "user-1" || got.Status != model.MembershipActive {
		t.Errorf("got %q/%q, want user-1/active", got.UserID, got.Status)
	}
}

func TestGetMembershipNotFound(t *testing.T) {
	h, _, _, _ := setupAPITest(t)

	req := httptest.NewRequest(http.MethodGet, "/api/memberships/missing", nil)
	w := httptest.NewRecorder()
	serveAPI(h).ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGetPlan(t *testing.T) {
	h, _, _, ps := setupAPITest(t)

	plan, err := ps.Create(&model.PaymentPlan{
		UserID:         "user-1",
		TotalCents:     350000,
		PaidCents:      116667,
		RemainingCents: 233333,
		Currency:       "usd",
		Status:         model.PlanActive,
		DueDate:        time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		Installments: []model.Installment{
			{AmountCents: 116667, Status: model.InstallmentPaid, DueDate: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)},
		},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/plans/"+strconv.FormatInt(plan.ID, 10), nil)
	w := httptest.NewRecorder()
	serveAPI(h).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got model.PaymentPlan
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TotalCents != 350000 || len(got.Installments) != 1 {
		t.Errorf("total = %d, installments = %d", got.TotalCents, len(got.Installments))
	}
}

func TestGetPlanBadID(t *testing.T) {
	h, _, _, _ := setupAPITest(t)

	req := httptest.NewRequest(http.MethodGet, "/api/plans/abc", nil)
	w := httptest.NewRecorder()
	serveAPI(h).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestListTransactions(t *testing.T) {
	h, _, ts, _ := setupAPITest(t)
	ts.Create(&model.Transaction{UserID: "user-1", AmountCents: 175000, Status: "succeeded", Type: model.TransactionSubscription})

	req := httptest.NewRequest(http.MethodGet, "/api/transactions?user=user-1", nil)
	w := httptest.NewRecorder()
	serveAPI(h).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got struct {
		Transactions []model.Transaction `json:"transactions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Transactions) != 1 || got.Transactions[0].AmountCents != 175000 {
		t.Errorf("unexpected transactions: %+v", got.Transactions)
	}
}

func TestListTransactionsMissingUser(t *testing.T) {
	h, _, _, _ := setupAPITest(t)

	req := httptest.NewRequest(http.MethodGet, "/api/transactions", nil)
	w := httptest.NewRecorder()
	serveAPI(h).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
