package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/clearing/internal/model"
	"github.com/dukerupert/clearing/internal/store"
	"github.com/dukerupert/clearing/internal/stripeclient"
)

// CheckoutHandler owns membership creation: a membership record exists
// before any webhook event for it arrives, so subscription events can
// always find their target.
type CheckoutHandler struct {
	stripeClient *stripeclient.Client
	memberships  *store.MembershipStore
	logger       *slog.Logger
}

func NewCheckoutHandler(sc *stripeclient.Client, ms *store.MembershipStore, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		stripeClient: sc,
		memberships:  ms,
		logger:       logger,
	}
}

type checkoutRequest struct {
	UserID     string `json:"userId"`
	UserName   string `json:"userName"`
	Email      string `json:"email"`
	PriceID    string `json:"priceId"`
	Mode       string `json:"mode"` // "subscription" or "payment"
	IsPartial  bool   `json:"isPartial"`
	TotalCents int64  `json:"totalAmountCents"`
	PlanID     int64  `json:"paymentPlanId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	EntityName string `json:"entityName"`
	EventDate  string `json:"eventDate"` // RFC 3339, optional
}

// CreateCheckoutSession creates a Stripe checkout session and the
// local membership record if one does not exist yet.
func (h *CheckoutHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Email == "" || req.PriceID == "" {
		http.Error(w, "userId, email, and priceId are required", http.StatusBadRequest)
		return
	}
	if req.Mode == "" {
		req.Mode = "subscription"
	}

	m, err := h.memberships.GetByUserID(req.UserID)
	if err != nil {
		h.logger.Error("checkout: membership lookup", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if m == nil {
		m, err = h.memberships.Create(req.UserID, req.Email, "", model.MembershipTrialing)
		if err != nil {
			h.logger.Error("checkout: create membership", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	if m.StripeCustomerID == "" {
		customerID, err := h.stripeClient.CreateCustomer(req.Email, req.UserID)
		if err != nil {
			h.logger.Error("checkout: create customer", "error", err)
			http.Error(w, "failed to create customer", http.StatusInternalServerError)
			return
		}
		m.StripeCustomerID = customerID
		if err := h.memberships.Update(m); err != nil {
			h.logger.Error("checkout: store customer id", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	metadata := map[string]string{
		"userId":   req.UserID,
		"userName": req.UserName,
	}
	if req.IsPartial {
		metadata["isPartial"] = "true"
		metadata["totalAmount"] = strconv.FormatInt(req.TotalCents, 10)
		if req.PlanID > 0 {
			metadata["paymentPlanId"] = strconv.FormatInt(req.PlanID, 10)
		}
		metadata["entityType"] = req.EntityType
		metadata["entityId"] = req.EntityID
		metadata["entityName"] = req.EntityName
		if req.EventDate != "" {
			metadata["eventDate"] = req.EventDate
		}
	}

	url, err := h.stripeClient.CreateCheckoutSession(stripeclient.CheckoutParams{
		CustomerID: m.StripeCustomerID,
		PriceID:    req.PriceID,
		Mode:       req.Mode,
		Metadata:   metadata,
	})
	if err != nil {
		h.logger.Error("checkout: create session", "error", err)
		http.Error(w, "failed to create checkout session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"url": url})
}

// BillingPortal creates a Stripe billing portal session for the user.
func (h *CheckoutHandler) BillingPortal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"userId"`
		ReturnURL string `json:"returnUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	m, err := h.memberships.GetByUserID(req.UserID)
	if err != nil || m == nil {
		http.Error(w, "membership not found", http.StatusNotFound)
		return
	}
	if m.StripeCustomerID == "" {
		http.Error(w, "no billing account", http.StatusBadRequest)
		return
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = "/account"
	}

	url, err := h.stripeClient.CreateBillingPortalSession(m.StripeCustomerID, returnURL)
	if err != nil {
		h.logger.Error("checkout: create portal session", "error", err)
		http.Error(w, "failed to create portal session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"url": url})
}
