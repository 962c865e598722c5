package reconcile

import (
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
)

// Metadata keys set by the checkout flow and read back from webhook
// payloads.
const (
	metaIsPartial     = "isPartial"
	metaTotalAmount   = "totalAmount"
	metaPaymentPlanID = "paymentPlanId"
	metaEntityType    = "entityType"
	metaEntityID      = "entityId"
	metaEntityName    = "entityName"
	metaUserID        = "userId"
	metaUserName      = "userName"
	metaEventDate     = "eventDate"
)

// Payment is the normalized form of a completed payment. Each Stripe
// payload kind has its own constructor; there is no field probing
// across kinds.
type Payment struct {
	AmountCents     int64
	Currency        string
	CustomerID      string
	PaymentIntentID string
	Email           string
	Name            string
	Metadata        map[string]string
}

// PaymentFromCheckoutSession normalizes a checkout.session.completed
// payload. The session's amount_total is the charged amount.
func PaymentFromCheckoutSession(sess *stripe.CheckoutSession) Payment {
	p := Payment{
		AmountCents: sess.AmountTotal,
		Currency:    string(sess.Currency),
		Metadata:    sess.Metadata,
	}
	if sess.Customer != nil {
		p.CustomerID = sess.Customer.ID
	}
	if sess.PaymentIntent != nil {
		p.PaymentIntentID = sess.PaymentIntent.ID
	}
	if sess.CustomerDetails != nil {
		p.Email = sess.CustomerDetails.Email
		p.Name = sess.CustomerDetails.Name
	}
	return p
}

// PaymentFromPaymentIntent normalizes a payment_intent.succeeded
// payload. amount_received is what actually settled.
func PaymentFromPaymentIntent(pi *stripe.PaymentIntent) Payment {
	p := Payment{
		AmountCents:     pi.AmountReceived,
		Currency:        string(pi.Currency),
		PaymentIntentID: pi.ID,
		Email:           pi.ReceiptEmail,
		Metadata:        pi.Metadata,
	}
	if pi.Customer != nil {
		p.CustomerID = pi.Customer.ID
	}
	return p
}

// PaymentFromInvoice normalizes an invoice.payment_succeeded payload.
// amount_paid covers the settled portion of the invoice.
func PaymentFromInvoice(inv *stripe.Invoice) Payment {
	p := Payment{
		AmountCents: inv.AmountPaid,
		Currency:    string(inv.Currency),
		Email:       inv.CustomerEmail,
		Name:        inv.CustomerName,
		Metadata:    inv.Metadata,
	}
	if inv.Customer != nil {
		p.CustomerID = inv.Customer.ID
	}
	return p
}

// PaymentFromCharge normalizes a charge.refunded payload. The amount
// is the refunded portion, not the original charge.
func PaymentFromCharge(ch *stripe.Charge) Payment {
	p := Payment{
		AmountCents: ch.AmountRefunded,
		Currency:    string(ch.Currency),
		Metadata:    ch.Metadata,
	}
	if ch.Customer != nil {
		p.CustomerID = ch.Customer.ID
	}
	if ch.PaymentIntent != nil {
		p.PaymentIntentID = ch.PaymentIntent.ID
	}
	if ch.BillingDetails != nil {
		p.Email = ch.BillingDetails.Email
		p.Name = ch.BillingDetails.Name
	}
	return p
}

func (p Payment) meta(key string) string {
	if p.Metadata == nil {
		return ""
	}
	return p.Metadata[key]
}

// IsPartial reports whether the checkout flow flagged this payment as
// an installment toward a payment plan.
func (p Payment) IsPartial() bool {
	return p.meta(metaIsPartial) == "true"
}

// PlanID returns the payment plan id from metadata, or 0 if absent or
// unparseable.
func (p Payment) PlanID() int64 {
	id, err := strconv.ParseInt(p.meta(metaPaymentPlanID), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// PlanTotalCents returns the plan total from metadata, or 0 if absent.
func (p Payment) PlanTotalCents() int64 {
	total, err := strconv.ParseInt(p.meta(metaTotalAmount), 10, 64)
	if err != nil {
		return 0
	}
	return total
}

// PlanDueDate returns the due date from metadata, falling back to now
// when the checkout flow did not supply one.
func (p Payment) PlanDueDate(now time.Time) time.Time {
	if raw := p.meta(metaEventDate); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return now
}

// MajorUnits renders cents as a major-unit string for email payloads.
func MajorUnits(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return sign + strconv.FormatInt(cents/100, 10) + "." + pad2(cents%100)
}

func pad2(n int64) string {
	if n < 10 {
		return "0" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(n, 10)
}
