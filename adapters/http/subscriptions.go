package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/artpar/apimeter/app"
	"github.com/artpar/apimeter/domain/billing"
)

// CheckoutRequestBody starts a subscription.
type CheckoutRequestBody struct {
	UserID string `json:"userId"`
	APIID  string `json:"apiId"`
	PlanID string `json:"planId"`
}

// ExecuteRequestBody completes checkout with the provider approval token.
type ExecuteRequestBody struct {
	Token string `json:"token"`
}

// SubscriptionView is the public representation of a subscription. The
// API key hash is never exposed.
type SubscriptionView struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	APIID        string     `json:"apiId"`
	PlanID       string     `json:"planId"`
	Status       string     `json:"status"`
	AgreementRef string     `json:"agreementRef,omitempty"`
	RenewalDate  *time.Time `json:"renewalDate,omitempty"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// CheckoutResponse is returned once per checkout; the API key is not
// retrievable afterwards.
type CheckoutResponse struct {
	Subscription SubscriptionView `json:"subscription"`
	ApprovalURL  string           `json:"approvalUrl"`
	APIKey       string           `json:"apiKey"`
}

func viewSubscription(s billing.Subscription) SubscriptionView {
	return SubscriptionView{
		ID:           s.ID,
		UserID:       s.UserID,
		APIID:        s.APIID,
		PlanID:       s.PlanID,
		Status:       string(s.Status),
		AgreementRef: s.ExternalAgreementRef,
		RenewalDate:  s.RenewalDate,
		CancelledAt:  s.CancelledAt,
		CreatedAt:    s.CreatedAt,
	}
}

// CreateSubscription runs checkout for a user, API and plan.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var body CheckoutRequestBody
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	res, err := h.checkout.Checkout(r.Context(), app.CheckoutRequest{
		UserID: body.UserID,
		APIID:  body.APIID,
		PlanID: body.PlanID,
	})
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	w.Header().Set("Location", "/subscriptions/"+res.Subscription.ID)
	h.writeJSON(w, http.StatusCreated, CheckoutResponse{
		Subscription: viewSubscription(res.Subscription),
		ApprovalURL:  res.ApprovalURL,
		APIKey:       res.APIKey,
	})
}

// ExecuteSubscription completes an approved checkout.
func (h *Handler) ExecuteSubscription(w http.ResponseWriter, r *http.Request) {
	var body ExecuteRequestBody
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	sub, err := h.checkout.Execute(r.Context(), chi.URLParam(r, "id"), body.Token)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, viewSubscription(sub))
}

// CancelSubscription cancels a subscription and its agreement.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.checkout.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, viewSubscription(sub))
}
