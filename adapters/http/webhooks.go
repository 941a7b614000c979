package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/artpar/apimeter/app"
	"github.com/artpar/apimeter/domain/webhook"
)

// Signature headers on inbound notifications.
const (
	HeaderPaymentSignature = "X-Payment-Signature"
	HeaderWebhookSignature = "X-Webhook-Signature"
)

// WebhookResponse acknowledges a notification.
type WebhookResponse struct {
	Status string `json:"status"`
}

// PaymentWebhook receives payment provider notifications.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r, HeaderPaymentSignature, h.reconciler.HandleProvider)
}

// EventWebhook receives generic platform events.
func (h *Handler) EventWebhook(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r, HeaderWebhookSignature, h.reconciler.HandleEvent)
}

type reconcileFunc func(ctx context.Context, payload []byte, signature string) (webhook.Outcome, error)

func (h *Handler) receive(w http.ResponseWriter, r *http.Request, header string, handle reconcileFunc) {
	payload, err := h.readBody(w, r)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	outcome, err := handle(r.Context(), payload, r.Header.Get(header))
	switch {
	case errors.Is(err, app.ErrDuplicateEvent):
		// Redelivery of an event already processed; ack so the sender stops.
		h.writeJSON(w, http.StatusOK, WebhookResponse{Status: "duplicate"})
		return
	case err != nil:
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, WebhookResponse{Status: string(outcome)})
}
