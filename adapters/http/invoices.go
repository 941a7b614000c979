package http

import (
	"bytes"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/pkg/jsonapi"
)

const invoicesPerPage = 20

// invoiceResource renders an invoice as a JSON:API resource.
func invoiceResource(inv billing.Invoice) jsonapi.Resource {
	items := make([]map[string]any, 0, len(inv.Items))
	for _, it := range inv.Items {
		items = append(items, map[string]any{
			"description": it.Description,
			"quantity":    it.Quantity,
			"unit_price":  it.UnitPrice.String(),
			"amount":      billing.FormatAmount(it.Amount),
		})
	}

	b := jsonapi.NewResource("invoices", inv.ID).
		Attr("period_start", inv.PeriodStart.Format(time.RFC3339)).
		Attr("period_end", inv.PeriodEnd.Format(time.RFC3339)).
		Attr("items", items).
		Attr("requests", inv.Requests).
		Attr("amount", billing.FormatAmount(inv.Amount)).
		Attr("currency", inv.Currency).
		Attr("status", string(inv.Status)).
		Attr("created_at", inv.CreatedAt.Format(time.RFC3339)).
		BelongsTo("subscription", "subscriptions", inv.SubscriptionID).
		BelongsTo("user", "users", inv.UserID)
	if inv.TransactionRef != "" {
		b.Attr("transaction_ref", inv.TransactionRef)
	}
	if inv.PaidAt != nil {
		b.Attr("paid_at", inv.PaidAt.Format(time.RFC3339))
	}
	return b.Build()
}

// ListInvoices returns a page of a user's invoices, newest first.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	invoices, err := h.invoices.List(r.Context(), userID)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	page, perPage := jsonapi.ParsePaginationParams(r.URL.Query(), invoicesPerPage)
	p := jsonapi.NewPagination(int64(len(invoices)), page, perPage, r.URL.Path)
	lo, hi := p.Window()

	resources := make([]jsonapi.Resource, 0, hi-lo)
	for _, inv := range invoices[lo:hi] {
		resources = append(resources, invoiceResource(inv))
	}
	jsonapi.WriteCollection(w, http.StatusOK, resources, p)
}

// ExportInvoices streams a user's invoices as CSV.
func (h *Handler) ExportInvoices(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	// Buffer so a failed export can still return an error status.
	var buf bytes.Buffer
	if err := h.invoices.WriteCSV(r.Context(), userID, &buf); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="invoices-`+userID+`.csv"`)
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to write invoice export")
	}
}
