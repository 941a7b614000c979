package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/artpar/apimeter/app"
	"github.com/artpar/apimeter/domain/job"
	"github.com/artpar/apimeter/domain/usage"
)

// HeaderBatchID carries the gateway's batch identifier for deduplication.
const HeaderBatchID = "X-Batch-Id"

// UsageResponse is the overage view of a subscription.
type UsageResponse struct {
	SubscriptionID     string  `json:"subscriptionId"`
	PlanLimit          int64   `json:"planLimit"`
	CurrentUsage       int64   `json:"currentUsage"`
	Overage            int64   `json:"overage"`
	ChargePerUnit      string  `json:"chargePerUnit"`
	TotalOverageCharge string  `json:"totalOverageCharge"`
	EstimatedNextBill  string  `json:"estimatedNextBill"`
	PercentUsed        float64 `json:"percentUsed"`
	WarningLevel       string  `json:"warningLevel"`
}

// SummaryResponse is the stored monthly aggregation of a subscription.
type SummaryResponse struct {
	SubscriptionID string           `json:"subscriptionId"`
	PeriodStart    string           `json:"periodStart"`
	PeriodEnd      string           `json:"periodEnd"`
	RequestCount   int64            `json:"requestCount"`
	ErrorCount     int64            `json:"errorCount"`
	AvgLatencyMs   float64          `json:"avgLatencyMs"`
	StatusCounts   map[string]int64 `json:"statusCounts"`
}

// RunResponse reports a triggered daily run.
type RunResponse struct {
	Kind     string `json:"kind"`
	Date     string `json:"date"`
	Enqueued int    `json:"enqueued"`
	Skipped  int    `json:"skipped"`
}

// IngestLogs accepts a batch of gateway log entries. The body is either a
// JSON array or a single entry.
func (h *Handler) IngestLogs(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	entries, err := decodeEntries(body)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	res, err := h.usage.IngestBatch(r.Context(), r.Header.Get(HeaderBatchID), entries)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, res)
}

func decodeEntries(body []byte) ([]usage.LogEntry, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", app.ErrInvalidRequest)
	}
	if body[0] == '[' {
		var entries []usage.LogEntry
		if err := json.Unmarshal(body, &entries); err != nil {
			return nil, fmt.Errorf("%w: %w", app.ErrInvalidRequest, err)
		}
		return entries, nil
	}
	var e usage.LogEntry
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %w", app.ErrInvalidRequest, err)
	}
	return []usage.LogEntry{e}, nil
}

// SubscriptionUsage returns month-to-date usage and overage.
func (h *Handler) SubscriptionUsage(w http.ResponseWriter, r *http.Request) {
	res, err := h.overage.ForSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, UsageResponse{
		SubscriptionID:     res.SubscriptionID,
		PlanLimit:          res.PlanLimit,
		CurrentUsage:       res.CurrentUsage,
		Overage:            res.OverageUnits,
		ChargePerUnit:      res.ChargePerUnit.String(),
		TotalOverageCharge: res.ChargeAmount.String(),
		EstimatedNextBill:  res.EstimatedNextBill.String(),
		PercentUsed:        res.PercentUsed,
		WarningLevel:       res.WarningLevel.String(),
	})
}

// SubscriptionSummary returns the last aggregation of a month. The month
// query parameter (YYYY-MM) defaults to the current month.
func (h *Handler) SubscriptionSummary(w http.ResponseWriter, r *http.Request) {
	month := h.clock.Now()
	if raw := r.URL.Query().Get("month"); raw != "" {
		m, err := time.Parse("2006-01", raw)
		if err != nil {
			h.writeAppError(w, r, fmt.Errorf("%w: month must be YYYY-MM", app.ErrInvalidRequest))
			return
		}
		month = m
	}

	sum, err := h.overage.Summary(r.Context(), chi.URLParam(r, "id"), month)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	counts := make(map[string]int64, len(sum.StatusCounts))
	for code, n := range sum.StatusCounts {
		counts[usage.StatusKey(code)] = n
	}
	h.writeJSON(w, http.StatusOK, SummaryResponse{
		SubscriptionID: sum.SubscriptionID,
		PeriodStart:    sum.PeriodStart.Format(usage.DayLayout),
		PeriodEnd:      sum.PeriodEnd.Format(usage.DayLayout),
		RequestCount:   sum.RequestCount,
		ErrorCount:     sum.ErrorCount,
		AvgLatencyMs:   sum.AvgLatencyMs,
		StatusCounts:   counts,
	})
}

// RunBilling triggers a daily run by hand. The optional date query parameter
// (YYYY-MM-DD) overrides the day the run covers.
func (h *Handler) RunBilling(w http.ResponseWriter, r *http.Request) {
	kind, err := job.ParseKind(chi.URLParam(r, "kind"))
	if err != nil || !kind.Scheduled() {
		h.writeAppError(w, r, fmt.Errorf("%w: %q", job.ErrUnknownKind, chi.URLParam(r, "kind")))
		return
	}

	date := app.RunDate(kind, h.clock.Now())
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := time.Parse(usage.DayLayout, raw)
		if err != nil {
			h.writeAppError(w, r, fmt.Errorf("%w: date must be YYYY-MM-DD", app.ErrInvalidRequest))
			return
		}
		date = d
	}

	run, err := h.scheduler.RunDaily(r.Context(), kind, date)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	h.logger.Info().
		Str("kind", string(kind)).
		Str("date", run.Date.Format(usage.DayLayout)).
		Int("enqueued", run.Enqueued).
		Msg("billing run triggered")

	h.writeJSON(w, http.StatusAccepted, RunResponse{
		Kind:     string(run.Kind),
		Date:     run.Date.Format(usage.DayLayout),
		Enqueued: run.Enqueued,
		Skipped:  run.Skipped,
	})
}
