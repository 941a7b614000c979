package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/artpar/apimeter/domain/job"
	"github.com/artpar/apimeter/domain/plan"
	"github.com/artpar/apimeter/domain/usage"
	"github.com/artpar/apimeter/pkg/jsonapi"
)

// PlanRequestBody describes a plan to publish. Money fields accept JSON
// numbers or strings.
type PlanRequestBody struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
	Cycle       string          `json:"cycle"`
	DailyQuota  *int64          `json:"daily_quota"`
	OverageRate decimal.Decimal `json:"overage_rate"`
	TrialDays   int             `json:"trial_days"`
}

// APIRequestBody registers a metered API.
type APIRequestBody struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	UpstreamURL string `json:"upstream_url"`
}

func planResource(p plan.Plan) jsonapi.Resource {
	b := jsonapi.NewResource("plans", p.ID).
		Attr("name", p.Name).
		Attr("description", p.Description).
		Attr("price", p.Price.String()).
		Attr("currency", p.Currency).
		Attr("cycle", string(p.Cycle)).
		Attr("daily_quota", p.DailyQuota).
		Attr("overage_rate", p.OverageRate.String()).
		Attr("trial_days", p.TrialDays).
		Attr("external_ref", p.ExternalRef).
		Attr("created_at", p.CreatedAt.Format(time.RFC3339))
	if p.PublishedAt != nil {
		b.Attr("published_at", p.PublishedAt.Format(time.RFC3339))
	}
	return b.Build()
}

func apiResource(a usage.API) jsonapi.Resource {
	return jsonapi.NewResource("apis", a.ID).
		Attr("slug", a.Slug).
		Attr("name", a.Name).
		Attr("upstream_url", a.UpstreamURL).
		Attr("created_at", a.CreatedAt.Format(time.RFC3339)).
		Build()
}

func deadLetterResource(dl job.DeadLetter) jsonapi.Resource {
	return jsonapi.NewResource("dead_letters", dl.Job.ID).
		Attr("kind", string(dl.Job.Kind)).
		Attr("subscription_id", dl.Job.SubscriptionID).
		Attr("date", dl.Job.Date).
		Attr("attempts", dl.Job.Attempts).
		Attr("error", dl.Error).
		Attr("failed_at", dl.FailedAt.Format(time.RFC3339)).
		Build()
}

// CreatePlan publishes a plan to the payment provider and stores it.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var body PlanRequestBody
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	p, err := h.plans.Publish(r.Context(), plan.Plan{
		Name:        body.Name,
		Description: body.Description,
		Price:       body.Price,
		Currency:    body.Currency,
		Cycle:       plan.Cycle(body.Cycle),
		DailyQuota:  body.DailyQuota,
		OverageRate: body.OverageRate,
		TrialDays:   body.TrialDays,
	})
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	jsonapi.WriteCreated(w, planResource(p), "/admin/plans/"+p.ID)
}

// ListPlans lists every plan.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.Plans(r.Context())
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	resources := make([]jsonapi.Resource, 0, len(plans))
	for _, p := range plans {
		resources = append(resources, planResource(p))
	}
	jsonapi.WriteCollection(w, http.StatusOK, resources, nil)
}

// CreateAPI registers a metered API.
func (h *Handler) CreateAPI(w http.ResponseWriter, r *http.Request) {
	var body APIRequestBody
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	api, err := h.plans.CreateAPI(r.Context(), usage.API{
		Slug:        body.Slug,
		Name:        body.Name,
		UpstreamURL: body.UpstreamURL,
	})
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	jsonapi.WriteCreated(w, apiResource(api), "/admin/apis/"+api.ID)
}

// ListAPIs lists every metered API.
func (h *Handler) ListAPIs(w http.ResponseWriter, r *http.Request) {
	apis, err := h.plans.APIs(r.Context())
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	resources := make([]jsonapi.Resource, 0, len(apis))
	for _, a := range apis {
		resources = append(resources, apiResource(a))
	}
	jsonapi.WriteCollection(w, http.StatusOK, resources, nil)
}

// ListDeadLetters returns the most recent dead-lettered jobs.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			jsonapi.WriteValidationError(w, "limit", "must be a positive integer")
			return
		}
		limit = min(n, 500)
	}

	dls, err := h.jobs.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	resources := make([]jsonapi.Resource, 0, len(dls))
	for _, dl := range dls {
		resources = append(resources, deadLetterResource(dl))
	}
	jsonapi.WriteCollection(w, http.StatusOK, resources, nil)
}

// ArchiveInvoices uploads a user's invoice export to the object store.
func (h *Handler) ArchiveInvoices(w http.ResponseWriter, r *http.Request) {
	loc, err := h.invoices.Archive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	jsonapi.WriteMeta(w, http.StatusCreated, jsonapi.Meta{"location": loc})
}
