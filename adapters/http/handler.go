// Package http provides the HTTP interface of the metering service.
package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/artpar/apimeter/adapters/hasher"
	"github.com/artpar/apimeter/app"
	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/domain/job"
	"github.com/artpar/apimeter/domain/plan"
	"github.com/artpar/apimeter/domain/webhook"
	"github.com/artpar/apimeter/pkg/jsonapi"
	"github.com/artpar/apimeter/ports"
)

// DefaultMaxBodyBytes bounds request bodies when no limit is configured.
const DefaultMaxBodyBytes = 5 << 20

// Handler serves the metering, billing and webhook endpoints.
type Handler struct {
	usage      *app.UsageService
	overage    *app.OverageService
	scheduler  *app.Scheduler
	reconciler *app.Reconciler
	checkout   *app.CheckoutService
	plans      *app.PlanService
	invoices   *app.InvoiceService
	jobs       ports.JobStore
	hasher     ports.Hasher
	clock      ports.Clock
	logger     zerolog.Logger

	operatorHash []byte
	ingestToken  string // SHA-256 fingerprint, empty when log shipping is open
	maxBody      int64
}

// HandlerDeps contains dependencies for Handler.
type HandlerDeps struct {
	Usage      *app.UsageService
	Overage    *app.OverageService
	Scheduler  *app.Scheduler
	Reconciler *app.Reconciler
	Checkout   *app.CheckoutService
	Plans      *app.PlanService
	Invoices   *app.InvoiceService
	Jobs       ports.JobStore
	Hasher     ports.Hasher
	Clock      ports.Clock
	Logger     zerolog.Logger
}

// HandlerConfig configures request limits and operator authentication.
type HandlerConfig struct {
	// OperatorSecretHash is the bcrypt hash of the bearer token accepted on
	// billing triggers and admin endpoints. Empty disables those endpoints.
	OperatorSecretHash []byte
	// IngestToken is the bearer token the gateway sends with log batches.
	// Empty accepts unauthenticated batches.
	IngestToken  string
	MaxBodyBytes int64
}

// NewHandler creates the API handler.
func NewHandler(deps HandlerDeps, cfg HandlerConfig) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{
		usage:        deps.Usage,
		overage:      deps.Overage,
		scheduler:    deps.Scheduler,
		reconciler:   deps.Reconciler,
		checkout:     deps.Checkout,
		plans:        deps.Plans,
		invoices:     deps.Invoices,
		jobs:         deps.Jobs,
		hasher:       deps.Hasher,
		clock:        deps.Clock,
		logger:       deps.Logger,
		operatorHash: cfg.OperatorSecretHash,
		ingestToken:  ingestFingerprint(cfg.IngestToken),
		maxBody:      cfg.MaxBodyBytes,
	}
}

func ingestFingerprint(token string) string {
	if token == "" {
		return ""
	}
	return hasher.Fingerprint(token)
}

// RequireOperator rejects requests without the operator bearer token.
func (h *Handler) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || len(h.operatorHash) == 0 || !h.hasher.Compare(h.operatorHash, token) {
			jsonapi.WriteUnauthorized(w, "valid operator token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireIngestToken rejects log batches without the gateway's bearer
// token. Tokens are compared by fingerprint in constant time.
func (h *Handler) RequireIngestToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.ingestToken != "" {
			token := bearerToken(r)
			if token == "" || subtle.ConstantTimeCompare([]byte(hasher.Fingerprint(token)), []byte(h.ingestToken)) != 1 {
				jsonapi.WriteUnauthorized(w, "valid gateway token required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// readBody reads a bounded request body.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
}

// decodeJSON decodes a bounded JSON request body into v.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", app.ErrInvalidRequest, err)
	}
	return nil
}

// writeJSON writes a plain JSON body.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("failed to write response body")
	}
}

// writeAppError maps service errors to JSON:API error documents.
func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	var provErr *ports.ProviderError

	switch {
	case errors.As(err, &maxErr):
		jsonapi.WriteError(w, jsonapi.ErrPayloadTooLarge(maxErr.Limit))
	case errors.Is(err, app.ErrInvalidSignature):
		jsonapi.WriteError(w, jsonapi.ErrInvalidSignature(signatureHeader(r)))
	case errors.Is(err, app.ErrRetryable):
		jsonapi.WriteError(w, jsonapi.ErrRetryLater(err.Error()))
	case errors.Is(err, app.ErrInvalidRequest),
		errors.Is(err, webhook.ErrMalformed),
		errors.Is(err, webhook.ErrMissingID),
		errors.Is(err, webhook.ErrMissingType),
		errors.Is(err, app.ErrInvalidStatus),
		errors.Is(err, job.ErrUnknownKind),
		errors.Is(err, billing.ErrMissingAgreement),
		isPlanValidation(err):
		jsonapi.WriteBadRequest(w, err.Error())
	case errors.Is(err, ports.ErrNotFound):
		jsonapi.WriteNotFound(w, "resource")
	case errors.Is(err, billing.ErrInvalidTransition):
		jsonapi.WriteError(w, jsonapi.ErrInvalidTransition(err.Error()))
	case errors.Is(err, app.ErrPlanNotPublished),
		errors.Is(err, ports.ErrDuplicate),
		errors.Is(err, ports.ErrConflict),
		errors.Is(err, ports.ErrPendingInvoice):
		jsonapi.WriteConflict(w, err.Error())
	case errors.Is(err, app.ErrArchiveDisabled):
		jsonapi.WriteError(w, jsonapi.ErrServiceUnavailable(err.Error()))
	case errors.As(err, &provErr):
		h.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("payment provider call failed")
		jsonapi.WriteError(w, jsonapi.ErrPaymentProvider(provErr.Op))
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		jsonapi.WriteInternalError(w, "")
	}
}

func isPlanValidation(err error) bool {
	for _, target := range []error{
		plan.ErrMissingName, plan.ErrInvalidPrice, plan.ErrInvalidRate,
		plan.ErrInvalidCycle, plan.ErrInvalidQuota, plan.ErrInvalidTrial,
		plan.ErrInvalidCurrency,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func signatureHeader(r *http.Request) string {
	if strings.HasSuffix(r.URL.Path, "/events") {
		return HeaderWebhookSignature
	}
	return HeaderPaymentSignature
}
