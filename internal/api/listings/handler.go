// Package listings exposes the listing pipeline over HTTP.
package listings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tjfontaine/listing-gateway/internal/catalog"
	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
	"github.com/tjfontaine/listing-gateway/internal/jobs"
	"github.com/tjfontaine/listing-gateway/internal/listings"
	"github.com/tjfontaine/listing-gateway/internal/server"
)

const (
	// IdempotencyHeader carries the caller's idempotency key.
	IdempotencyHeader = "Idempotency-Key"

	// ReplayHeader is set to "true" when a stored result is returned.
	ReplayHeader = "X-Idempotent-Replay"
)

// Handler serves the listing, job and stage endpoints.
type Handler struct {
	service  *listings.Service
	tracker  *jobs.Tracker
	enricher ports.Enricher
	policy   catalog.ImagePolicy
	logger   *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithEnricher backs the extract and description stage endpoints. Without one
// those endpoints answer with their fallbacks.
func WithEnricher(e ports.Enricher) Option {
	return func(h *Handler) { h.enricher = e }
}

// WithImagePolicy applies policy to the resolve_images stage endpoint.
func WithImagePolicy(policy catalog.ImagePolicy) Option {
	return func(h *Handler) { h.policy = policy }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

func NewHandler(service *listings.Service, tracker *jobs.Tracker, opts ...Option) *Handler {
	h := &Handler{service: service, tracker: tracker, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Mount registers the routes on r. Everything except /health requires auth.
func (h *Handler) Mount(r chi.Router, auth ports.AuthProvider) {
	r.Get("/health", h.health)

	r.Group(func(r chi.Router) {
		r.Use(server.AuthMiddleware(auth))

		r.Post("/listings", h.createListing)
		r.Post("/listings/continue", h.continueListing)
		r.Post("/jobs/listings", h.enqueueListing)
		r.Post("/jobs/listings/continue", h.enqueueContinue)
		r.Get("/jobs/{id}", h.jobStatus)

		r.Post("/stages/resolve_images", h.stageResolveImages)
		r.Post("/stages/select_category", h.stageSelectCategory)
		r.Post("/stages/extract_product", h.stageExtractProduct)
		r.Post("/stages/description", h.stageDescription)
	})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	server.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) createListing(w http.ResponseWriter, r *http.Request) {
	var req domain.ListingRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.execute(w, r, domain.JobKindListing, req)
}

func (h *Handler) continueListing(w http.ResponseWriter, r *http.Request) {
	var req domain.ContinueRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.execute(w, r, domain.JobKindContinue, req.ListingRequest(""))
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request, kind domain.JobKind, req domain.ListingRequest) {
	ctx := r.Context()
	sub := h.submission(r, kind, req)

	out, err := h.service.Execute(ctx, sub)
	if out != nil && out.RateLimit != nil {
		server.SetRateLimits(ctx, &server.RateLimitInfo{
			Limit:     out.RateLimit.Limit,
			Remaining: out.RateLimit.Remaining,
			Reset:     out.RateLimit.ResetAfter,
		})
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	server.AddLogField(ctx, "listing_id", out.Result.ListingID)
	if out.Cached {
		w.Header().Set(ReplayHeader, "true")
	}
	server.WriteJSON(w, http.StatusOK, out.Result)
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

func (h *Handler) enqueueListing(w http.ResponseWriter, r *http.Request) {
	var req domain.ListingRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.enqueue(w, r, domain.JobKindListing, req)
}

func (h *Handler) enqueueContinue(w http.ResponseWriter, r *http.Request) {
	var req domain.ContinueRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.enqueue(w, r, domain.JobKindContinue, req.ListingRequest(""))
}

// enqueue validates before accepting so malformed requests fail fast instead
// of becoming failed jobs.
func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, kind domain.JobKind, req domain.ListingRequest) {
	ctx := r.Context()
	sub := h.submission(r, kind, req)
	if err := h.service.Validate(&sub.Request); err != nil {
		h.fail(w, r, err)
		return
	}

	id, err := h.tracker.Submit(ctx, sub)
	switch {
	case errors.Is(err, jobs.ErrQueueSaturated):
		h.fail(w, r, domain.ErrQueueSaturated("job queue is full, retry later"))
		return
	case errors.Is(err, jobs.ErrClosed), errors.Is(err, jobs.ErrNotStarted):
		h.fail(w, r, domain.NewAPIError(domain.ErrorTypeOverloaded, "job queue is not accepting work").WithCause(err))
		return
	case err != nil:
		h.fail(w, r, domain.ErrServer("failed to enqueue job").WithCause(err))
		return
	}

	server.AddLogField(ctx, "job_id", id)
	server.WriteJSON(w, http.StatusAccepted, enqueueResponse{JobID: id})
}

func (h *Handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		h.fail(w, r, domain.ErrInvalidRequest("job id must be a UUID").WithCode("invalid_job_id").WithParam("id"))
		return
	}
	server.AddLogField(r.Context(), "job_id", id)

	job, err := h.tracker.Status(r.Context(), id)
	if errors.Is(err, jobs.ErrJobNotFound) {
		h.fail(w, r, domain.ErrNotFound("job not found"))
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// Jobs are only visible to the tenant that created them.
	if auth := server.AuthFromContext(r.Context()); auth != nil && auth.TenantID != job.TenantID {
		h.fail(w, r, domain.ErrNotFound("job not found"))
		return
	}
	server.WriteJSON(w, http.StatusOK, job)
}

func (h *Handler) submission(r *http.Request, kind domain.JobKind, req domain.ListingRequest) listings.Submission {
	ctx := r.Context()
	var tenantID string
	if auth := server.AuthFromContext(ctx); auth != nil {
		tenantID = auth.TenantID
	}
	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	server.AddLogField(ctx, "idempotency_key", key)
	req.TenantID = tenantID
	return listings.Submission{
		TenantID:       tenantID,
		IdempotencyKey: key,
		Kind:           kind,
		Request:        req,
	}
}

// decode reads a JSON body into v, writing the error response itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		h.fail(w, r, domain.ErrInvalidRequest(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)).
			WithStatusCode(http.StatusRequestEntityTooLarge))
	case errors.Is(err, io.EOF):
		h.fail(w, r, domain.ErrInvalidRequest("request body is empty"))
	default:
		h.fail(w, r, domain.ErrInvalidRequest("invalid JSON: "+err.Error()).WithCause(err))
	}
	return false
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := domain.AsAPIError(err)
	server.AddError(r.Context(), apiErr)
	if apiErr.HTTPStatusCode() >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "error", err, "request_id", server.GetRequestID(r.Context()))
	}
	server.WriteError(w, apiErr)
}
