// Package listings is the single entrypoint for executing a listing pipeline
// run. The synchronous HTTP path and the job workers both call Execute.
package listings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
	"github.com/tjfontaine/listing-gateway/internal/idempotency"
	"github.com/tjfontaine/listing-gateway/internal/pipeline"
	"github.com/tjfontaine/listing-gateway/internal/ratelimit"
)

// Submission is one request to run the pipeline.
type Submission struct {
	TenantID       string
	IdempotencyKey string
	Kind           domain.JobKind
	Request        domain.ListingRequest
}

// Outcome is what Execute returns alongside a nil error, and also on a rate
// limit rejection so callers can emit the limit headers.
type Outcome struct {
	Result    *domain.ListingResult
	Cached    bool
	RateLimit *ratelimit.Decision
}

// Service runs submissions through limiter, validation, idempotency and the
// orchestrator, in that order.
type Service struct {
	limiter      *ratelimit.Limiter
	coordinator  *idempotency.Coordinator
	orchestrator *pipeline.Orchestrator
	sinks        []ports.TranscriptSink
	maxImages    int
	logger       *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLimiter enables per-tenant rate limiting.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithSinks sets the transcript consumers notified after successful runs.
func WithSinks(sinks ...ports.TranscriptSink) Option {
	return func(s *Service) { s.sinks = append(s.sinks, sinks...) }
}

// WithMaxImages bounds overridden image lists.
func WithMaxImages(n int) Option {
	return func(s *Service) { s.maxImages = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a service.
func NewService(coordinator *idempotency.Coordinator, orchestrator *pipeline.Orchestrator, opts ...Option) *Service {
	s := &Service{
		coordinator:  coordinator,
		orchestrator: orchestrator,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute runs sub. Errors are *domain.APIError values.
func (s *Service) Execute(ctx context.Context, sub Submission, observers ...pipeline.Observer) (*Outcome, error) {
	out := &Outcome{}
	logger := s.logger.With("tenant_id", sub.TenantID)
	if sub.IdempotencyKey != "" {
		logger = logger.With("idempotency_key", sub.IdempotencyKey)
	}

	if s.limiter != nil {
		decision, err := s.limiter.Allow(ctx, sub.TenantID)
		if err != nil {
			return nil, domain.ErrServer("rate limiter unavailable").WithCause(err)
		}
		out.RateLimit = &decision
		if !decision.Allowed {
			logger.InfoContext(ctx, "rate limited", "retry_after", decision.RetryAfter)
			return out, domain.ErrRateLimit("rate limit exceeded", decision.RetryAfter)
		}
	}

	req := sub.Request
	req.TenantID = sub.TenantID
	Normalize(&req)
	if err := Validate(&req, s.maxImages); err != nil {
		return out, err
	}

	begin, err := s.coordinator.Begin(ctx, sub.TenantID, sub.IdempotencyKey)
	if err != nil {
		return out, domain.ErrServer("idempotency store unavailable").WithCause(err)
	}
	switch begin.Decision {
	case idempotency.Cached:
		out.Result = begin.Result
		out.Cached = true
		return out, nil
	case idempotency.InFlight:
		return out, domain.ErrDuplicateInFlight(sub.IdempotencyKey)
	}

	// Bookkeeping must land even when the caller goes away mid-run.
	bg := context.WithoutCancel(ctx)
	completed := false
	defer func() {
		if completed {
			return
		}
		if r := recover(); r != nil {
			s.release(bg, logger, sub, begin.Lease)
			panic(r)
		}
	}()

	result, err := s.orchestrator.Run(ctx, &req, observers...)
	if err != nil {
		completed = true
		s.release(bg, logger, sub, begin.Lease)
		if se, ok := pipeline.AsStageError(err); ok {
			return out, se.APIError()
		}
		return out, domain.AsAPIError(err)
	}
	completed = true

	if err := s.coordinator.Complete(bg, sub.TenantID, sub.IdempotencyKey, begin.Lease, result); err != nil {
		if errors.Is(err, ports.ErrLeaseLost) {
			logger.WarnContext(ctx, "idempotency lease lost, result not cached", "error", err)
		} else {
			logger.ErrorContext(ctx, "failed to store idempotent result", "error", err)
		}
	}
	s.publish(bg, logger, &ports.Transcript{
		TenantID:       sub.TenantID,
		IdempotencyKey: sub.IdempotencyKey,
		SKU:            req.SKU,
		Result:         result,
	})

	out.Result = result
	return out, nil
}

// Validate normalizes req in place and checks it the way Execute does, for
// callers that accept work before executing it.
func (s *Service) Validate(req *domain.ListingRequest) error {
	Normalize(req)
	return Validate(req, s.maxImages)
}

func (s *Service) release(ctx context.Context, logger *slog.Logger, sub Submission, lease string) {
	if err := s.coordinator.Fail(ctx, sub.TenantID, sub.IdempotencyKey, lease); err != nil {
		logger.ErrorContext(ctx, "failed to release idempotency key", "error", err)
	}
}

func (s *Service) publish(ctx context.Context, logger *slog.Logger, t *ports.Transcript) {
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, t); err != nil {
			logger.WarnContext(ctx, "transcript sink failed", "sink", fmt.Sprintf("%T", sink), "error", err)
		}
	}
}
