package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
)

const (
	// PreviewPrefix marks dry-run result ids.
	PreviewPrefix = "PREVIEW-"
	// ListingPrefix marks listing ids synthesized when the marketplace
	// returns none.
	ListingPrefix = "HER-"

	tracerName = "github.com/tjfontaine/listing-gateway/internal/pipeline"
)

// Orchestrator drives a Registry for one request at a time. It is safe for
// concurrent use; runs share no mutable state.
type Orchestrator struct {
	registry *Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newRunID func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracer sets the tracer used for per-stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithClock sets the time source for stage timing.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRunIDs sets the run id generator.
func WithRunIDs(gen func() string) Option {
	return func(o *Orchestrator) { o.newRunID = gen }
}

// NewOrchestrator creates an orchestrator over registry.
func NewOrchestrator(registry *Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		newRunID: NewRunID,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewRunID returns a fresh dash-free UUID.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Run executes every stage in registry order. With DryRun set it stops before
// the first irreversible stage and returns a preview result.
func (o *Orchestrator) Run(ctx context.Context, req *domain.ListingRequest, observers ...Observer) (*domain.ListingResult, error) {
	run := &Run{ID: o.newRunID(), Request: req}
	logger := o.logger.With("run_id", run.ID, "sku", req.SKU, "tenant_id", req.TenantID)

	var state State
	records := make([]domain.StageRecord, 0, len(o.registry.entries))

	for _, e := range o.registry.entries {
		name := e.stage.Name()
		if req.DryRun && e.irreversible {
			logger.Info("dry run stopped before irreversible stage", "stage", name)
			return &domain.ListingResult{
				ListingID: PreviewPrefix + run.ID,
				Preview:   true,
				Stages:    records,
			}, nil
		}

		for _, obs := range observers {
			if obs != nil {
				obs.StageStarted(ctx, name)
			}
		}

		record, delta, err := o.runStage(ctx, e.stage, run, state)
		if err != nil {
			logger.Warn("stage failed", "stage", name, "error", err)
			return nil, err
		}
		if record.Source == domain.SourceFallback {
			logger.Warn("stage used fallback", "stage", name, "reason", record.Output["fallback_reason"])
		}
		state.Merge(delta)
		records = append(records, record)
	}

	listingID := ListingPrefix + run.ID
	if state.Offer != nil && state.Offer.ListingID != "" {
		listingID = state.Offer.ListingID
	}
	return &domain.ListingResult{
		ListingID: listingID,
		Stages:    records,
		Listing:   state.Plan,
	}, nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage Stage, run *Run, state State) (record domain.StageRecord, delta State, err error) {
	name := stage.Name()
	ctx, span := o.tracer.Start(ctx, "pipeline."+string(name), trace.WithAttributes(
		attribute.String("pipeline.run_id", run.ID),
		attribute.String("pipeline.stage", string(name)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("pipeline.source", string(record.Source)))
		}
		span.End()
	}()

	if value, ok := lookupOverride(run.Request.Overrides, name); ok {
		overridable, ok := stage.(Overridable)
		if !ok {
			return record, delta, internal(name, errors.New("stage does not accept overrides"))
		}
		res, err := overridable.ApplyOverride(ctx, run, state, value)
		if err != nil {
			return record, delta, classify(name, err)
		}
		return domain.StageRecord{
			Name:      name,
			ElapsedMS: 0,
			Timestamp: o.now(),
			Source:    domain.SourceOverride,
			Output:    res.Output,
		}, res.Delta, nil
	}

	started := o.now()
	res, err := stage.Run(ctx, run, state)
	if err != nil {
		return record, delta, classify(name, err)
	}
	finished := o.now()

	source := domain.SourceComputed
	if res.Fallback != "" {
		source = domain.SourceFallback
		if res.Output == nil {
			res.Output = map[string]any{}
		}
		res.Output["fallback_reason"] = res.Fallback
	}
	return domain.StageRecord{
		Name:      name,
		ElapsedMS: finished.Sub(started).Milliseconds(),
		Timestamp: finished,
		Source:    source,
		Output:    res.Output,
	}, res.Delta, nil
}

// classify wraps any non-StageError as an internal failure of stage.
func classify(stage domain.StageName, err error) error {
	if se, ok := AsStageError(err); ok {
		return se
	}
	return internal(stage, err)
}
