package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
)

// Run identifies one orchestrator invocation.
type Run struct {
	ID      string
	Request *domain.ListingRequest
}

// State is the accumulator threaded through the stages. A delta only sets the
// fields its stage produced.
type State struct {
	Images     []string
	Category   *domain.CategorySelection
	Taxonomy   *domain.CategoryTaxonomy
	Token      *ports.AccessToken
	Conditions *domain.ConditionSet
	Product    *domain.Product
	Settings   *domain.ChannelSettings
	Plan       *domain.ListingPlan
	Inventory  *ports.InventoryReceipt
	Offer      *ports.OfferReceipt
}

// Merge copies every field set in delta into s.
func (s *State) Merge(delta State) {
	if delta.Images != nil {
		s.Images = delta.Images
	}
	if delta.Category != nil {
		s.Category = delta.Category
	}
	if delta.Taxonomy != nil {
		s.Taxonomy = delta.Taxonomy
	}
	if delta.Token != nil {
		s.Token = delta.Token
	}
	if delta.Conditions != nil {
		s.Conditions = delta.Conditions
	}
	if delta.Product != nil {
		s.Product = delta.Product
	}
	if delta.Settings != nil {
		s.Settings = delta.Settings
	}
	if delta.Plan != nil {
		s.Plan = delta.Plan
	}
	if delta.Inventory != nil {
		s.Inventory = delta.Inventory
	}
	if delta.Offer != nil {
		s.Offer = delta.Offer
	}
}

// Result is what a stage hands back to the orchestrator.
type Result struct {
	Delta  State
	Output map[string]any

	// Fallback is the reason the stage used its fallback path, if it did.
	Fallback string
}

// Stage is one named step of the pipeline.
type Stage interface {
	Name() domain.StageName
	Run(ctx context.Context, run *Run, state State) (Result, error)
}

// Overridable stages accept a caller-supplied value in place of their
// computed output.
type Overridable interface {
	Stage
	ApplyOverride(ctx context.Context, run *Run, state State, value any) (Result, error)
}

// ErrorKind classifies a fatal stage failure.
type ErrorKind string

const (
	KindInvalidInput ErrorKind = "invalid_input"
	KindUpstream     ErrorKind = "upstream"
	KindInternal     ErrorKind = "internal"
)

// StageError is a fatal failure that aborted a run.
type StageError struct {
	Stage domain.StageName
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// APIError converts the failure into the caller-visible error.
func (e *StageError) APIError() *domain.APIError {
	return domain.ErrStageFailed(e.Stage, domain.ErrorCode(e.Kind), e.Err.Error()).WithCause(e)
}

// AsStageError extracts a *StageError from err.
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func invalidInput(stage domain.StageName, format string, args ...any) *StageError {
	return &StageError{Stage: stage, Kind: KindInvalidInput, Err: fmt.Errorf(format, args...)}
}

func upstream(stage domain.StageName, err error) *StageError {
	return &StageError{Stage: stage, Kind: KindUpstream, Err: err}
}

func internal(stage domain.StageName, err error) *StageError {
	return &StageError{Stage: stage, Kind: KindInternal, Err: err}
}

// Observer is notified before each stage starts.
type Observer interface {
	StageStarted(ctx context.Context, stage domain.StageName)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, stage domain.StageName)

func (f ObserverFunc) StageStarted(ctx context.Context, stage domain.StageName) {
	f(ctx, stage)
}
