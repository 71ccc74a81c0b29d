// Package pipeline provides the listing pipeline execution engine.
//
// A run drives a fixed, ordered registry of stages over an explicit
// accumulator. Each stage consumes the accumulated State and returns a delta
// plus a transcript payload; the orchestrator merges the delta, times the
// stage and appends a StageRecord.
//
// # Stage order
//
//	resolve_images -> select_category -> fetch_taxonomy -> acquire_access_token
//	-> prepare_conditions -> extract_product -> build_listing
//	   (dry-run checkpoint)
//	-> push_inventory -> publish_offer
//
// # Overrides
//
// Before a stage runs, the orchestrator looks the stage name up in the
// override table. When the request carries an override for it, the stage's
// ApplyOverride is used instead of Run and the record is written with zero
// duration and source "override".
//
// # Failures
//
// Every error leaving a stage is fatal and surfaces as a *StageError naming
// the stage. Stages with a defined fallback absorb their own failures and
// report Result.Fallback, which marks the record with source "fallback".
package pipeline
