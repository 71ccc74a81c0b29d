// Package storage groups the persistence backends behind the core ports.
package storage

import (
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
)

// Store is everything the gateway persists: idempotency entries, rate
// buckets and jobs.
type Store interface {
	ports.IdempotencyStore
	ports.IdempotencySweeper
	ports.BucketStore
	ports.JobStore
	Close() error
}
