// Package transcript publishes finished listing runs to log, metrics and
// object storage consumers.
package transcript

import (
	"context"
	"errors"

	"github.com/tjfontaine/listing-gateway/internal/core/ports"
)

// Multi fans a transcript out to every sink and joins their errors.
type Multi []ports.TranscriptSink

var _ ports.TranscriptSink = Multi(nil)

func (m Multi) Publish(ctx context.Context, t *ports.Transcript) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
