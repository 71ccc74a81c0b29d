package runtime

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/tjfontaine/listing-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
	"github.com/tjfontaine/listing-gateway/internal/pkg/config"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig loads config.yaml from path and hot-reloads tenant keys and
// defaults when it changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path, file.WithLogger(g.logger))
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.configProvider = provider
		return nil
	}
}

// WithConfig uses an already loaded configuration. No reloads happen.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return fmt.Errorf("config is nil")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		g.cfg = cfg
		return nil
	}
}

// WithLogger sets a custom logger. Put it first so later options log through it.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithEnricher replaces the enricher built from the enrichment section.
func WithEnricher(e ports.Enricher) Option {
	return func(g *Gateway) error {
		g.enricher = e
		return nil
	}
}

// WithMarketplace replaces the marketplace client built from config.
func WithMarketplace(m ports.Marketplace) Option {
	return func(g *Gateway) error {
		g.market = m
		return nil
	}
}

// WithClock sets the time source for the limiter, idempotency and jobs.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) error {
		g.now = now
		return nil
	}
}

// WithListener serves on ln instead of listening on server.port.
func WithListener(ln net.Listener) Option {
	return func(g *Gateway) error {
		g.listener = ln
		return nil
	}
}
