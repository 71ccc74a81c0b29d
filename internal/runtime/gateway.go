// Package runtime assembles the listing gateway from configuration and owns
// its lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/tjfontaine/listing-gateway/internal/adapters/auth/apikey"
	"github.com/tjfontaine/listing-gateway/internal/adapters/auth/none"
	"github.com/tjfontaine/listing-gateway/internal/adapters/auth/oidc"
	"github.com/tjfontaine/listing-gateway/internal/adapters/config/file"
	apilistings "github.com/tjfontaine/listing-gateway/internal/api/listings"
	"github.com/tjfontaine/listing-gateway/internal/catalog"
	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
	"github.com/tjfontaine/listing-gateway/internal/enrichment"
	"github.com/tjfontaine/listing-gateway/internal/idempotency"
	"github.com/tjfontaine/listing-gateway/internal/jobs"
	"github.com/tjfontaine/listing-gateway/internal/listings"
	"github.com/tjfontaine/listing-gateway/internal/marketplace"
	"github.com/tjfontaine/listing-gateway/internal/pipeline"
	"github.com/tjfontaine/listing-gateway/internal/pkg/config"
	"github.com/tjfontaine/listing-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/listing-gateway/internal/ratelimit"
	"github.com/tjfontaine/listing-gateway/internal/server"
	"github.com/tjfontaine/listing-gateway/internal/storage"
	"github.com/tjfontaine/listing-gateway/internal/storage/memory"
	"github.com/tjfontaine/listing-gateway/internal/storage/sqldb"
	"github.com/tjfontaine/listing-gateway/internal/telemetry"
	"github.com/tjfontaine/listing-gateway/internal/transcript"
)

// setupTimeout bounds network calls made while building the gateway (OIDC
// discovery, bucket checks).
const setupTimeout = 30 * time.Second

// Gateway is the assembled listing gateway. It can be embedded in a larger
// program or run standalone by cmd/listing-gateway.
type Gateway struct {
	// Dependencies (injected via options)
	configProvider *file.Provider
	cfg            *config.Config
	logger         *slog.Logger
	enricher       ports.Enricher
	market         ports.Marketplace
	now            func() time.Time
	listener       net.Listener

	// Built from config
	store       storage.Store
	auth        ports.AuthProvider
	apiKeys     *apikey.Provider
	tenants     *file.TenantDefaults
	coordinator *idempotency.Coordinator
	service     *listings.Service
	tracker     *jobs.Tracker
	server      *server.Server
	telemetry   *telemetry.Providers

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	serveWG sync.WaitGroup
	started bool
}

// New builds a Gateway. Exactly one of WithConfig or WithFileConfig is required.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.cfg == nil && gw.configProvider == nil {
		return nil, fmt.Errorf("config required (use WithConfig or WithFileConfig)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	if gw.cfg == nil {
		cfg, err := gw.configProvider.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		gw.cfg = cfg
	}

	if err := gw.build(ctx); err != nil {
		gw.closeResources(context.Background())
		return nil, err
	}
	return gw, nil
}

func (g *Gateway) build(ctx context.Context) error {
	cfg := g.cfg

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.Init(telemetry.Options{ServiceName: cfg.Telemetry.ServiceName}, g.logger)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		g.telemetry = tp
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	g.store = store

	if err := g.buildAuth(ctx); err != nil {
		return err
	}
	g.tenants = file.NewTenantDefaults(cfg)

	if g.enricher == nil {
		g.enricher = newEnricher(cfg.Enrichment, g.logger)
	}
	if g.market == nil {
		g.market = newMarketplace(cfg.Marketplace, g.logger)
	}

	var defaults ports.TenantDefaults = g.tenants
	if db, ok := store.(ports.TenantDefaults); ok {
		defaults = stackedDefaults{g.tenants, db}
	}

	policy := catalog.ImagePolicy{MaxImages: cfg.Pipeline.MaxImages, AllowedDomains: cfg.Pipeline.ImageDomainAllowlist}
	orch := pipeline.NewOrchestrator(
		pipeline.DefaultRegistry(pipeline.Deps{
			Marketplace:    g.market,
			Enricher:       g.enricher,
			TenantDefaults: defaults,
			ImagePolicy:    policy,
			Logger:         g.logger,
		}),
		pipeline.WithLogger(g.logger),
		pipeline.WithClock(g.now),
	)

	g.coordinator = idempotency.NewCoordinator(store,
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithInFlightTTL(cfg.Idempotency.InFlightTTL),
		idempotency.WithClock(g.now),
		idempotency.WithLogger(g.logger),
	)

	sinks, err := g.buildSinks(ctx)
	if err != nil {
		return err
	}

	svcOpts := []listings.Option{
		listings.WithSinks(sinks...),
		listings.WithMaxImages(cfg.Pipeline.MaxImages),
		listings.WithLogger(g.logger),
	}
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.New(store, cfg.RateLimit.Rate, cfg.RateLimit.Capacity, ratelimit.WithClock(g.now))
		svcOpts = append(svcOpts, listings.WithLimiter(limiter))
	}
	g.service = listings.NewService(g.coordinator, orch, svcOpts...)

	g.tracker = jobs.NewTracker(store, g.service,
		jobs.WithWorkers(cfg.Jobs.Workers),
		jobs.WithQueueSize(cfg.Jobs.QueueSize),
		jobs.WithInstanceID(cfg.Jobs.InstanceID),
		jobs.WithHeartbeat(cfg.Jobs.HeartbeatInterval, cfg.Jobs.StaleAfter),
		jobs.WithClock(g.now),
		jobs.WithLogger(g.logger),
	)

	g.server = server.New(server.Options{
		ServiceName:    cfg.Telemetry.ServiceName,
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Logger:         g.logger,
	})
	apilistings.NewHandler(g.service, g.tracker,
		apilistings.WithEnricher(g.enricher),
		apilistings.WithImagePolicy(policy),
		apilistings.WithLogger(g.logger),
	).Mount(g.server.Router, g.auth)

	g.logger.Info("gateway built",
		slog.String("storage", cfg.Storage.Type),
		slog.String("auth", cfg.Auth.Mode),
		slog.String("marketplace", cfg.Marketplace.Mode),
		slog.Bool("enrichment", cfg.Enrichment.Enabled),
		slog.Int("sinks", len(sinks)),
		slog.Int("tenants", len(cfg.Tenants)))
	return nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "sqlite":
		store, err := sqldb.NewSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		return store, nil
	case "postgres":
		driver := cfg.Database.Driver
		if driver == "" {
			driver = "postgres"
		}
		store, err := sqldb.New(sqldb.Config{Driver: driver, DSN: cfg.Database.DSN})
		if err != nil {
			return nil, fmt.Errorf("open postgres storage: %w", err)
		}
		return store, nil
	default:
		return memory.New(), nil
	}
}

func (g *Gateway) buildAuth(ctx context.Context) error {
	switch g.cfg.Auth.Mode {
	case "oidc":
		provider, err := oidc.Discover(ctx, g.cfg.Auth.OIDC)
		if err != nil {
			return fmt.Errorf("oidc discovery: %w", err)
		}
		g.auth = provider
	case "none":
		g.logger.Warn("auth disabled, all requests map to the default tenant", slog.String("tenant_id", none.DefaultTenant))
		g.auth = none.Provider{}
	default:
		g.apiKeys = apikey.NewProvider(g.cfg)
		g.auth = g.apiKeys
	}
	return nil
}

func newEnricher(cfg config.EnrichmentConfig, logger *slog.Logger) ports.Enricher {
	if !cfg.Enabled || cfg.GatewayURL == "" {
		return enrichment.Disabled{}
	}
	client := enrichment.NewClient(cfg.GatewayURL,
		enrichment.WithAPIKey(cfg.APIKey),
		enrichment.WithFunctionName(cfg.FunctionName),
		enrichment.WithModel(cfg.Model),
		enrichment.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	)
	return enrichment.NewEnricher(client,
		enrichment.WithTokenBudget(cfg.PromptTokenBudget),
		enrichment.WithLogger(logger),
	)
}

func newMarketplace(cfg config.MarketplaceConfig, logger *slog.Logger) ports.Marketplace {
	if cfg.Mode != "live" {
		return marketplace.NewStub()
	}
	return marketplace.NewEBay(marketplace.Config{
		Environment:    cfg.Environment,
		BaseURL:        cfg.BaseURL,
		AppID:          cfg.AppID,
		CertID:         cfg.CertID,
		RefreshToken:   cfg.RefreshToken,
		CategoryTreeID: cfg.CategoryTreeID,
		CacheSize:      cfg.TaxonomyCacheSize,
		CacheTTL:       cfg.TaxonomyCacheTTL,
		Timeout:        cfg.Timeout,
	},
		marketplace.WithHTTPClient(safehttp.NewClient(cfg.Timeout)),
		marketplace.WithLogger(logger),
	)
}

func (g *Gateway) buildSinks(ctx context.Context) ([]ports.TranscriptSink, error) {
	cfg := g.cfg.Transcripts
	var sinks []ports.TranscriptSink

	if cfg.Log {
		sinks = append(sinks, transcript.NewLogSink(g.logger))
	}
	if cfg.Metrics {
		sink, err := transcript.NewMetricsSink(otel.GetMeterProvider())
		if err != nil {
			return nil, fmt.Errorf("create metrics sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if a := cfg.Archive; a.Enabled {
		archiveCfg := transcript.ArchiveConfig{
			Endpoint:  a.Endpoint,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
			Bucket:    a.Bucket,
			Region:    a.Region,
			UseSSL:    a.UseSSL,
			Prefix:    a.Prefix,
		}
		client, err := transcript.NewMinIOClient(archiveCfg)
		if err != nil {
			return nil, fmt.Errorf("create archive client: %w", err)
		}
		if err := transcript.EnsureBucket(ctx, client, a.Bucket, a.Region); err != nil {
			return nil, fmt.Errorf("ensure archive bucket: %w", err)
		}
		sinks = append(sinks, transcript.NewArchiveSink(client, a.Bucket, a.Prefix))
	}
	return sinks, nil
}

// Handler returns the HTTP handler with every route mounted.
func (g *Gateway) Handler() http.Handler {
	return g.server.Router
}

// Config returns the active configuration.
func (g *Gateway) Config() *config.Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// Start recovers and starts the job workers, starts serving HTTP and, with
// file config, begins watching for changes.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return fmt.Errorf("gateway already started")
	}

	g.ctx, g.cancel = context.WithCancel(ctx)

	if err := g.tracker.Start(g.ctx); err != nil {
		return fmt.Errorf("start job tracker: %w", err)
	}

	ln := g.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", g.cfg.Server.Port))
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		g.listener = ln
	}
	g.serveWG.Add(1)
	go func() {
		defer g.serveWG.Done()
		if err := g.server.Serve(ln); err != nil {
			g.logger.Error("server stopped", slog.String("error", err.Error()))
		}
	}()

	sweepEvery := g.cfg.Idempotency.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = idempotency.SweepInterval(g.cfg.Idempotency.TTL)
	}
	g.serveWG.Add(1)
	go func() {
		defer g.serveWG.Done()
		g.coordinator.RunSweeper(g.ctx, sweepEvery)
	}()

	if g.configProvider != nil {
		go g.watchConfig()
	}

	g.started = true
	g.logger.Info("gateway started", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the address the gateway is serving on, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Shutdown stops accepting requests, drains the job workers and closes the
// stores.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	if g.cancel != nil {
		g.cancel()
	}

	var errs []error
	if g.started {
		if err := g.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
		g.serveWG.Wait()
		if err := g.tracker.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain jobs: %w", err))
		}
		g.started = false
	}
	if err := g.closeResources(ctx); err != nil {
		errs = append(errs, err)
	}

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

func (g *Gateway) closeResources(ctx context.Context) error {
	var errs []error
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
		g.store = nil
	}
	if g.configProvider != nil {
		if err := g.configProvider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close config: %w", err))
		}
	}
	if g.telemetry != nil {
		if err := g.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
		g.telemetry = nil
	}
	return errors.Join(errs...)
}

// watchConfig watches for config changes and reloads.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.Config) {
		g.logger.Info("config changed, reloading")
		g.Reload(newCfg)
	}

	if err := g.configProvider.Watch(g.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// Reload applies the parts of cfg that can change at runtime: tenant API keys
// and tenant channel defaults. Everything else takes effect on restart.
func (g *Gateway) Reload(cfg *config.Config) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.apiKeys != nil {
		g.apiKeys.Reload(cfg)
	}
	g.tenants.Reload(cfg)

	if cfg.Storage != g.cfg.Storage || cfg.Auth != g.cfg.Auth || cfg.Marketplace != g.cfg.Marketplace {
		g.logger.Warn("storage, auth and marketplace changes require a restart")
	}
	g.cfg = cfg

	g.logger.Info("reload complete", slog.Int("tenants", len(cfg.Tenants)))
}

// stackedDefaults asks each source in order and returns the first hit.
type stackedDefaults []ports.TenantDefaults

func (s stackedDefaults) ChannelDefaults(ctx context.Context, tenantID string) (*domain.ChannelDefaults, error) {
	for _, src := range s {
		d, err := src.ChannelDefaults(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}
	return nil, nil
}
