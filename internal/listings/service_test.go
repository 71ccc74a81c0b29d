package listings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/listing-gateway/internal/catalog"
	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
	"github.com/tjfontaine/listing-gateway/internal/idempotency"
	"github.com/tjfontaine/listing-gateway/internal/pipeline"
	"github.com/tjfontaine/listing-gateway/internal/ratelimit"
	"github.com/tjfontaine/listing-gateway/internal/storage/memory"
)

type fakeMarketplace struct {
	publishes  atomic.Int32
	publishErr error
}

func (m *fakeMarketplace) CategoryAspects(_ context.Context, c domain.CategorySelection, _ domain.Marketplace) (*domain.CategoryTaxonomy, error) {
	return &domain.CategoryTaxonomy{CategoryID: c.ID, TreeID: c.TreeID, Aspects: catalog.DemoAspects(c.Label)}, nil
}

func (m *fakeMarketplace) AccessToken(_ context.Context, tenantID, sku string) (*ports.AccessToken, error) {
	return &ports.AccessToken{Value: "demo_" + tenantID + sku, ExpiresIn: time.Hour}, nil
}

func (m *fakeMarketplace) PushInventory(_ context.Context, push *ports.InventoryPush) (*ports.InventoryReceipt, error) {
	return &ports.InventoryReceipt{SKU: push.Plan.SKU, Quantity: 1, Status: "UPSERTED"}, nil
}

func (m *fakeMarketplace) PublishOffer(_ context.Context, offer *ports.OfferPublish) (*ports.OfferReceipt, error) {
	m.publishes.Add(1)
	if m.publishErr != nil {
		return nil, m.publishErr
	}
	return &ports.OfferReceipt{OfferID: "offer-" + offer.Plan.SKU}, nil
}

// gatedEnricher blocks Extract until release is closed.
type gatedEnricher struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
	panics  bool
}

func (e *gatedEnricher) Extract(_ context.Context, sku string, images []string) (*domain.Product, error) {
	e.calls.Add(1)
	if e.panics {
		panic("enricher exploded")
	}
	if e.entered != nil {
		e.entered <- struct{}{}
	}
	if e.release != nil {
		<-e.release
	}
	return &domain.Product{
		Name:   "Trail Runner",
		Image:  domain.StringList(images),
		Offers: domain.Offer{Price: domain.NewAmount(42), PriceCurrency: "USD"},
	}, nil
}

func (e *gatedEnricher) Describe(_ context.Context, title string, _ []string) (string, error) {
	return title + " description", nil
}

type recordingSink struct {
	mu   sync.Mutex
	seen []*ports.Transcript
	err  error
}

func (s *recordingSink) Publish(_ context.Context, t *ports.Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, t)
	return s.err
}

type fixture struct {
	service  *Service
	market   *fakeMarketplace
	enricher *gatedEnricher
	sink     *recordingSink
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := memory.New()
	f := &fixture{
		market:   &fakeMarketplace{},
		enricher: &gatedEnricher{},
		sink:     &recordingSink{},
	}
	orch := pipeline.NewOrchestrator(pipeline.DefaultRegistry(pipeline.Deps{
		Marketplace: f.market,
		Enricher:    f.enricher,
		ImagePolicy: catalog.ImagePolicy{MaxImages: 6},
	}))
	opts = append([]Option{WithSinks(f.sink), WithMaxImages(6)}, opts...)
	f.service = NewService(idempotency.NewCoordinator(store), orch, opts...)
	return f
}

func submission(key string) Submission {
	return Submission{
		TenantID:       "acme",
		IdempotencyKey: key,
		Kind:           domain.JobKindListing,
		Request: domain.ListingRequest{
			Images:              domain.StringList{"https://img.example.com/a.jpg"},
			SKU:                 "  SKU-1 ",
			MerchantLocationKey: "loc",
			FulfillmentPolicyID: "ful",
			PaymentPolicyID:     "pay",
			ReturnPolicyID:      "ret",
		},
	}
}

func requireAPIError(t *testing.T, err error, typ domain.ErrorType) *domain.APIError {
	t.Helper()
	var apiErr *domain.APIError
	require.True(t, errors.As(err, &apiErr), "expected *domain.APIError, got %T: %v", err, err)
	assert.Equal(t, typ, apiErr.Type)
	return apiErr
}

func TestExecute_Success(t *testing.T) {
	f := newFixture(t)

	out, err := f.service.Execute(context.Background(), submission("k1"))
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.False(t, out.Cached)
	assert.Len(t, out.Result.Stages, 9)
	assert.Equal(t, "SKU-1", out.Result.Listing.SKU, "sku is trimmed before the run")

	require.Len(t, f.sink.seen, 1)
	assert.Equal(t, "acme", f.sink.seen[0].TenantID)
	assert.Equal(t, "k1", f.sink.seen[0].IdempotencyKey)
	assert.Same(t, out.Result, f.sink.seen[0].Result)
}

func TestExecute_ReplaysCachedResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Execute(ctx, submission("k1"))
	require.NoError(t, err)

	second, err := f.service.Execute(ctx, submission("k1"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Result.ListingID, second.Result.ListingID)
	assert.Equal(t, int32(1), f.enricher.calls.Load(), "the pipeline runs once per key")
	assert.Len(t, f.sink.seen, 1, "replays are not republished")
}

func TestExecute_NoKeyRunsIndependently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.service.Execute(ctx, submission(""))
	require.NoError(t, err)
	b, err := f.service.Execute(ctx, submission(""))
	require.NoError(t, err)

	assert.NotEqual(t, a.Result.ListingID, b.Result.ListingID)
	assert.Equal(t, int32(2), f.market.publishes.Load())
}

func TestExecute_ConcurrentSameKey(t *testing.T) {
	f := newFixture(t)
	f.enricher.entered = make(chan struct{}, 1)
	f.enricher.release = make(chan struct{})
	ctx := context.Background()

	type res struct {
		out *Outcome
		err error
	}
	first := make(chan res, 1)
	go func() {
		out, err := f.service.Execute(ctx, submission("same"))
		first <- res{out, err}
	}()
	<-f.enricher.entered

	_, err := f.service.Execute(ctx, submission("same"))
	apiErr := requireAPIError(t, err, domain.ErrorTypeConflict)
	assert.Equal(t, http.StatusConflict, apiErr.HTTPStatusCode())

	close(f.enricher.release)
	r := <-first
	require.NoError(t, r.err)

	replay, err := f.service.Execute(ctx, submission("same"))
	require.NoError(t, err)
	assert.True(t, replay.Cached)
	assert.Equal(t, r.out.Result.ListingID, replay.Result.ListingID)
	assert.Equal(t, int32(1), f.market.publishes.Load(), "the side effect happened once")
}

func TestExecute_FatalStageReleasesKey(t *testing.T) {
	f := newFixture(t)
	f.market.publishErr = errors.New("marketplace down")
	ctx := context.Background()

	_, err := f.service.Execute(ctx, submission("k1"))
	apiErr := requireAPIError(t, err, domain.ErrorTypeStageFailed)
	assert.Equal(t, domain.StagePublishOffer, apiErr.Stage)
	assert.Equal(t, http.StatusBadGateway, apiErr.HTTPStatusCode())
	assert.Empty(t, f.sink.seen)

	f.market.publishErr = nil
	out, err := f.service.Execute(ctx, submission("k1"))
	require.NoError(t, err, "a failed run must not pin the key")
	assert.False(t, out.Cached)
}

func TestExecute_PanicReleasesKey(t *testing.T) {
	f := newFixture(t)
	f.enricher.panics = true
	ctx := context.Background()

	assert.Panics(t, func() {
		_, _ = f.service.Execute(ctx, submission("k1"))
	})

	f.enricher.panics = false
	out, err := f.service.Execute(ctx, submission("k1"))
	require.NoError(t, err)
	assert.False(t, out.Cached)
}

func TestExecute_RateLimited(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.New(memory.New(), 1, 2, ratelimit.WithClock(func() time.Time { return clock }))
	f := newFixture(t, WithLimiter(limiter))
	ctx := context.Background()

	for i := range 2 {
		out, err := f.service.Execute(ctx, submission(fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
		require.NotNil(t, out.RateLimit)
		assert.Equal(t, 2, out.RateLimit.Limit)
	}

	out, err := f.service.Execute(ctx, submission("k9"))
	apiErr := requireAPIError(t, err, domain.ErrorTypeRateLimit)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.HTTPStatusCode())
	assert.Equal(t, time.Second, apiErr.RetryAfter)
	require.NotNil(t, out)
	require.NotNil(t, out.RateLimit)
	assert.False(t, out.RateLimit.Allowed)
	assert.Equal(t, int32(2), f.enricher.calls.Load(), "rejected requests never reach the pipeline")
}

func TestExecute_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]func(*Submission){
		"blank sku":       func(s *Submission) { s.Request.SKU = "   " },
		"long sku":        func(s *Submission) { s.Request.SKU = fmt.Sprintf("%051d", 1) },
		"unknown channel": func(s *Submission) { s.Request.Channel = "etsy" },
		"no images":       func(s *Submission) { s.Request.Images = domain.StringList{" "} },
		"empty override images": func(s *Submission) {
			s.Request.Overrides = &domain.Overrides{ResolvedImages: []string{}}
		},
		"too many override images": func(s *Submission) {
			s.Request.Overrides = &domain.Overrides{ResolvedImages: make([]string, 7)}
		},
		"category without label": func(s *Submission) {
			s.Request.Overrides = &domain.Overrides{Category: &domain.CategorySelection{ID: "1"}}
		},
		"product without name": func(s *Submission) {
			s.Request.Overrides = &domain.Overrides{Product: &domain.Product{}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			sub := submission("")
			mutate(&sub)
			_, err := f.service.Execute(ctx, sub)
			apiErr := requireAPIError(t, err, domain.ErrorTypeInvalidRequest)
			assert.Equal(t, http.StatusBadRequest, apiErr.HTTPStatusCode())
		})
	}
	assert.Zero(t, f.enricher.calls.Load())
}

func TestExecute_OverriddenImagesNeedNoSource(t *testing.T) {
	f := newFixture(t)
	sub := submission("")
	sub.Request.Images = nil
	sub.Request.Overrides = &domain.Overrides{ResolvedImages: []string{"https://img.example.com/x.jpg"}}

	out, err := f.service.Execute(context.Background(), sub)
	require.NoError(t, err)
	rec, ok := out.Result.Stage(domain.StageResolveImages)
	require.True(t, ok)
	assert.Equal(t, domain.SourceOverride, rec.Source)
}

func TestExecute_SinkErrorsAreNotFatal(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("archive unavailable")

	out, err := f.service.Execute(context.Background(), submission("k1"))
	require.NoError(t, err)
	assert.NotNil(t, out.Result)
}

func TestExecute_ObserversSeeStages(t *testing.T) {
	f := newFixture(t)
	var seen []domain.StageName
	obs := pipeline.ObserverFunc(func(_ context.Context, stage domain.StageName) {
		seen = append(seen, stage)
	})

	_, err := f.service.Execute(context.Background(), submission(""), obs)
	require.NoError(t, err)
	assert.Len(t, seen, 9)
	assert.Equal(t, domain.StageResolveImages, seen[0])
}

func TestNormalize(t *testing.T) {
	req := &domain.ListingRequest{SKU: " A ", Channel: " EBAY "}
	Normalize(req)
	assert.Equal(t, "A", req.SKU)
	assert.Equal(t, "ebay", req.Channel)
	assert.Equal(t, domain.MarketplaceUS, req.Marketplace)
}
