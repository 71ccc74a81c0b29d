package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/listing-gateway/internal/catalog"
	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
)

// fakeMarketplace is a deterministic in-memory marketplace.
type fakeMarketplace struct {
	mu          sync.Mutex
	taxonomyErr error
	publishErr  error
	listingID   string
	pushes      []*ports.InventoryPush
	publishes   []*ports.OfferPublish
}

func (m *fakeMarketplace) CategoryAspects(_ context.Context, c domain.CategorySelection, _ domain.Marketplace) (*domain.CategoryTaxonomy, error) {
	if m.taxonomyErr != nil {
		return nil, m.taxonomyErr
	}
	return &domain.CategoryTaxonomy{CategoryID: c.ID, TreeID: c.TreeID, Aspects: catalog.DemoAspects(c.Label)}, nil
}

func (m *fakeMarketplace) AccessToken(_ context.Context, tenantID, sku string) (*ports.AccessToken, error) {
	return &ports.AccessToken{Value: "demo_" + tenantID + sku, Scopes: []string{"scope"}, ExpiresIn: time.Hour}, nil
}

func (m *fakeMarketplace) PushInventory(_ context.Context, push *ports.InventoryPush) (*ports.InventoryReceipt, error) {
	m.mu.Lock()
	m.pushes = append(m.pushes, push)
	m.mu.Unlock()
	return &ports.InventoryReceipt{SKU: push.Plan.SKU, Location: push.Plan.MerchantLocationKey, Quantity: 1, Status: "UPSERTED"}, nil
}

func (m *fakeMarketplace) PublishOffer(_ context.Context, offer *ports.OfferPublish) (*ports.OfferReceipt, error) {
	m.mu.Lock()
	m.publishes = append(m.publishes, offer)
	m.mu.Unlock()
	if m.publishErr != nil {
		return nil, m.publishErr
	}
	return &ports.OfferReceipt{ListingID: m.listingID, OfferID: "offer-" + offer.Plan.SKU}, nil
}

type fakeEnricher struct {
	extractErr  error
	describeErr error
}

func (e *fakeEnricher) Extract(_ context.Context, sku string, images []string) (*domain.Product, error) {
	if e.extractErr != nil {
		return nil, e.extractErr
	}
	return &domain.Product{
		Name:   "Trail Runner " + sku,
		Image:  append(domain.StringList(nil), images...),
		Offers: domain.Offer{Price: domain.NewAmount(42.5), PriceCurrency: "usd"},
		Brand:  &domain.Brand{Name: "Demo Labs"},
		Color:  "Sand",
		SKU:    sku,
	}, nil
}

func (e *fakeEnricher) Describe(_ context.Context, title string, bullets []string) (string, error) {
	if e.describeErr != nil {
		return "", e.describeErr
	}
	return fmt.Sprintf("%s: %s", title, strings.Join(bullets, "; ")), nil
}

type fakeDefaults struct {
	defaults *domain.ChannelDefaults
	err      error
}

func (d fakeDefaults) ChannelDefaults(context.Context, string) (*domain.ChannelDefaults, error) {
	return d.defaults, d.err
}

func newTestOrchestrator(deps Deps) *Orchestrator {
	ids := 0
	return NewOrchestrator(DefaultRegistry(deps), WithRunIDs(func() string {
		ids++
		return fmt.Sprintf("run%d", ids)
	}))
}

func testRequest() *domain.ListingRequest {
	return &domain.ListingRequest{
		TenantID:            "acme",
		Images:              domain.StringList{"https://img.example.com/a.jpg, https://img.example.com/b.jpg"},
		SKU:                 "SKU-1",
		MerchantLocationKey: "loc-1",
		FulfillmentPolicyID: "ful",
		PaymentPolicyID:     "pay",
		ReturnPolicyID:      "ret",
		Marketplace:         domain.MarketplaceUS,
	}
}

func TestOrchestrator_FullRun(t *testing.T) {
	market := &fakeMarketplace{listingID: "LIVE-1"}
	o := newTestOrchestrator(Deps{Marketplace: market, Enricher: &fakeEnricher{}})

	result, err := o.Run(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []domain.StageName{
		domain.StageResolveImages, domain.StageSelectCategory, domain.StageFetchTaxonomy,
		domain.StageAcquireAccessToken, domain.StagePrepareConditions, domain.StageExtractProduct,
		domain.StageBuildListing, domain.StagePushInventory, domain.StagePublishOffer,
	}
	if got := result.StageNames(); !reflect.DeepEqual(got, want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	if result.ListingID != "LIVE-1" {
		t.Errorf("listing id = %q, want LIVE-1", result.ListingID)
	}
	if result.Preview {
		t.Error("expected non-preview result")
	}
	if result.Listing == nil || result.Listing.Price != 42.5 || result.Listing.Currency != "USD" {
		t.Fatalf("unexpected listing: %+v", result.Listing)
	}
	for _, rec := range result.Stages {
		if rec.Source != domain.SourceComputed {
			t.Errorf("stage %s source = %s, want computed", rec.Name, rec.Source)
		}
	}
	if len(market.publishes) != 1 || market.publishes[0].RunID != "run1" {
		t.Errorf("expected one publish with run id run1, got %+v", market.publishes)
	}
}

func TestOrchestrator_SynthesizesListingID(t *testing.T) {
	o := newTestOrchestrator(Deps{Marketplace: &fakeMarketplace{}, Enricher: &fakeEnricher{}})

	result, err := o.Run(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ListingID != "HER-run1" {
		t.Errorf("listing id = %q, want HER-run1", result.ListingID)
	}
}

func TestOrchestrator_DryRun(t *testing.T) {
	market := &fakeMarketplace{}
	o := newTestOrchestrator(Deps{Marketplace: market, Enricher: &fakeEnricher{}})

	req := testRequest()
	req.DryRun = true
	req.Overrides = &domain.Overrides{Product: &domain.Product{
		Name:   "Override",
		Offers: domain.Offer{Price: domain.NewAmount(10)},
	}}

	result, err := o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Preview || !strings.HasPrefix(result.ListingID, PreviewPrefix) {
		t.Errorf("expected preview id, got %q (preview=%v)", result.ListingID, result.Preview)
	}
	if result.Listing != nil {
		t.Error("dry run must not carry a listing")
	}
	names := result.StageNames()
	if names[len(names)-1] != domain.StageBuildListing {
		t.Errorf("last stage = %s, want build_listing", names[len(names)-1])
	}
	for _, n := range names {
		if n == domain.StagePushInventory || n == domain.StagePublishOffer {
			t.Errorf("dry run executed %s", n)
		}
	}
	if len(market.pushes) != 0 || len(market.publishes) != 0 {
		t.Error("dry run reached the marketplace")
	}
}

func TestOrchestrator_ResolvedImagesOverrideIsVerbatim(t *testing.T) {
	o := newTestOrchestrator(Deps{Marketplace: &fakeMarketplace{}, Enricher: &fakeEnricher{}})

	override := []string{"https://b.example.com/x.jpg", "https://b.example.com/x.jpg", " ftp-ish "}
	req := testRequest()
	req.DryRun = true
	req.Overrides = &domain.Overrides{ResolvedImages: override}

	result, err := o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, ok := result.Stage(domain.StageResolveImages)
	if !ok {
		t.Fatal("resolve_images record missing")
	}
	if rec.Source != domain.SourceOverride || rec.ElapsedMS != 0 {
		t.Errorf("record = %+v, want zero-duration override", rec)
	}
	if got := rec.Output["preview"]; !reflect.DeepEqual(got, override) {
		t.Errorf("preview = %v, want %v", got, override)
	}
	if got := rec.Output["count"]; got != 3 {
		t.Errorf("count = %v, want 3", got)
	}
}

func TestOrchestrator_CategoryOverride(t *testing.T) {
	o := newTestOrchestrator(Deps{Marketplace: &fakeMarketplace{}, Enricher: &fakeEnricher{}})

	req := testRequest()
	req.DryRun = true
	req.Overrides = &domain.Overrides{Category: &domain.CategorySelection{ID: "293", Label: "Health & Beauty"}}

	result, err := o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, _ := result.Stage(domain.StageSelectCategory)
	if rec.Source != domain.SourceOverride {
		t.Errorf("source = %s, want override", rec.Source)
	}
	tax, _ := result.Stage(domain.StageFetchTaxonomy)
	if tax.Output["category_id"] != "293" {
		t.Errorf("taxonomy category = %v, want 293", tax.Output["category_id"])
	}
}

func TestOrchestrator_Determinism(t *testing.T) {
	o := newTestOrchestrator(Deps{Marketplace: &fakeMarketplace{}, Enricher: &fakeEnricher{}})

	first, err := o.Run(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := o.Run(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !reflect.DeepEqual(first.StageNames(), second.StageNames()) {
		t.Fatal("stage sequences differ")
	}
	for i := range first.Stages {
		if !reflect.DeepEqual(first.Stages[i].Output, second.Stages[i].Output) {
			t.Errorf("stage %s output differs:\n%v\n%v", first.Stages[i].Name, first.Stages[i].Output, second.Stages[i].Output)
		}
	}
	if first.ListingID == second.ListingID {
		t.Error("listing ids must not repeat across runs")
	}
}

func TestOrchestrator_ExtractFallback(t *testing.T) {
	o := newTestOrchestrator(Deps{
		Marketplace: &fakeMarketplace{},
		Enricher:    &fakeEnricher{extractErr: errors.New("gateway timeout"), describeErr: errors.New("gateway timeout")},
	})

	result, err := o.Run(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, _ := result.Stage(domain.StageExtractProduct)
	if rec.Source != domain.SourceFallback {
		t.Errorf("extract source = %s, want fallback", rec.Source)
	}
	if rec.Output["fallback_reason"] != "gateway timeout" {
		t.Errorf("fallback_reason = %v", rec.Output["fallback_reason"])
	}
	if rec.Output["name"] != "SKU-1 listing" {
		t.Errorf("name = %v, want fallback product name", rec.Output["name"])
	}
	build, _ := result.Stage(domain.StageBuildListing)
	if build.Source != domain.SourceFallback || build.Output["description_source"] != "fallback" {
		t.Errorf("build_listing = %+v, want templated description", build)
	}
	if !strings.Contains(result.Listing.Description, "Highlights:") {
		t.Errorf("description = %q, want templated", result.Listing.Description)
	}
}

func TestOrchestrator_FatalStage(t *testing.T) {
	market := &fakeMarketplace{taxonomyErr: errors.New("taxonomy unavailable")}
	o := newTestOrchestrator(Deps{Marketplace: market, Enricher: &fakeEnricher{}})

	_, err := o.Run(context.Background(), testRequest())
	se, ok := AsStageError(err)
	if !ok {
		t.Fatalf("expected StageError, got %v", err)
	}
	if se.Stage != domain.StageFetchTaxonomy || se.Kind != KindUpstream {
		t.Errorf("error = %+v, want upstream fetch_taxonomy", se)
	}
	apiErr := se.APIError()
	if apiErr.Stage != domain.StageFetchTaxonomy || apiErr.HTTPStatusCode() != 502 {
		t.Errorf("api error = %+v (status %d)", apiErr, apiErr.HTTPStatusCode())
	}
}

func TestOrchestrator_InvalidImages(t *testing.T) {
	o := newTestOrchestrator(Deps{
		Marketplace: &fakeMarketplace{},
		Enricher:    &fakeEnricher{},
		ImagePolicy: catalog.ImagePolicy{MaxImages: 6, AllowedDomains: []string{"cdn.example.org"}},
	})

	_, err := o.Run(context.Background(), testRequest())
	se, ok := AsStageError(err)
	if !ok || se.Stage != domain.StageResolveImages || se.Kind != KindInvalidInput {
		t.Fatalf("expected invalid_input at resolve_images, got %v", err)
	}
	if !strings.Contains(se.Error(), "domain_not_allowed") {
		t.Errorf("error = %v", se)
	}
}

func TestOrchestrator_TenantDefaultsWin(t *testing.T) {
	o := newTestOrchestrator(Deps{
		Marketplace: &fakeMarketplace{},
		Enricher:    &fakeEnricher{},
		TenantDefaults: fakeDefaults{defaults: &domain.ChannelDefaults{
			MerchantLocationKey: "tenant-loc",
			PaymentPolicyID:     "tenant-pay",
			Marketplace:         "EBAY_UK",
		}},
	})

	result, err := o.Run(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	plan := result.Listing
	if plan.MerchantLocationKey != "tenant-loc" || plan.Policies.PaymentPolicyID != "tenant-pay" {
		t.Errorf("defaults not applied: %+v", plan)
	}
	if plan.Policies.FulfillmentPolicyID != "ful" {
		t.Errorf("request field lost: %+v", plan.Policies)
	}
	if plan.Marketplace != domain.MarketplaceGB {
		t.Errorf("marketplace = %s, want EBAY_GB", plan.Marketplace)
	}
}

func TestOrchestrator_MissingPolicy(t *testing.T) {
	o := newTestOrchestrator(Deps{
		Marketplace:    &fakeMarketplace{},
		Enricher:       &fakeEnricher{},
		TenantDefaults: fakeDefaults{err: errors.New("db down")},
	})

	req := testRequest()
	req.ReturnPolicyID = ""
	_, err := o.Run(context.Background(), req)
	se, ok := AsStageError(err)
	if !ok || se.Stage != domain.StageBuildListing || se.Kind != KindInvalidInput {
		t.Fatalf("expected invalid_input at build_listing, got %v", err)
	}
	if !strings.Contains(se.Error(), "missing_return_policy_id") {
		t.Errorf("error = %v", se)
	}
}

func TestOrchestrator_Observer(t *testing.T) {
	o := newTestOrchestrator(Deps{Marketplace: &fakeMarketplace{}, Enricher: &fakeEnricher{}})

	var seen []domain.StageName
	obs := ObserverFunc(func(_ context.Context, stage domain.StageName) {
		seen = append(seen, stage)
	})
	req := testRequest()
	req.DryRun = true
	result, err := o.Run(context.Background(), req, obs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(seen, result.StageNames()) {
		t.Errorf("observed %v, want %v", seen, result.StageNames())
	}
}

func TestOrchestrator_Timing(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var calls int
	clock := func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 5 * time.Millisecond)
	}
	o := NewOrchestrator(DefaultRegistry(Deps{Marketplace: &fakeMarketplace{}, Enricher: &fakeEnricher{}}), WithClock(clock))

	req := testRequest()
	req.DryRun = true
	result, err := o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, rec := range result.Stages {
		if rec.ElapsedMS != 5 {
			t.Errorf("stage %s elapsed = %d, want 5", rec.Name, rec.ElapsedMS)
		}
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(selectCategory{}, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Register(selectCategory{}, false); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := r.Register(&pushInventory{}, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Register(prepareConditions{}, false); err == nil {
		t.Error("expected reversible stage after irreversible one to fail")
	}
	if _, ok := r.Stage(domain.StagePushInventory); !ok {
		t.Error("registered stage not found")
	}
}

func TestTokenPreview(t *testing.T) {
	if got := TokenPreview("demo_abcdef"); got != "demo_a…" {
		t.Errorf("got %q", got)
	}
	if got := TokenPreview("abc"); got != "abc…" {
		t.Errorf("got %q", got)
	}
}
