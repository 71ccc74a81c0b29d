package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/listing-gateway/internal/catalog"
	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
)

const (
	defaultCurrency = "USD"

	descriptionSourceLLM      = "llm"
	descriptionSourceFallback = "fallback"
)

// Deps are the collaborators the default stages call out to.
type Deps struct {
	Marketplace    ports.Marketplace
	Enricher       ports.Enricher
	TenantDefaults ports.TenantDefaults
	ImagePolicy    catalog.ImagePolicy
	Logger         *slog.Logger
}

// DefaultRegistry returns the listing pipeline in its fixed order.
func DefaultRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := NewRegistry()
	r.MustRegister(&resolveImages{policy: deps.ImagePolicy}, false)
	r.MustRegister(selectCategory{}, false)
	r.MustRegister(&fetchTaxonomy{market: deps.Marketplace}, false)
	r.MustRegister(&acquireToken{market: deps.Marketplace}, false)
	r.MustRegister(prepareConditions{}, false)
	r.MustRegister(&extractProduct{enricher: deps.Enricher}, false)
	r.MustRegister(&buildListing{enricher: deps.Enricher, defaults: deps.TenantDefaults, logger: deps.Logger}, false)
	r.MustRegister(&pushInventory{market: deps.Marketplace}, true)
	r.MustRegister(&publishOffer{market: deps.Marketplace}, true)
	return r
}

// TokenPreview returns the printable prefix of a secret token.
func TokenPreview(token string) string {
	runes := []rune(token)
	if len(runes) > 6 {
		runes = runes[:6]
	}
	return string(runes) + "…"
}

type resolveImages struct {
	policy catalog.ImagePolicy
}

func (*resolveImages) Name() domain.StageName { return domain.StageResolveImages }

func (s *resolveImages) Run(_ context.Context, run *Run, _ State) (Result, error) {
	images := catalog.ResolveImages(run.Request.Images, run.Request.UseSignedURLs)
	if err := s.policy.Check(images); err != nil {
		return Result{}, invalidInput(s.Name(), "%v", err)
	}
	return s.result(images, run.Request.UseSignedURLs), nil
}

// ApplyOverride takes the supplied list verbatim: no tokenizing, signing or
// deduplication.
func (s *resolveImages) ApplyOverride(_ context.Context, _ *Run, _ State, value any) (Result, error) {
	images, ok := value.([]string)
	if !ok {
		return Result{}, internal(s.Name(), fmt.Errorf("unexpected override %T", value))
	}
	return s.result(append([]string(nil), images...), false), nil
}

func (*resolveImages) result(images []string, signed bool) Result {
	preview := images
	if len(preview) > 4 {
		preview = preview[:4]
	}
	return Result{
		Delta: State{Images: images},
		Output: map[string]any{
			"count":           len(images),
			"preview":         append([]string(nil), preview...),
			"use_signed_urls": signed,
		},
	}
}

type selectCategory struct{}

func (selectCategory) Name() domain.StageName { return domain.StageSelectCategory }

func (s selectCategory) Run(_ context.Context, run *Run, state State) (Result, error) {
	if len(state.Images) == 0 {
		return Result{}, invalidInput(s.Name(), "no images to classify")
	}
	selection, alternatives := catalog.SelectCategory(run.Request.SKU, catalog.Seed(run.Request, state.Images))
	return s.result(&selection, alternatives, state.Images), nil
}

func (s selectCategory) ApplyOverride(_ context.Context, _ *Run, state State, value any) (Result, error) {
	selection, ok := value.(*domain.CategorySelection)
	if !ok || selection == nil {
		return Result{}, internal(s.Name(), fmt.Errorf("unexpected override %T", value))
	}
	copied := *selection
	return s.result(&copied, catalog.Alternatives(copied.Label), state.Images), nil
}

func (selectCategory) result(selection *domain.CategorySelection, alternatives []catalog.Alternative, images []string) Result {
	var signature string
	if len(images) > 0 {
		signature = images[0]
	}
	return Result{
		Delta: State{Category: selection},
		Output: map[string]any{
			"selected":        *selection,
			"alternatives":    alternatives,
			"image_signature": signature,
		},
	}
}

type fetchTaxonomy struct {
	market ports.Marketplace
}

func (*fetchTaxonomy) Name() domain.StageName { return domain.StageFetchTaxonomy }

func (s *fetchTaxonomy) Run(ctx context.Context, run *Run, state State) (Result, error) {
	if state.Category == nil {
		return Result{}, internal(s.Name(), errors.New("category not selected"))
	}
	taxonomy, err := s.market.CategoryAspects(ctx, *state.Category, run.Request.Marketplace)
	if err != nil {
		return Result{}, upstream(s.Name(), err)
	}
	sample := taxonomy.Aspects
	if len(sample) > 3 {
		sample = sample[:3]
	}
	return Result{
		Delta: State{Taxonomy: taxonomy},
		Output: map[string]any{
			"category_id":    taxonomy.CategoryID,
			"aspect_count":   len(taxonomy.Aspects),
			"sample_aspects": append([]domain.CategoryAspect(nil), sample...),
		},
	}, nil
}

type acquireToken struct {
	market ports.Marketplace
}

func (*acquireToken) Name() domain.StageName { return domain.StageAcquireAccessToken }

func (s *acquireToken) Run(ctx context.Context, run *Run, _ State) (Result, error) {
	token, err := s.market.AccessToken(ctx, run.Request.TenantID, run.Request.SKU)
	if err != nil {
		return Result{}, upstream(s.Name(), err)
	}
	return Result{
		Delta: State{Token: token},
		Output: map[string]any{
			"token_preview":      TokenPreview(token.Value),
			"scopes":             append([]string(nil), token.Scopes...),
			"expires_in_seconds": int64(token.ExpiresIn.Seconds()),
		},
	}, nil
}

type prepareConditions struct{}

func (prepareConditions) Name() domain.StageName { return domain.StagePrepareConditions }

func (s prepareConditions) Run(_ context.Context, _ *Run, state State) (Result, error) {
	if state.Category == nil {
		return Result{}, internal(s.Name(), errors.New("category not selected"))
	}
	conditions := catalog.ConditionsFor(state.Category.Label)
	return Result{
		Delta: State{Conditions: &conditions},
		Output: map[string]any{
			"allowed": conditions.Allowed,
			"default": conditions.Default,
		},
	}, nil
}

type extractProduct struct {
	enricher ports.Enricher
}

func (*extractProduct) Name() domain.StageName { return domain.StageExtractProduct }

func (s *extractProduct) Run(ctx context.Context, run *Run, state State) (Result, error) {
	var (
		product *domain.Product
		err     = errors.New("enrichment disabled")
	)
	if s.enricher != nil {
		product, err = s.enricher.Extract(ctx, run.Request.SKU, state.Images)
	}
	if err == nil && product == nil {
		err = errors.New("enrichment returned no product")
	}
	if err != nil {
		res := s.result(catalog.FallbackProduct(run.Request.SKU, state.Images))
		res.Fallback = err.Error()
		return res, nil
	}
	return s.result(product), nil
}

func (s *extractProduct) ApplyOverride(_ context.Context, _ *Run, state State, value any) (Result, error) {
	product, ok := value.(*domain.Product)
	if !ok || product == nil {
		return Result{}, internal(s.Name(), fmt.Errorf("unexpected override %T", value))
	}
	copied := *product
	if len(copied.Image) == 0 {
		copied.Image = append(domain.StringList(nil), state.Images...)
	}
	return s.result(&copied), nil
}

func (*extractProduct) result(p *domain.Product) Result {
	return Result{
		Delta: State{Product: p},
		Output: map[string]any{
			"name":   p.Name,
			"brand":  p.BrandName(),
			"color":  p.Color,
			"images": len(p.Image),
		},
	}
}

type buildListing struct {
	enricher ports.Enricher
	defaults ports.TenantDefaults
	logger   *slog.Logger
}

func (*buildListing) Name() domain.StageName { return domain.StageBuildListing }

func (s *buildListing) Run(ctx context.Context, run *Run, state State) (Result, error) {
	if state.Product == nil || state.Conditions == nil {
		return Result{}, internal(s.Name(), errors.New("product or conditions missing"))
	}
	settings := domain.ResolveChannelSettings(run.Request, s.tenantDefaults(ctx, run.Request.TenantID))
	for _, field := range []struct{ name, value string }{
		{"merchant_location_key", settings.MerchantLocationKey},
		{"fulfillment_policy_id", settings.Policies.FulfillmentPolicyID},
		{"payment_policy_id", settings.Policies.PaymentPolicyID},
		{"return_policy_id", settings.Policies.ReturnPolicyID},
	} {
		if field.value == "" {
			return Result{}, invalidInput(s.Name(), "missing_%s", field.name)
		}
	}

	draft, err := catalog.BuildDraft(state.Product, state.Taxonomy, defaultCurrency)
	if err != nil {
		return Result{}, invalidInput(s.Name(), "%v", err)
	}

	var res Result
	bullets := catalog.Bullets(state.Product)
	description, source := "", descriptionSourceLLM
	if s.enricher != nil {
		description, err = s.enricher.Describe(ctx, draft.Title, bullets)
	} else {
		err = errors.New("enrichment disabled")
	}
	if err != nil || description == "" {
		if err == nil {
			err = errors.New("empty description")
		}
		description = catalog.TemplatedDescription(draft.Title, bullets)
		source = descriptionSourceFallback
		res.Fallback = "description: " + err.Error()
	}

	plan := &domain.ListingPlan{
		SKU:                 run.Request.SKU,
		Title:               draft.Title,
		Description:         catalog.Truncate(description, catalog.MaxDescriptionLength),
		Price:               draft.Price,
		Currency:            draft.Currency,
		Condition:           state.Conditions.Default,
		Marketplace:         settings.Marketplace,
		MerchantLocationKey: settings.MerchantLocationKey,
		CategoryID:          draft.CategoryID,
		Media:               draft.Images,
		Policies:            settings.Policies,
		Aspects:             draft.Aspects,
		Package:             catalog.EstimatePackage(state.Product),
	}
	if plan.CategoryID == "" && state.Category != nil {
		plan.CategoryID = state.Category.ID
	}

	res.Delta = State{Plan: plan, Settings: &settings}
	res.Output = map[string]any{
		"title":              plan.Title,
		"price":              plan.Price,
		"currency":           plan.Currency,
		"condition":          plan.Condition,
		"aspect_count":       len(plan.Aspects),
		"description_source": source,
	}
	return res, nil
}

func (s *buildListing) tenantDefaults(ctx context.Context, tenantID string) *domain.ChannelDefaults {
	if s.defaults == nil || tenantID == "" {
		return nil
	}
	defaults, err := s.defaults.ChannelDefaults(ctx, tenantID)
	if err != nil {
		s.logger.WarnContext(ctx, "tenant defaults lookup failed", "tenant_id", tenantID, "error", err)
		return nil
	}
	return defaults
}

type pushInventory struct {
	market ports.Marketplace
}

func (*pushInventory) Name() domain.StageName { return domain.StagePushInventory }

func (s *pushInventory) Run(ctx context.Context, _ *Run, state State) (Result, error) {
	if state.Plan == nil || state.Token == nil {
		return Result{}, internal(s.Name(), errors.New("listing plan or token missing"))
	}
	push := &ports.InventoryPush{
		Token: state.Token,
		Plan:  state.Plan,
		Item:  catalog.InventoryItemFor(state.Plan),
	}
	if state.Settings != nil {
		push.Warehouse = state.Settings.Warehouse
	}
	receipt, err := s.market.PushInventory(ctx, push)
	if err != nil {
		return Result{}, upstream(s.Name(), err)
	}
	return Result{
		Delta: State{Inventory: receipt},
		Output: map[string]any{
			"sku":               receipt.SKU,
			"location":          receipt.Location,
			"status":            receipt.Status,
			"media_attached":    len(state.Plan.Media),
			"inventory_request": push.Item,
		},
	}, nil
}

type publishOffer struct {
	market ports.Marketplace
}

func (*publishOffer) Name() domain.StageName { return domain.StagePublishOffer }

func (s *publishOffer) Run(ctx context.Context, run *Run, state State) (Result, error) {
	if state.Plan == nil || state.Token == nil {
		return Result{}, internal(s.Name(), errors.New("listing plan or token missing"))
	}
	create, update := catalog.OffersFor(state.Plan)
	receipt, err := s.market.PublishOffer(ctx, &ports.OfferPublish{
		RunID:  run.ID,
		Token:  state.Token,
		Plan:   state.Plan,
		Create: create,
		Update: update,
	})
	if err != nil {
		return Result{}, upstream(s.Name(), err)
	}
	var label string
	if state.Category != nil {
		label = state.Category.Label
	}
	return Result{
		Delta: State{Offer: receipt},
		Output: map[string]any{
			"category":      label,
			"title":         state.Plan.Title,
			"media_count":   len(state.Plan.Media),
			"token_preview": TokenPreview(state.Token.Value),
			"create_offer":  create,
			"update_offer":  update,
			"offer_id":      receipt.OfferID,
		},
	}, nil
}
