package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StageName identifies one step of the listing pipeline.
type StageName string

const (
	StageResolveImages      StageName = "resolve_images"
	StageSelectCategory     StageName = "select_category"
	StageFetchTaxonomy      StageName = "fetch_taxonomy"
	StageAcquireAccessToken StageName = "acquire_access_token"
	StagePrepareConditions  StageName = "prepare_conditions"
	StageExtractProduct     StageName = "extract_product"
	StageBuildListing       StageName = "build_listing"
	StagePushInventory      StageName = "push_inventory"
	StagePublishOffer       StageName = "publish_offer"
)

// StageSource records where a stage's output came from.
type StageSource string

const (
	SourceComputed StageSource = "computed"
	SourceOverride StageSource = "override"
	SourceFallback StageSource = "fallback"
)

// DefaultChannel is the only channel this gateway publishes to.
const DefaultChannel = "ebay"

// Marketplace is the eBay marketplace a listing targets.
type Marketplace string

const (
	MarketplaceUS Marketplace = "EBAY_US"
	MarketplaceGB Marketplace = "EBAY_GB"
	MarketplaceDE Marketplace = "EBAY_DE"
)

// ParseMarketplace accepts the marketplace codes used by callers, including the EBAY_UK alias.
// An empty string resolves to EBAY_US.
func ParseMarketplace(s string) (Marketplace, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "EBAY_US":
		return MarketplaceUS, nil
	case "EBAY_GB", "EBAY_UK":
		return MarketplaceGB, nil
	case "EBAY_DE":
		return MarketplaceDE, nil
	default:
		return "", fmt.Errorf("unsupported marketplace %q", s)
	}
}

// UnmarshalJSON normalizes aliases and rejects unknown marketplaces.
func (m *Marketplace) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseMarketplace(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Route returns the sell API root used for offer routing.
func (m Marketplace) Route() string {
	switch m {
	case MarketplaceGB:
		return "https://api.ebay.co.uk/sell"
	case MarketplaceDE:
		return "https://api.ebay.de/sell"
	default:
		return "https://api.ebay.com/sell"
	}
}

// StringList decodes either a single JSON string or an array of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*l = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = many
	return nil
}

// CategorySelection is the category chosen for a listing.
type CategorySelection struct {
	ID         string  `json:"id"`
	TreeID     string  `json:"tree_id"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Overrides carries caller-supplied stage outputs. A present field skips the stage it replaces.
type Overrides struct {
	ResolvedImages []string           `json:"resolved_images,omitempty"`
	Category       *CategorySelection `json:"category,omitempty"`
	Product        *Product           `json:"product,omitempty"`
}

// ListingRequest is a single pipeline submission.
type ListingRequest struct {
	TenantID            string      `json:"-"`
	Images              StringList  `json:"images_source"`
	SKU                 string      `json:"sku"`
	Channel             string      `json:"channel,omitempty"`
	MerchantLocationKey string      `json:"merchant_location_key"`
	FulfillmentPolicyID string      `json:"fulfillment_policy_id"`
	PaymentPolicyID     string      `json:"payment_policy_id"`
	ReturnPolicyID      string      `json:"return_policy_id"`
	Marketplace         Marketplace `json:"marketplace,omitempty"`
	UseSignedURLs       bool        `json:"use_signed_urls,omitempty"`
	DryRun              bool        `json:"dry_run,omitempty"`
	Overrides           *Overrides  `json:"overrides,omitempty"`
}

// ContinueRequest resumes a pipeline with overrides; images are optional when
// resolved images are overridden.
type ContinueRequest struct {
	Images              StringList  `json:"images_source,omitempty"`
	SKU                 string      `json:"sku"`
	Channel             string      `json:"channel,omitempty"`
	MerchantLocationKey string      `json:"merchant_location_key"`
	FulfillmentPolicyID string      `json:"fulfillment_policy_id"`
	PaymentPolicyID     string      `json:"payment_policy_id"`
	ReturnPolicyID      string      `json:"return_policy_id"`
	Marketplace         Marketplace `json:"marketplace,omitempty"`
	Overrides           *Overrides  `json:"overrides,omitempty"`
}

// ListingRequest converts a continuation into a full, non dry-run request.
func (c ContinueRequest) ListingRequest(tenantID string) ListingRequest {
	return ListingRequest{
		TenantID:            tenantID,
		Images:              c.Images,
		SKU:                 c.SKU,
		Channel:             c.Channel,
		MerchantLocationKey: c.MerchantLocationKey,
		FulfillmentPolicyID: c.FulfillmentPolicyID,
		PaymentPolicyID:     c.PaymentPolicyID,
		ReturnPolicyID:      c.ReturnPolicyID,
		Marketplace:         c.Marketplace,
		Overrides:           c.Overrides,
	}
}

// StageRecord is one transcript entry.
type StageRecord struct {
	Name      StageName      `json:"name"`
	ElapsedMS int64          `json:"elapsed_ms"`
	Timestamp time.Time      `json:"timestamp"`
	Source    StageSource    `json:"source"`
	Output    map[string]any `json:"output"`
}

// ListingPolicies are the seller business policies attached to an offer.
type ListingPolicies struct {
	FulfillmentPolicyID string `json:"fulfillmentPolicyId"`
	PaymentPolicyID     string `json:"paymentPolicyId"`
	ReturnPolicyID      string `json:"returnPolicyId"`
}

// PackageWeight is a package weight in pounds.
type PackageWeight struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// PackageSize is a package size in inches.
type PackageSize struct {
	Height float64 `json:"height"`
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Unit   string  `json:"unit"`
}

// PackageEstimate is the shipping estimate derived from product dimensions.
type PackageEstimate struct {
	Weight PackageWeight `json:"packageWeight"`
	Size   PackageSize   `json:"packageSize"`
}

// ListingPlan is the composed payload pushed to the marketplace.
type ListingPlan struct {
	SKU                 string              `json:"sku"`
	Title               string              `json:"title"`
	Description         string              `json:"description"`
	Price               float64             `json:"price"`
	Currency            string              `json:"currency"`
	Condition           string              `json:"condition"`
	Marketplace         Marketplace         `json:"marketplace"`
	MerchantLocationKey string              `json:"merchant_location_key"`
	CategoryID          string              `json:"category_id"`
	Media               []string            `json:"media"`
	Policies            ListingPolicies     `json:"policies"`
	Aspects             map[string][]string `json:"aspects,omitempty"`
	Package             *PackageEstimate    `json:"package,omitempty"`
}

// ListingResult is the outcome of one pipeline run.
type ListingResult struct {
	ListingID string        `json:"listing_id"`
	Preview   bool          `json:"preview,omitempty"`
	Stages    []StageRecord `json:"stages"`
	Listing   *ListingPlan  `json:"listing,omitempty"`
}

// StageNames returns the transcript's stage names in order.
func (r *ListingResult) StageNames() []StageName {
	names := make([]StageName, len(r.Stages))
	for i, s := range r.Stages {
		names[i] = s.Name
	}
	return names
}

// Stage returns the record for the named stage, if it ran.
func (r *ListingResult) Stage(name StageName) (StageRecord, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageRecord{}, false
}
