package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
)

// Enricher turns images into a product record and writes listing copy.
// Implementations: TensorZero-style inference gateway, disabled (always errors).
type Enricher interface {
	Extract(ctx context.Context, sku string, images []string) (*domain.Product, error)
	Describe(ctx context.Context, title string, bullets []string) (string, error)
}

// Marketplace is the destination channel client.
// Implementations: stub (deterministic, offline), live eBay REST.
type Marketplace interface {
	CategoryAspects(ctx context.Context, category domain.CategorySelection, marketplace domain.Marketplace) (*domain.CategoryTaxonomy, error)
	AccessToken(ctx context.Context, tenantID, sku string) (*AccessToken, error)
	PushInventory(ctx context.Context, push *InventoryPush) (*InventoryReceipt, error)
	PublishOffer(ctx context.Context, offer *OfferPublish) (*OfferReceipt, error)
}

// AccessToken is a seller token for inventory and offer calls.
type AccessToken struct {
	Value     string
	Scopes    []string
	ExpiresIn time.Duration
}

// InventoryPush carries everything needed to upsert an inventory item.
type InventoryPush struct {
	Token     *AccessToken
	Plan      *domain.ListingPlan
	Item      *domain.InventoryItem
	Warehouse domain.WarehouseLocation
}

// InventoryReceipt acknowledges an inventory upsert.
type InventoryReceipt struct {
	SKU      string `json:"sku"`
	Location string `json:"location"`
	Quantity int    `json:"quantity"`
	Package  string `json:"package"`
	Status   string `json:"status"`
}

// OfferPublish carries everything needed to create and publish an offer.
type OfferPublish struct {
	RunID  string
	Token  *AccessToken
	Plan   *domain.ListingPlan
	Create *domain.OfferCreate
	Update *domain.OfferUpdate
}

// OfferReceipt identifies a published offer.
type OfferReceipt struct {
	ListingID string
	OfferID   string
	Route     string
}

// Transcript is a finished run handed to transcript consumers.
type Transcript struct {
	TenantID       string
	IdempotencyKey string
	SKU            string
	Result         *domain.ListingResult
}

// TranscriptSink consumes finished transcripts.
// Implementations: slog, OpenTelemetry metrics, object-storage archive.
type TranscriptSink interface {
	Publish(ctx context.Context, t *Transcript) error
}
