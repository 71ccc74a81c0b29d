// Package marketplace implements ports.Marketplace: an offline stub with
// deterministic answers and a live eBay Sell API client.
package marketplace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/tjfontaine/listing-gateway/internal/catalog"
	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
)

// TokenScopes are the seller scopes inventory and offer calls need.
var TokenScopes = []string{
	"https://api.ebay.com/oauth/api_scope/sell.inventory",
	"https://api.ebay.com/oauth/api_scope/sell.account",
}

const (
	tokenLifetime  = time.Hour
	stubPackage    = "DEFAULT_SHOES"
	statusUpserted = "UPSERTED"
)

// Stub answers every call locally. Identical inputs give identical outputs.
type Stub struct{}

var _ ports.Marketplace = Stub{}

// NewStub returns the offline marketplace.
func NewStub() Stub { return Stub{} }

func (Stub) CategoryAspects(_ context.Context, category domain.CategorySelection, _ domain.Marketplace) (*domain.CategoryTaxonomy, error) {
	return &domain.CategoryTaxonomy{
		CategoryID: category.ID,
		TreeID:     category.TreeID,
		Aspects:    catalog.DemoAspects(category.Label),
	}, nil
}

// AccessToken derives a demo token from tenant and sku.
func (Stub) AccessToken(_ context.Context, tenantID, sku string) (*ports.AccessToken, error) {
	sum := sha256.Sum256([]byte(tenantID + "|" + sku))
	return &ports.AccessToken{
		Value:     "demo_" + hex.EncodeToString(sum[:16]),
		Scopes:    append([]string(nil), TokenScopes...),
		ExpiresIn: tokenLifetime,
	}, nil
}

func (Stub) PushInventory(_ context.Context, push *ports.InventoryPush) (*ports.InventoryReceipt, error) {
	return &ports.InventoryReceipt{
		SKU:      push.Plan.SKU,
		Location: push.Plan.MerchantLocationKey,
		Quantity: 1,
		Package:  stubPackage,
		Status:   statusUpserted,
	}, nil
}

// PublishOffer returns no listing id, so the run synthesizes one.
func (Stub) PublishOffer(_ context.Context, offer *ports.OfferPublish) (*ports.OfferReceipt, error) {
	return &ports.OfferReceipt{
		OfferID: "stub-offer-" + offer.Plan.SKU,
		Route:   offer.Plan.Marketplace.Route(),
	}, nil
}
