package catalog

import (
	"fmt"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
)

const offerFormat = "FIXED_PRICE"

// InventoryItemFor builds the inventory item upsert payload for plan.
func InventoryItemFor(plan *domain.ListingPlan) *domain.InventoryItem {
	var aspects map[string][]string
	if len(plan.Aspects) > 0 {
		aspects = plan.Aspects
	}
	return &domain.InventoryItem{
		Availability: domain.InventoryAvailability{
			ShipToLocationAvailability: domain.ShipToLocationAvailability{Quantity: 1},
		},
		Product: domain.InventoryProduct{
			Title:       plan.Title,
			Description: plan.Description,
			Aspects:     aspects,
			ImageURLs:   plan.Media,
		},
		PackageWeightAndSize: plan.Package,
	}
}

// OffersFor builds the create and update offer payloads for plan.
func OffersFor(plan *domain.ListingPlan) (*domain.OfferCreate, *domain.OfferUpdate) {
	pricing := domain.PricingSummary{
		Price: domain.Price{
			Value:    fmt.Sprintf("%.2f", plan.Price),
			Currency: plan.Currency,
		},
	}
	create := &domain.OfferCreate{
		SKU:                  plan.SKU,
		MarketplaceID:        string(plan.Marketplace),
		Format:               offerFormat,
		CategoryID:           plan.CategoryID,
		ListingDescription:   plan.Description,
		PricingSummary:       pricing,
		AvailableQuantity:    1,
		MerchantLocationKey:  plan.MerchantLocationKey,
		ListingPolicies:      plan.Policies,
		Aspects:              plan.Aspects,
		PackageWeightAndSize: plan.Package,
		ImageURLs:            plan.Media,
	}
	update := &domain.OfferUpdate{
		Format:               offerFormat,
		CategoryID:           plan.CategoryID,
		ListingDescription:   plan.Description,
		PricingSummary:       pricing,
		AvailableQuantity:    1,
		ListingPolicies:      plan.Policies,
		MerchantLocationKey:  plan.MerchantLocationKey,
		PackageWeightAndSize: plan.Package,
	}
	return create, update
}
