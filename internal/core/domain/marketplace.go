package domain

// AspectMode controls whether an aspect accepts arbitrary values.
type AspectMode string

const (
	AspectSelectionOnly AspectMode = "SELECTION_ONLY"
	AspectFreeText      AspectMode = "FREE_TEXT"
)

// AspectCardinality controls how many values an aspect may carry.
type AspectCardinality string

const (
	CardinalitySingle AspectCardinality = "SINGLE"
	CardinalityMulti  AspectCardinality = "MULTI"
)

// CategoryAspect is one item specific the marketplace defines for a category.
type CategoryAspect struct {
	Name        string            `json:"name"`
	Required    bool              `json:"required"`
	Mode        AspectMode        `json:"mode,omitempty"`
	Cardinality AspectCardinality `json:"cardinality,omitempty"`
	Values      []string          `json:"samples"`
}

// CategoryTaxonomy is the aspect metadata for a category.
type CategoryTaxonomy struct {
	CategoryID string           `json:"category_id"`
	TreeID     string           `json:"tree_id"`
	Aspects    []CategoryAspect `json:"aspects"`
}

// ConditionSet lists the item conditions a category allows.
type ConditionSet struct {
	Allowed []string `json:"allowed"`
	Default string   `json:"default"`
}

// Price is a formatted marketplace price.
type Price struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// PricingSummary wraps an offer price.
type PricingSummary struct {
	Price Price `json:"price"`
}

// ShipToLocationAvailability is the available quantity of an inventory item.
type ShipToLocationAvailability struct {
	Quantity int `json:"quantity"`
}

// InventoryAvailability wraps ship-to availability.
type InventoryAvailability struct {
	ShipToLocationAvailability ShipToLocationAvailability `json:"shipToLocationAvailability"`
}

// InventoryProduct is the product section of an inventory item.
type InventoryProduct struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Aspects     map[string][]string `json:"aspects,omitempty"`
	ImageURLs   []string            `json:"imageUrls,omitempty"`
}

// InventoryItem is the inventory item upsert payload.
type InventoryItem struct {
	Availability         InventoryAvailability `json:"availability"`
	Product              InventoryProduct      `json:"product"`
	PackageWeightAndSize *PackageEstimate      `json:"packageWeightAndSize,omitempty"`
}

// OfferCreate is the offer creation payload.
type OfferCreate struct {
	SKU                  string              `json:"sku"`
	MarketplaceID        string              `json:"marketplaceId"`
	Format               string              `json:"format"`
	CategoryID           string              `json:"categoryId"`
	ListingDescription   string              `json:"listingDescription"`
	PricingSummary       PricingSummary      `json:"pricingSummary"`
	AvailableQuantity    int                 `json:"availableQuantity"`
	MerchantLocationKey  string              `json:"merchantLocationKey"`
	ListingPolicies      ListingPolicies     `json:"listingPolicies"`
	Aspects              map[string][]string `json:"aspects,omitempty"`
	PackageWeightAndSize *PackageEstimate    `json:"packageWeightAndSize,omitempty"`
	ImageURLs            []string            `json:"imageUrls,omitempty"`
}

// OfferUpdate is the payload used to revise an existing offer.
type OfferUpdate struct {
	Format               string           `json:"format"`
	CategoryID           string           `json:"categoryId"`
	ListingDescription   string           `json:"listingDescription"`
	PricingSummary       PricingSummary   `json:"pricingSummary"`
	AvailableQuantity    int              `json:"availableQuantity"`
	ListingPolicies      ListingPolicies  `json:"listingPolicies"`
	MerchantLocationKey  string           `json:"merchantLocationKey"`
	PackageWeightAndSize *PackageEstimate `json:"packageWeightAndSize,omitempty"`
}
