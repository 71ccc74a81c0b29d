package domain

// WarehouseLocation is the address registered for a merchant location key.
type WarehouseLocation struct {
	Name            string `json:"name,omitempty" yaml:"name" koanf:"name"`
	AddressLine1    string `json:"address_line1,omitempty" yaml:"address_line1" koanf:"address_line1"`
	AddressLine2    string `json:"address_line2,omitempty" yaml:"address_line2" koanf:"address_line2"`
	City            string `json:"city,omitempty" yaml:"city" koanf:"city"`
	StateOrProvince string `json:"state_or_province,omitempty" yaml:"state_or_province" koanf:"state_or_province"`
	PostalCode      string `json:"postal_code,omitempty" yaml:"postal_code" koanf:"postal_code"`
	Country         string `json:"country,omitempty" yaml:"country" koanf:"country"`
	Latitude        string `json:"latitude,omitempty" yaml:"latitude" koanf:"latitude"`
	Longitude       string `json:"longitude,omitempty" yaml:"longitude" koanf:"longitude"`
}

// IsZero reports whether no address fields are set.
func (w WarehouseLocation) IsZero() bool {
	return w == WarehouseLocation{}
}

// ChannelDefaults are tenant-level settings that take precedence over request fields.
type ChannelDefaults struct {
	MerchantLocationKey string            `json:"merchant_location_key,omitempty" yaml:"merchant_location_key" koanf:"merchant_location_key"`
	FulfillmentPolicyID string            `json:"fulfillment_policy_id,omitempty" yaml:"fulfillment_policy_id" koanf:"fulfillment_policy_id"`
	PaymentPolicyID     string            `json:"payment_policy_id,omitempty" yaml:"payment_policy_id" koanf:"payment_policy_id"`
	ReturnPolicyID      string            `json:"return_policy_id,omitempty" yaml:"return_policy_id" koanf:"return_policy_id"`
	Marketplace         string            `json:"marketplace,omitempty" yaml:"marketplace" koanf:"marketplace"`
	Warehouse           WarehouseLocation `json:"warehouse,omitempty" yaml:"warehouse" koanf:"warehouse"`
}

// ChannelSettings are the effective settings a listing is built with.
type ChannelSettings struct {
	MerchantLocationKey string
	Policies            ListingPolicies
	Marketplace         Marketplace
	Warehouse           WarehouseLocation
}

// ResolveChannelSettings merges tenant defaults over the request. A non-empty
// default always wins.
func ResolveChannelSettings(req *ListingRequest, defaults *ChannelDefaults) ChannelSettings {
	settings := ChannelSettings{
		MerchantLocationKey: req.MerchantLocationKey,
		Policies: ListingPolicies{
			FulfillmentPolicyID: req.FulfillmentPolicyID,
			PaymentPolicyID:     req.PaymentPolicyID,
			ReturnPolicyID:      req.ReturnPolicyID,
		},
		Marketplace: req.Marketplace,
	}
	if settings.Marketplace == "" {
		settings.Marketplace = MarketplaceUS
	}
	if defaults == nil {
		return settings
	}
	pick := func(current *string, override string) {
		if override != "" {
			*current = override
		}
	}
	pick(&settings.MerchantLocationKey, defaults.MerchantLocationKey)
	pick(&settings.Policies.FulfillmentPolicyID, defaults.FulfillmentPolicyID)
	pick(&settings.Policies.PaymentPolicyID, defaults.PaymentPolicyID)
	pick(&settings.Policies.ReturnPolicyID, defaults.ReturnPolicyID)
	if m, err := ParseMarketplace(defaults.Marketplace); err == nil && defaults.Marketplace != "" {
		settings.Marketplace = m
	}
	settings.Warehouse = defaults.Warehouse
	return settings
}
