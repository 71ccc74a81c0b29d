package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Product is a schema.org Product record describing the item being listed.
type Product struct {
	Name        string             `json:"name"`
	Image       StringList         `json:"image"`
	Offers      Offer              `json:"offers"`
	Description string             `json:"description,omitempty"`
	Brand       *Brand             `json:"brand,omitempty"`
	Color       string             `json:"color,omitempty"`
	Material    string             `json:"material,omitempty"`
	Size        *SizeField         `json:"size,omitempty"`
	SKU         string             `json:"sku,omitempty"`
	MPN         string             `json:"mpn,omitempty"`
	Height      *QuantitativeValue `json:"height,omitempty"`
	Width       *QuantitativeValue `json:"width,omitempty"`
	Depth       *QuantitativeValue `json:"depth,omitempty"`
	Weight      *QuantitativeValue `json:"weight,omitempty"`
}

// BrandName returns the brand name or "".
func (p *Product) BrandName() string {
	if p.Brand == nil {
		return ""
	}
	return p.Brand.Name
}

// Brand is a schema.org Brand.
type Brand struct {
	Name string `json:"name,omitempty"`
}

// Offer is a schema.org Offer.
type Offer struct {
	Price              *Amount             `json:"price,omitempty"`
	PriceCurrency      string              `json:"priceCurrency,omitempty"`
	ItemCondition      string              `json:"itemCondition,omitempty"`
	PriceSpecification *PriceSpecification `json:"priceSpecification,omitempty"`
}

// PriceSpecification is a schema.org UnitPriceSpecification.
type PriceSpecification struct {
	Price         *Amount `json:"price,omitempty"`
	PriceCurrency string  `json:"priceCurrency,omitempty"`
}

// QuantitativeValue is a schema.org QuantitativeValue.
type QuantitativeValue struct {
	UnitCode string  `json:"unitCode,omitempty"`
	UnitText string  `json:"unitText,omitempty"`
	Value    *Amount `json:"value,omitempty"`
}

// Amount is a number that also decodes from a numeric string, as enrichment
// models frequently quote prices.
type Amount float64

// NewAmount returns a pointer to v as an Amount.
func NewAmount(v float64) *Amount {
	a := Amount(v)
	return &a
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if strings.HasPrefix(s, "\"") {
		var quoted string
		if err := json.Unmarshal(data, &quoted); err != nil {
			return err
		}
		s = strings.TrimSpace(quoted)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q", s)
	}
	*a = Amount(v)
	return nil
}

// SizeField holds a product size given as text, a quantitative value or a size specification.
type SizeField struct {
	Text string
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *SizeField) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Text = text
		return nil
	}
	var obj struct {
		Name  string  `json:"name"`
		Value *Amount `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}
	switch {
	case obj.Name != "":
		s.Text = obj.Name
	case obj.Value != nil:
		s.Text = strconv.FormatFloat(float64(*obj.Value), 'f', -1, 64)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s SizeField) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Text)
}
