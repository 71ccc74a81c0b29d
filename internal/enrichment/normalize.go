package enrichment

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
)

// Defaults applied to fields the model left out.
const (
	DefaultName          = "Untitled Product"
	DefaultPrice         = "49.99"
	DefaultCurrency      = "USD"
	DefaultItemCondition = "https://schema.org/UsedCondition"

	maxProductImages = 6
)

// StripFence removes a surrounding markdown code fence, keeping the body up to
// the closing fence.
func StripFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	var body []string
	for _, line := range lines[1:] {
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "```") {
			break
		}
		body = append(body, line)
	}
	return strings.Join(body, "\n")
}

// ParseProduct decodes model output into a Product, filling defaults for the
// name, sku, images and offer fields.
func ParseProduct(text, sku string, images []string) (*domain.Product, error) {
	var raw any
	if err := json.Unmarshal([]byte(StripFence(text)), &raw); err != nil {
		return nil, fmt.Errorf("unable to parse product json: %w", err)
	}
	normalized := NormalizeProduct(raw, sku, images)

	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("unable to encode product: %w", err)
	}
	var product domain.Product
	if err := json.Unmarshal(data, &product); err != nil {
		return nil, fmt.Errorf("unable to decode product: %w", err)
	}
	return &product, nil
}

// NormalizeProduct returns raw as a JSON object with defaults applied. A
// non-object value is replaced by an empty object first.
func NormalizeProduct(raw any, sku string, images []string) map[string]any {
	obj, ok := raw.(map[string]any)
	if !ok {
		obj = map[string]any{}
	}

	if name, _ := obj["name"].(string); strings.TrimSpace(name) == "" {
		obj["name"] = DefaultName
	}
	if _, ok := obj["sku"]; !ok && sku != "" {
		obj["sku"] = sku
	}

	switch v := obj["image"].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			obj["image"] = nil
		}
	case []any:
		if len(v) == 0 {
			obj["image"] = nil
		}
	}
	if obj["image"] == nil {
		n := min(len(images), maxProductImages)
		fill := make([]any, n)
		for i := range n {
			fill[i] = images[i]
		}
		obj["image"] = fill
	}

	if brand, ok := obj["brand"].(string); ok {
		obj["brand"] = map[string]any{"name": brand}
	}

	offers, ok := obj["offers"].(map[string]any)
	if !ok {
		// Some models answer with a list of offers; keep the first.
		if list, isList := obj["offers"].([]any); isList && len(list) > 0 {
			offers, _ = list[0].(map[string]any)
		}
		if offers == nil {
			offers = map[string]any{}
		}
	}
	if _, ok := offers["price"]; !ok {
		offers["price"] = DefaultPrice
	}
	if _, ok := offers["priceCurrency"]; !ok {
		offers["priceCurrency"] = DefaultCurrency
	}
	if _, ok := offers["itemCondition"]; !ok {
		offers["itemCondition"] = DefaultItemCondition
	}
	obj["offers"] = offers
	return obj
}
