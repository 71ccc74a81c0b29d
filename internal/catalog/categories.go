// Package catalog holds the deterministic listing rules: category selection,
// allowed conditions, demo taxonomy, product-to-draft transformation,
// measurement conversion and marketplace payload composition.
package catalog

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
)

// Category is one entry of the selectable category pool.
type Category struct {
	ID        string
	TreeID    string
	Label     string
	Narrative string
	Keywords  []string
}

// Alternative is a runner-up category reported next to a selection.
type Alternative struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Keywords []string `json:"keywords"`
}

// Pool is the fixed set of categories the selector chooses from.
var Pool = []Category{
	{
		ID:        "11450",
		TreeID:    "0",
		Label:     "Clothing, Shoes & Accessories",
		Narrative: "image cues show lifestyle apparel and footwear",
		Keywords:  []string{"shoe", "sneaker", "apparel"},
	},
	{
		ID:        "31387",
		TreeID:    "0",
		Label:     "Consumer Electronics",
		Narrative: "close-up product shots with polished surfaces",
		Keywords:  []string{"headphones", "camera", "electronics"},
	},
	{
		ID:        "261178",
		TreeID:    "0",
		Label:     "Collectibles",
		Narrative: "studio backgrounds and creative props",
		Keywords:  []string{"collectible", "vintage", "retro"},
	},
	{
		ID:        "281",
		TreeID:    "0",
		Label:     "Motors Parts & Accessories",
		Narrative: "detail shots of textured materials and components",
		Keywords:  []string{"auto", "motors", "component"},
	},
	{
		ID:        "293",
		TreeID:    "0",
		Label:     "Health & Beauty",
		Narrative: "soft lighting and product laydowns",
		Keywords:  []string{"beauty", "wellness", "care"},
	},
}

// Seed hashes the request identity and the first three images with FNV-1a.
// Fields are length-prefixed so adjacent values cannot collide.
func Seed(req *domain.ListingRequest, images []string) uint64 {
	h := fnv.New64a()
	write := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	write(req.SKU)
	write(req.MerchantLocationKey)
	write(req.FulfillmentPolicyID)
	write(req.PaymentPolicyID)
	write(req.ReturnPolicyID)
	write(string(req.Marketplace))
	for i, img := range images {
		if i == 3 {
			break
		}
		write(img)
	}
	return h.Sum64()
}

// SelectCategory picks a pool entry from seed and explains the choice.
func SelectCategory(sku string, seed uint64) (domain.CategorySelection, []Alternative) {
	idx := int(seed % uint64(len(Pool)))
	c := Pool[idx]

	confidence := math.Min(0.55+float64(seed%40)/100, 0.95)
	confidence = math.Round(confidence*100) / 100

	selection := domain.CategorySelection{
		ID:         c.ID,
		TreeID:     c.TreeID,
		Label:      c.Label,
		Confidence: confidence,
		Rationale:  fmt.Sprintf("sku signal `%s` + image hash matched `%s`", sku, c.Narrative),
	}
	return selection, Alternatives(c.Label)
}

// Alternatives returns the first two pool entries other than label.
func Alternatives(label string) []Alternative {
	out := make([]Alternative, 0, 2)
	for _, c := range Pool {
		if c.Label == label {
			continue
		}
		out = append(out, Alternative{ID: c.ID, Label: c.Label, Keywords: c.Keywords})
		if len(out) == 2 {
			break
		}
	}
	return out
}

// ConditionsFor returns the item conditions allowed for a category label.
func ConditionsFor(label string) domain.ConditionSet {
	var allowed []string
	switch lower := strings.ToLower(label); {
	case strings.Contains(lower, "shoe"):
		allowed = []string{"NEW_IN_BOX", "USED_LIKE_NEW", "USED_GOOD", "USED_FAIR"}
	case strings.Contains(lower, "collectible"):
		allowed = []string{"NEW", "UNOPENED", "DISPLAY_ONLY", "USED"}
	default:
		allowed = []string{"NEW", "USED_LIKE_NEW", "USED_GOOD", "USED"}
	}
	return domain.ConditionSet{Allowed: allowed, Default: allowed[0]}
}

// DemoAspects returns the offline taxonomy for a category label.
func DemoAspects(label string) []domain.CategoryAspect {
	aspects := []domain.CategoryAspect{
		{
			Name:        "Brand",
			Required:    true,
			Mode:        domain.AspectSelectionOnly,
			Cardinality: domain.CardinalityMulti,
			Values:      []string{"Hermes Labs", "Demo Labs"},
		},
		{
			Name:        "Color",
			Required:    true,
			Mode:        domain.AspectSelectionOnly,
			Cardinality: domain.CardinalityMulti,
			Values:      []string{"Black", "White", "Sand"},
		},
		{
			Name:        "Condition",
			Mode:        domain.AspectFreeText,
			Cardinality: domain.CardinalityMulti,
			Values:      []string{"New", "Used"},
		},
	}
	if strings.Contains(label, "Electronics") {
		aspects = append(aspects, domain.CategoryAspect{
			Name:        "BatteryIncluded",
			Mode:        domain.AspectFreeText,
			Cardinality: domain.CardinalityMulti,
			Values:      []string{"Yes", "No"},
		})
	}
	return aspects
}
