package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
)

const (
	// MaxTitleLength is the marketplace title limit.
	MaxTitleLength = 80
	// MaxDescriptionLength is the marketplace description limit.
	MaxDescriptionLength = 50000
	// DefaultSKU is used when the product carries no sku.
	DefaultSKU = "hsuf-sku"
)

var (
	ErrMissingPrice  = errors.New("offer missing price information")
	ErrMissingImages = errors.New("product image set is empty")
)

// Draft is a product translated into marketplace terms.
type Draft struct {
	SKU         string
	Title       string
	Description string
	Price       float64
	Currency    string
	CategoryID  string
	Quantity    int
	Aspects     map[string][]string
	Images      []string
}

// BuildDraft translates p into a listing draft for the category described by taxonomy.
func BuildDraft(p *domain.Product, taxonomy *domain.CategoryTaxonomy, defaultCurrency string) (*Draft, error) {
	price, currency, err := extractPrice(&p.Offers, defaultCurrency)
	if err != nil {
		return nil, err
	}
	images := make([]string, 0, len(p.Image))
	for _, img := range p.Image {
		if strings.TrimSpace(img) != "" {
			images = append(images, img)
		}
	}
	if len(images) == 0 {
		return nil, ErrMissingImages
	}

	description := p.Description
	if description == "" {
		description = productSummary(p)
	}
	sku := p.SKU
	if sku == "" {
		sku = DefaultSKU
	}

	var aspects map[string][]string
	var categoryID string
	if taxonomy != nil {
		aspects = MapAspects(p, taxonomy.Aspects)
		categoryID = taxonomy.CategoryID
	}

	return &Draft{
		SKU:         sku,
		Title:       Truncate(p.Name, MaxTitleLength),
		Description: Truncate(description, MaxDescriptionLength),
		Price:       price,
		Currency:    currency,
		CategoryID:  categoryID,
		Quantity:    1,
		Aspects:     aspects,
		Images:      images,
	}, nil
}

func extractPrice(offer *domain.Offer, defaultCurrency string) (float64, string, error) {
	pick := func(currency string) string {
		if currency == "" {
			currency = defaultCurrency
		}
		return strings.ToUpper(currency)
	}
	if offer.Price != nil {
		return float64(*offer.Price), pick(offer.PriceCurrency), nil
	}
	if spec := offer.PriceSpecification; spec != nil && spec.Price != nil {
		return float64(*spec.Price), pick(spec.PriceCurrency), nil
	}
	return 0, "", ErrMissingPrice
}

// MapAspects fills marketplace aspects from product attributes, honoring
// SELECTION_ONLY value lists and single-value cardinality.
func MapAspects(p *domain.Product, aspects []domain.CategoryAspect) map[string][]string {
	out := make(map[string][]string)
	for _, aspect := range aspects {
		name := strings.TrimSpace(aspect.Name)
		if name == "" {
			continue
		}
		candidates := valuesForAspect(p, name)
		if len(candidates) == 0 {
			continue
		}
		if aspect.Mode == domain.AspectSelectionOnly {
			candidates = matchAllowed(candidates, aspect.Values)
			if len(candidates) == 0 {
				continue
			}
		}
		if aspect.Cardinality != domain.CardinalityMulti {
			candidates = candidates[:1]
		}
		out[name] = candidates
	}
	return out
}

func valuesForAspect(p *domain.Product, name string) []string {
	switch strings.ToLower(name) {
	case "brand", "manufacturer":
		if b := p.BrandName(); b != "" {
			return []string{b}
		}
	case "color", "main color":
		return splitField(p.Color)
	case "mpn":
		if p.MPN != "" {
			return []string{p.MPN}
		}
	case "sku":
		if p.SKU != "" {
			return []string{p.SKU}
		}
	}
	return nil
}

func splitField(v string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(v, func(r rune) bool {
		return r == '/' || r == '|' || r == ',' || r == '&' || r == '\n'
	}) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func matchAllowed(candidates, allowed []string) []string {
	lookup := make(map[string]string, len(allowed))
	for _, v := range allowed {
		lookup[normalizeText(v)] = strings.TrimSpace(v)
	}
	var matched []string
	for _, c := range candidates {
		if v, ok := lookup[normalizeText(c)]; ok {
			matched = append(matched, v)
		}
	}
	return matched
}

func normalizeText(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}

// productSummary lists known attributes, or the name when none are set.
func productSummary(p *domain.Product) string {
	var lines []string
	if b := p.BrandName(); b != "" {
		lines = append(lines, "Brand: "+b)
	}
	if p.Color != "" {
		lines = append(lines, "Color: "+p.Color)
	}
	if p.Material != "" {
		lines = append(lines, "Material: "+p.Material)
	}
	if p.Size != nil && p.Size.Text != "" {
		lines = append(lines, "Size: "+p.Size.Text)
	}
	if len(lines) == 0 {
		return p.Name
	}
	return strings.Join(lines, "\n")
}

// Truncate shortens v to at most limit characters, ending in "...".
func Truncate(v string, limit int) string {
	runes := []rune(v)
	if len(runes) <= limit {
		return v
	}
	cut := limit - 3
	if cut < 0 {
		cut = 0
	}
	return strings.TrimSpace(string(runes[:cut])) + "..."
}

// Bullets summarizes a product in at most four highlight lines.
func Bullets(p *domain.Product) []string {
	var bullets []string
	if b := p.BrandName(); b != "" {
		bullets = append(bullets, fmt.Sprintf("Authentic %s craftsmanship", b))
	}
	if p.Color != "" {
		bullets = append(bullets, fmt.Sprintf("Distinctive %s finish", p.Color))
	}
	if p.Material != "" {
		bullets = append(bullets, fmt.Sprintf("Premium %s materials", p.Material))
	}
	if p.Description != "" {
		first, _, _ := strings.Cut(p.Description, "\n")
		bullets = append(bullets, first)
	}
	if len(bullets) == 0 {
		bullets = append(bullets, "LLM-enriched listing details")
	}
	if len(bullets) > 4 {
		bullets = bullets[:4]
	}
	return bullets
}

// TemplatedDescription is the listing description used when generation fails.
func TemplatedDescription(title string, bullets []string) string {
	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n\nHighlights:\n")
	for _, bullet := range bullets {
		fmt.Fprintf(&b, "- %s\n", bullet)
	}
	b.WriteString("\nAuto-generated demo description. Details may be approximations.")
	return b.String()
}

// FallbackProduct synthesizes a product from the sku and images alone.
func FallbackProduct(sku string, images []string) *domain.Product {
	inches := func(v float64) *domain.QuantitativeValue {
		return &domain.QuantitativeValue{UnitCode: "INH", UnitText: "Inches", Value: domain.NewAmount(v)}
	}
	return &domain.Product{
		Name:  sku + " listing",
		Image: append(domain.StringList(nil), images...),
		Offers: domain.Offer{
			Price:         domain.NewAmount(99),
			PriceCurrency: "USD",
		},
		Description: "Automated fallback description",
		Brand:       &domain.Brand{Name: "Hermes Labs"},
		Color:       "Black",
		Material:    "Mixed materials",
		SKU:         sku,
		MPN:         "MPN-" + sku,
		Height:      inches(5),
		Width:       inches(8),
		Depth:       inches(12),
		Weight:      &domain.QuantitativeValue{UnitCode: "LBR", UnitText: "Pounds", Value: domain.NewAmount(3)},
	}
}
