package listings

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
)

// MaxSKULength bounds the external identifier.
const MaxSKULength = 50

// Normalize trims identifiers and fills the channel and marketplace defaults
// in place.
func Normalize(req *domain.ListingRequest) {
	req.SKU = strings.TrimSpace(req.SKU)
	req.Channel = strings.ToLower(strings.TrimSpace(req.Channel))
	if req.Channel == "" {
		req.Channel = domain.DefaultChannel
	}
	if req.Marketplace == "" {
		req.Marketplace = domain.MarketplaceUS
	}
	req.MerchantLocationKey = strings.TrimSpace(req.MerchantLocationKey)
}

// Validate rejects requests the pipeline cannot start with. maxImages bounds
// an overridden image list; zero disables the bound.
func Validate(req *domain.ListingRequest, maxImages int) error {
	switch {
	case req.SKU == "":
		return domain.ErrInvalidRequest("sku is required").WithParam("sku")
	case utf8.RuneCountInString(req.SKU) > MaxSKULength:
		return domain.ErrInvalidRequest(fmt.Sprintf("sku must be at most %d characters", MaxSKULength)).WithParam("sku")
	case req.Channel != domain.DefaultChannel:
		return domain.ErrInvalidRequest(fmt.Sprintf("unsupported channel %q", req.Channel)).WithParam("channel")
	}

	ov := req.Overrides
	if ov == nil || ov.ResolvedImages == nil {
		if !hasImage(req.Images) {
			return domain.ErrInvalidRequest("images_source is required").WithParam("images_source")
		}
	}
	if ov == nil {
		return nil
	}
	if ov.ResolvedImages != nil {
		if len(ov.ResolvedImages) == 0 {
			return domain.ErrInvalidRequest("no images provided").WithParam("overrides.resolved_images")
		}
		if maxImages > 0 && len(ov.ResolvedImages) > maxImages {
			return domain.ErrInvalidRequest("too_many_images").WithParam("overrides.resolved_images")
		}
	}
	if c := ov.Category; c != nil {
		if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.Label) == "" {
			return domain.ErrInvalidRequest("category override requires id and label").WithParam("overrides.category")
		}
	}
	if p := ov.Product; p != nil && strings.TrimSpace(p.Name) == "" {
		return domain.ErrInvalidRequest("product override requires a name").WithParam("overrides.product")
	}
	return nil
}

func hasImage(sources []string) bool {
	for _, s := range sources {
		if strings.TrimSpace(s) != "" {
			return true
		}
	}
	return false
}
