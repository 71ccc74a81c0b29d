package listings

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tjfontaine/listing-gateway/internal/catalog"
	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/server"
)

type resolveImagesRequest struct {
	Images        domain.StringList `json:"images_source"`
	UseSignedURLs bool              `json:"use_signed_urls"`
}

type resolveImagesResponse struct {
	Images []string `json:"images"`
}

func (h *Handler) stageResolveImages(w http.ResponseWriter, r *http.Request) {
	var req resolveImagesRequest
	if !h.decode(w, r, &req) {
		return
	}
	images := catalog.ResolveImages(req.Images, req.UseSignedURLs)
	if err := h.policy.Check(images); err != nil {
		h.fail(w, r, domain.ErrStageFailed(domain.StageResolveImages, domain.ErrorCodeInvalidInput, err.Error()))
		return
	}
	h.writeStage(w, resolveImagesResponse{Images: images})
}

type selectCategoryRequest struct {
	Images              []string           `json:"images"`
	SKU                 string             `json:"sku"`
	MerchantLocationKey string             `json:"merchant_location_key"`
	FulfillmentPolicyID string             `json:"fulfillment_policy_id"`
	PaymentPolicyID     string             `json:"payment_policy_id"`
	ReturnPolicyID      string             `json:"return_policy_id"`
	Marketplace         domain.Marketplace `json:"marketplace,omitempty"`
}

type selectCategoryResponse struct {
	Selection    domain.CategorySelection `json:"selection"`
	Alternatives []catalog.Alternative    `json:"alternatives"`
}

func (h *Handler) stageSelectCategory(w http.ResponseWriter, r *http.Request) {
	var req selectCategoryRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Images) == 0 {
		h.fail(w, r, domain.ErrStageFailed(domain.StageSelectCategory, domain.ErrorCodeInvalidInput, "no images to classify"))
		return
	}
	if req.Marketplace == "" {
		req.Marketplace = domain.MarketplaceUS
	}
	seed := catalog.Seed(&domain.ListingRequest{
		SKU:                 req.SKU,
		MerchantLocationKey: req.MerchantLocationKey,
		FulfillmentPolicyID: req.FulfillmentPolicyID,
		PaymentPolicyID:     req.PaymentPolicyID,
		ReturnPolicyID:      req.ReturnPolicyID,
		Marketplace:         req.Marketplace,
	}, req.Images)
	selection, alternatives := catalog.SelectCategory(req.SKU, seed)
	h.writeStage(w, selectCategoryResponse{Selection: selection, Alternatives: alternatives})
}

type extractProductRequest struct {
	SKU    string   `json:"sku"`
	Images []string `json:"images"`
}

type extractProductResponse struct {
	Product      *domain.Product `json:"product"`
	UsedFallback bool            `json:"used_fallback"`
}

func (h *Handler) stageExtractProduct(w http.ResponseWriter, r *http.Request) {
	var req extractProductRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SKU) == "" {
		h.fail(w, r, domain.ErrInvalidRequest("sku is required").WithParam("sku"))
		return
	}

	var (
		product *domain.Product
		err     = errors.New("enrichment disabled")
	)
	if h.enricher != nil {
		product, err = h.enricher.Extract(r.Context(), req.SKU, req.Images)
	}
	if err != nil || product == nil {
		h.logger.InfoContext(r.Context(), "extract_product stage fell back", "sku", req.SKU, "error", err)
		h.writeStage(w, extractProductResponse{Product: catalog.FallbackProduct(req.SKU, req.Images), UsedFallback: true})
		return
	}
	h.writeStage(w, extractProductResponse{Product: product})
}

type descriptionRequest struct {
	Title   string   `json:"title"`
	Bullets []string `json:"bullets"`
}

type descriptionResponse struct {
	Description  string `json:"description"`
	UsedFallback bool   `json:"used_fallback"`
}

func (h *Handler) stageDescription(w http.ResponseWriter, r *http.Request) {
	var req descriptionRequest
	if !h.decode(w, r, &req) {
		return
	}

	var (
		text string
		err  = errors.New("enrichment disabled")
	)
	if h.enricher != nil {
		text, err = h.enricher.Describe(r.Context(), req.Title, req.Bullets)
	}
	if err != nil || text == "" {
		h.writeStage(w, descriptionResponse{Description: catalog.TemplatedDescription(req.Title, req.Bullets), UsedFallback: true})
		return
	}
	h.writeStage(w, descriptionResponse{Description: text})
}

func (h *Handler) writeStage(w http.ResponseWriter, v any) {
	w.Header().Set("Cache-Control", "no-store")
	server.WriteJSON(w, http.StatusOK, v)
}
