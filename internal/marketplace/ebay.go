package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
	"github.com/tjfontaine/listing-gateway/internal/pkg/safehttp"
)

const (
	SandboxRoot    = "https://api.sandbox.ebay.com"
	ProductionRoot = "https://api.ebay.com"

	// AppScope is the public scope used for taxonomy reads.
	AppScope = "https://api.ebay.com/oauth/api_scope"
)

const (
	defaultTreeID     = "0"
	defaultCacheSize  = 256
	defaultCacheTTL   = time.Hour
	defaultTimeout    = 15 * time.Second
	maxErrorBody      = 4 << 10
	contentLanguage   = "en-US"
	locationStatus    = "ENABLED"
	locationWarehouse = "WAREHOUSE"
)

// ErrNoRefreshToken is returned when seller calls are made without a refresh token.
var ErrNoRefreshToken = errors.New("ebay refresh token not configured")

// APIError is a non-2xx response from the Sell or Taxonomy APIs.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ebay %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsConflict reports whether err is a 409 from the marketplace.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Config configures the live client.
type Config struct {
	Environment    string // sandbox or production
	BaseURL        string // overrides Environment
	AppID          string
	CertID         string
	RefreshToken   string
	CategoryTreeID string
	CacheSize      int
	CacheTTL       time.Duration
	Timeout        time.Duration
}

// Root returns the API root for the configuration.
func (c Config) Root() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if strings.EqualFold(c.Environment, "production") {
		return ProductionRoot
	}
	return SandboxRoot
}

// EBay talks to the eBay Sell Inventory and Commerce Taxonomy APIs.
type EBay struct {
	root       string
	treeID     string
	httpClient *http.Client
	userTokens oauth2.TokenSource
	appTokens  oauth2.TokenSource
	taxonomy   *lru.LRU[string, *domain.CategoryTaxonomy]
	logger     *slog.Logger
}

var _ ports.Marketplace = (*EBay)(nil)

// Option configures an EBay client.
type Option func(*EBay)

// WithHTTPClient replaces the default client, which refuses private addresses.
func WithHTTPClient(c *http.Client) Option {
	return func(e *EBay) { e.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *EBay) { e.logger = l }
}

// NewEBay creates a live client. Token sources refresh lazily and reuse
// tokens until they expire.
func NewEBay(cfg Config, opts ...Option) *EBay {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	e := &EBay{
		root:       cfg.Root(),
		treeID:     cfg.CategoryTreeID,
		httpClient: safehttp.NewClient(timeout),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.treeID == "" {
		e.treeID = defaultTreeID
	}

	size, ttl := cfg.CacheSize, cfg.CacheTTL
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	e.taxonomy = lru.NewLRU[string, *domain.CategoryTaxonomy](size, nil, ttl)

	tokenURL := e.root + "/identity/v1/oauth2/token"
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, e.httpClient)

	app := &clientcredentials.Config{
		ClientID:     cfg.AppID,
		ClientSecret: cfg.CertID,
		TokenURL:     tokenURL,
		Scopes:       []string{AppScope},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	e.appTokens = app.TokenSource(ctx)

	// The seller token is a refresh grant that must repeat the scopes, which
	// the client credentials flow supports through endpoint params.
	if cfg.RefreshToken != "" {
		user := &clientcredentials.Config{
			ClientID:     cfg.AppID,
			ClientSecret: cfg.CertID,
			TokenURL:     tokenURL,
			Scopes:       TokenScopes,
			AuthStyle:    oauth2.AuthStyleInHeader,
			EndpointParams: url.Values{
				"grant_type":    {"refresh_token"},
				"refresh_token": {cfg.RefreshToken},
			},
		}
		e.userTokens = user.TokenSource(ctx)
	}
	return e
}

// CategoryAspects fetches item aspects for the selected category. Results are
// cached per tree and category.
func (e *EBay) CategoryAspects(ctx context.Context, category domain.CategorySelection, _ domain.Marketplace) (*domain.CategoryTaxonomy, error) {
	treeID := category.TreeID
	if treeID == "" {
		treeID = e.treeID
	}
	key := treeID + "/" + category.ID
	if tax, ok := e.taxonomy.Get(key); ok {
		return tax, nil
	}

	tok, err := e.appTokens.Token()
	if err != nil {
		return nil, fmt.Errorf("application token: %w", err)
	}

	endpoint := fmt.Sprintf("%s/commerce/taxonomy/v1/category_tree/%s/get_item_aspects_for_category?category_id=%s",
		e.root, url.PathEscape(treeID), url.QueryEscape(category.ID))
	var body aspectsResponse
	if err := e.do(ctx, "get_item_aspects_for_category", http.MethodGet, endpoint, tok.AccessToken, nil, &body); err != nil {
		return nil, err
	}

	tax := &domain.CategoryTaxonomy{
		CategoryID: category.ID,
		TreeID:     treeID,
		Aspects:    body.toDomain(),
	}
	e.taxonomy.Add(key, tax)
	return tax, nil
}

// AccessToken returns the seller token minted from the configured refresh token.
func (e *EBay) AccessToken(ctx context.Context, tenantID, sku string) (*ports.AccessToken, error) {
	if e.userTokens == nil {
		return nil, ErrNoRefreshToken
	}
	tok, err := e.userTokens.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh seller token: %w", err)
	}
	expiresIn := time.Duration(0)
	if !tok.Expiry.IsZero() {
		expiresIn = time.Until(tok.Expiry).Round(time.Second)
	}
	return &ports.AccessToken{
		Value:     tok.AccessToken,
		Scopes:    append([]string(nil), TokenScopes...),
		ExpiresIn: expiresIn,
	}, nil
}

// PushInventory registers the warehouse when an address is known, then
// upserts the inventory item.
func (e *EBay) PushInventory(ctx context.Context, push *ports.InventoryPush) (*ports.InventoryReceipt, error) {
	token := push.Token.Value
	key := push.Plan.MerchantLocationKey

	if key != "" && push.Warehouse.AddressLine1 != "" {
		endpoint := fmt.Sprintf("%s/sell/inventory/v1/location/%s", e.root, url.PathEscape(key))
		if err := e.do(ctx, "upsert_location", http.MethodPut, endpoint, token, locationPayload(push.Warehouse), nil); err != nil {
			e.logger.WarnContext(ctx, "merchant location upsert failed", "location", key, "error", err)
		}
	}

	endpoint := fmt.Sprintf("%s/sell/inventory/v1/inventory_item/%s", e.root, url.PathEscape(push.Plan.SKU))
	if err := e.do(ctx, "upsert_inventory_item", http.MethodPut, endpoint, token, push.Item, nil); err != nil {
		return nil, err
	}

	pkg := ""
	if push.Item.PackageWeightAndSize != nil {
		pkg = "CUSTOM"
	}
	return &ports.InventoryReceipt{
		SKU:      push.Plan.SKU,
		Location: key,
		Quantity: push.Item.Availability.ShipToLocationAvailability.Quantity,
		Package:  pkg,
		Status:   statusUpserted,
	}, nil
}

// PublishOffer creates and publishes an offer. When an offer already exists
// for the sku it is revised and republished instead.
func (e *EBay) PublishOffer(ctx context.Context, pub *ports.OfferPublish) (*ports.OfferReceipt, error) {
	token := pub.Token.Value

	var created struct {
		OfferID string `json:"offerId"`
	}
	err := e.do(ctx, "create_offer", http.MethodPost, e.root+"/sell/inventory/v1/offer", token, pub.Create, &created)
	offerID := created.OfferID
	switch {
	case err == nil:
	case IsConflict(err):
		e.logger.InfoContext(ctx, "offer exists, reconciling", "sku", pub.Plan.SKU)
		offerID, err = e.reconcile(ctx, token, pub)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	if offerID == "" {
		return nil, errors.New("ebay create_offer: response has no offerId")
	}

	var published struct {
		ListingID string `json:"listingId"`
	}
	endpoint := fmt.Sprintf("%s/sell/inventory/v1/offer/%s/publish", e.root, url.PathEscape(offerID))
	if err := e.do(ctx, "publish_offer", http.MethodPost, endpoint, token, nil, &published); err != nil {
		return nil, err
	}
	return &ports.OfferReceipt{
		ListingID: published.ListingID,
		OfferID:   offerID,
		Route:     pub.Plan.Marketplace.Route(),
	}, nil
}

// reconcile finds the existing offer for the sku and revises it. If the
// revision is rejected the offer is withdrawn and revised again.
func (e *EBay) reconcile(ctx context.Context, token string, pub *ports.OfferPublish) (string, error) {
	var list struct {
		Offers []struct {
			OfferID       string `json:"offerId"`
			MarketplaceID string `json:"marketplaceId"`
		} `json:"offers"`
	}
	endpoint := fmt.Sprintf("%s/sell/inventory/v1/offer?sku=%s", e.root, url.QueryEscape(pub.Plan.SKU))
	if err := e.do(ctx, "get_offers", http.MethodGet, endpoint, token, nil, &list); err != nil {
		return "", err
	}
	if len(list.Offers) == 0 {
		return "", fmt.Errorf("ebay create_offer conflicted but no offer exists for sku %q", pub.Plan.SKU)
	}

	offerID := list.Offers[0].OfferID
	for _, o := range list.Offers {
		if o.MarketplaceID == string(pub.Plan.Marketplace) {
			offerID = o.OfferID
			break
		}
	}

	offerURL := fmt.Sprintf("%s/sell/inventory/v1/offer/%s", e.root, url.PathEscape(offerID))
	err := e.do(ctx, "update_offer", http.MethodPut, offerURL, token, pub.Update, nil)
	if err == nil {
		return offerID, nil
	}

	e.logger.WarnContext(ctx, "offer update rejected, withdrawing", "offer_id", offerID, "error", err)
	if err := e.do(ctx, "withdraw_offer", http.MethodPost, offerURL+"/withdraw", token, nil, nil); err != nil {
		return "", err
	}
	if err := e.do(ctx, "update_offer", http.MethodPut, offerURL, token, pub.Update, nil); err != nil {
		return "", err
	}
	return offerID, nil
}

func (e *EBay) do(ctx context.Context, op, method, endpoint, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("ebay %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("ebay %s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Content-Language", contentLanguage)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ebay %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("ebay %s: decode response: %w", op, err)
	}
	return nil
}

type aspectsResponse struct {
	Aspects []struct {
		LocalizedAspectName string `json:"localizedAspectName"`
		AspectValues        []struct {
			LocalizedValue string `json:"localizedValue"`
		} `json:"aspectValues"`
		AspectConstraint struct {
			AspectMode              string `json:"aspectMode"`
			AspectRequired          bool   `json:"aspectRequired"`
			ItemToAspectCardinality string `json:"itemToAspectCardinality"`
		} `json:"aspectConstraint"`
	} `json:"aspects"`
}

func (r aspectsResponse) toDomain() []domain.CategoryAspect {
	aspects := make([]domain.CategoryAspect, 0, len(r.Aspects))
	for _, a := range r.Aspects {
		values := make([]string, 0, len(a.AspectValues))
		for _, v := range a.AspectValues {
			values = append(values, v.LocalizedValue)
		}
		cardinality := domain.AspectCardinality(a.AspectConstraint.ItemToAspectCardinality)
		if cardinality == "" {
			cardinality = domain.CardinalitySingle
		}
		aspects = append(aspects, domain.CategoryAspect{
			Name:        a.LocalizedAspectName,
			Required:    a.AspectConstraint.AspectRequired,
			Mode:        domain.AspectMode(a.AspectConstraint.AspectMode),
			Cardinality: cardinality,
			Values:      values,
		})
	}
	return aspects
}

type locationAddress struct {
	AddressLine1    string `json:"addressLine1"`
	AddressLine2    string `json:"addressLine2,omitempty"`
	City            string `json:"city"`
	StateOrProvince string `json:"stateOrProvince"`
	PostalCode      string `json:"postalCode"`
	Country         string `json:"country"`
}

type geoCoordinates struct {
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
}

type location struct {
	Address        locationAddress `json:"address"`
	GeoCoordinates *geoCoordinates `json:"geoCoordinates,omitempty"`
}

type inventoryLocation struct {
	MerchantLocationStatus string   `json:"merchantLocationStatus"`
	LocationTypes          []string `json:"locationTypes"`
	Name                   string   `json:"name,omitempty"`
	Location               location `json:"location"`
}

func locationPayload(w domain.WarehouseLocation) inventoryLocation {
	loc := location{Address: locationAddress{
		AddressLine1:    w.AddressLine1,
		AddressLine2:    w.AddressLine2,
		City:            w.City,
		StateOrProvince: w.StateOrProvince,
		PostalCode:      w.PostalCode,
		Country:         w.Country,
	}}
	if w.Latitude != "" && w.Longitude != "" {
		loc.GeoCoordinates = &geoCoordinates{Latitude: w.Latitude, Longitude: w.Longitude}
	}
	return inventoryLocation{
		MerchantLocationStatus: locationStatus,
		LocationTypes:          []string{locationWarehouse},
		Name:                   w.Name,
		Location:               loc,
	}
}
