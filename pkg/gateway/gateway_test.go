package gateway_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tjfontaine/listing-gateway/internal/marketplace"
	"github.com/tjfontaine/listing-gateway/pkg/gateway"
)

// namedMarketplace wraps the stub and assigns its own listing ids.
type namedMarketplace struct {
	marketplace.Stub
}

func (namedMarketplace) PublishOffer(_ context.Context, offer *gateway.OfferPublish) (*gateway.OfferReceipt, error) {
	return &gateway.OfferReceipt{ListingID: "EMBED-" + offer.Plan.SKU, OfferID: "offer-1"}, nil
}

func TestEmbeddedGateway(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("auth:\n  mode: none\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := gateway.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	gw, err := gateway.New(
		gateway.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		gateway.WithConfig(cfg),
		gateway.WithMarketplace(namedMarketplace{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.Shutdown(context.Background())

	body := `{"images_source": "https://img.example.com/a.jpg", "sku": "SKU-7",
		"merchant_location_key": "wh", "fulfillment_policy_id": "f", "payment_policy_id": "p", "return_policy_id": "r"}`
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/listings", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"listing_id":"EMBED-SKU-7"`) {
		t.Errorf("marketplace listing id not used: %s", rec.Body.String())
	}
}
