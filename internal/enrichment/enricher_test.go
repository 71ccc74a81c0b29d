package enrichment

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/tjfontaine/listing-gateway/internal/testutil"
)

const testGateway = "http://tensorzero.test"

func newTestEnricher(t *testing.T, cassette string, opts ...EnricherOption) *Enricher {
	t.Helper()
	rec, cleanup := testutil.NewVCRRecorder(t, cassette)
	t.Cleanup(cleanup)
	client := NewClient(testGateway,
		WithAPIKey("test-key"),
		WithHTTPClient(testutil.VCRHTTPClient(rec)),
	)
	return NewEnricher(client, opts...)
}

func TestEnricher_Extract(t *testing.T) {
	e := newTestEnricher(t, "enrichment_extract")
	images := []string{"https://img.example.com/a.jpg", "https://img.example.com/b.jpg"}

	product, err := e.Extract(context.Background(), "SKU-1", images)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if product.Name != "Trail Runner Sneaker" {
		t.Errorf("Name = %q", product.Name)
	}
	if product.BrandName() != "Acme Outdoor" {
		t.Errorf("brand string should be lifted into an object, got %q", product.BrandName())
	}
	if product.Offers.Price == nil || float64(*product.Offers.Price) != 64.5 {
		t.Errorf("Price = %v, want 64.5", product.Offers.Price)
	}
	if product.Offers.ItemCondition != DefaultItemCondition {
		t.Errorf("ItemCondition = %q, want default", product.Offers.ItemCondition)
	}
	if product.SKU != "SKU-1" {
		t.Errorf("SKU = %q, want the request sku", product.SKU)
	}
	if len(product.Image) != 2 || product.Image[0] != images[0] {
		t.Errorf("Image = %v, want input images", product.Image)
	}
	if product.Height == nil || product.Height.UnitCode != "INH" {
		t.Errorf("Height = %+v", product.Height)
	}
}

func TestEnricher_Describe(t *testing.T) {
	e := newTestEnricher(t, "enrichment_describe")

	text, err := e.Describe(context.Background(), "Trail Runner", []string{"Color: Sand"})
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	want := "Lightweight trail runner in sand mesh. Breathable, grippy and ready for the next climb."
	if text != want {
		t.Errorf("Describe() = %q, want %q", text, want)
	}
}

func TestEnricher_GatewayUnavailable(t *testing.T) {
	e := newTestEnricher(t, "enrichment_unavailable")

	_, err := e.Extract(context.Background(), "SKU-1", []string{"https://img.example.com/a.jpg"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %v", err)
	}
	if httpErr.StatusCode != 503 {
		t.Errorf("StatusCode = %d, want 503", httpErr.StatusCode)
	}
}

func TestEnricher_ExtractWithoutImages(t *testing.T) {
	e := NewEnricher(NewClient(testGateway))
	if _, err := e.Extract(context.Background(), "SKU-1", nil); err == nil {
		t.Fatal("expected an error for an empty image list")
	}
}

func TestClient_MissingGateway(t *testing.T) {
	_, err := NewClient("  ").Infer(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("expected an error without a gateway url")
	}
}

func TestEnricher_TokenBudgetTrimsImages(t *testing.T) {
	images := make([]string, 6)
	for i := range images {
		images[i] = fmt.Sprintf("https://img.example.com/products/very/long/path/segment/%02d/photo-%02d.jpg", i, i)
	}

	full := NewEnricher(nil)
	messages, used, err := full.extractMessages("SKU-1", images)
	if err != nil {
		t.Fatalf("extractMessages() error = %v", err)
	}
	if used != len(images) {
		t.Fatalf("without a budget every image is kept, got %d", used)
	}
	fullTokens, err := CountTokens(messages)
	if err != nil {
		t.Fatalf("CountTokens() error = %v", err)
	}

	budgeted := NewEnricher(nil, WithTokenBudget(fullTokens-1))
	_, used, err = budgeted.extractMessages("SKU-1", images)
	if err != nil {
		t.Fatalf("extractMessages() error = %v", err)
	}
	if used >= len(images) || used < 1 {
		t.Errorf("used = %d, want between 1 and %d", used, len(images)-1)
	}

	tiny := NewEnricher(nil, WithTokenBudget(1))
	_, used, err = tiny.extractMessages("SKU-1", images)
	if err != nil {
		t.Fatalf("extractMessages() error = %v", err)
	}
	if used != 1 {
		t.Errorf("at least one image is always kept, got %d", used)
	}
}

func TestDisabled(t *testing.T) {
	var d Disabled
	if _, err := d.Extract(context.Background(), "SKU", []string{"x"}); !errors.Is(err, ErrDisabled) {
		t.Errorf("Extract() error = %v, want ErrDisabled", err)
	}
	if _, err := d.Describe(context.Background(), "t", nil); !errors.Is(err, ErrDisabled) {
		t.Errorf("Describe() error = %v, want ErrDisabled", err)
	}
}
