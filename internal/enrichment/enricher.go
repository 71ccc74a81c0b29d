package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
)

const extractSystemPrompt = `You are a product ingestion agent. Given a set of product image URLs and metadata, respond with a valid
JSON object that conforms to schema.org Product. Include image, offers, and dimensional metadata when
possible. Omitting required fields is not allowed. If uncertain, make the best reasonable assumption and note it in
the description. Output JSON only.`

const extractInstruction = "Return a schema.org Product JSON with offers.price, offers.priceCurrency, image, color, material, dimensions, and weight when possible."

// ErrDisabled is returned by the disabled enricher.
var ErrDisabled = errors.New("enrichment disabled")

// Enricher implements ports.Enricher over an inference Client.
type Enricher struct {
	client      *Client
	tokenBudget int
	logger      *slog.Logger
}

var _ ports.Enricher = (*Enricher)(nil)

// EnricherOption configures an Enricher.
type EnricherOption func(*Enricher)

// WithTokenBudget caps the extraction prompt size. Images are dropped from the
// end until the prompt fits; at least one is always kept. Zero disables.
func WithTokenBudget(tokens int) EnricherOption {
	return func(e *Enricher) { e.tokenBudget = tokens }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EnricherOption {
	return func(e *Enricher) { e.logger = l }
}

// NewEnricher creates an enricher backed by client.
func NewEnricher(client *Client, opts ...EnricherOption) *Enricher {
	e := &Enricher{client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract asks the model for a schema.org Product describing images.
func (e *Enricher) Extract(ctx context.Context, sku string, images []string) (*domain.Product, error) {
	if len(images) == 0 {
		return nil, errors.New("no images to enrich")
	}

	messages, used, err := e.extractMessages(sku, images)
	if err != nil {
		return nil, err
	}
	if used < len(images) {
		e.logger.InfoContext(ctx, "enrichment prompt trimmed to token budget",
			"sku", sku, "images", len(images), "kept", used, "budget", e.tokenBudget)
	}

	resp, err := e.client.Infer(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("enrichment request failed: %w", err)
	}
	return ParseProduct(resp.Text, sku, images)
}

func (e *Enricher) extractMessages(sku string, images []string) ([]Message, int, error) {
	build := func(imgs []string) ([]Message, error) {
		payload, err := json.Marshal(map[string]any{
			"sku":         sku,
			"images":      imgs,
			"instruction": extractInstruction,
		})
		if err != nil {
			return nil, err
		}
		return []Message{
			{Role: "system", Content: extractSystemPrompt},
			{Role: "user", Content: string(payload)},
		}, nil
	}

	n := len(images)
	for {
		messages, err := build(images[:n])
		if err != nil {
			return nil, 0, fmt.Errorf("build prompt: %w", err)
		}
		if e.tokenBudget <= 0 || n == 1 {
			return messages, n, nil
		}
		tokens, err := CountTokens(messages)
		if err != nil {
			return nil, 0, err
		}
		if tokens <= e.tokenBudget {
			return messages, n, nil
		}
		n--
	}
}

// Describe asks the model for listing copy.
func (e *Enricher) Describe(ctx context.Context, title string, bullets []string) (string, error) {
	prompt := fmt.Sprintf(
		"Generate a compelling, policy-compliant eBay listing description. Title: %s. Bullet points: %q.",
		title, bullets,
	)
	resp, err := e.client.Infer(ctx, []Message{{Role: "user", Content: prompt}})
	if err != nil {
		return "", fmt.Errorf("description request failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", errors.New("empty description")
	}
	return text, nil
}

// Disabled is an enricher that always fails, so stages take their fallbacks.
type Disabled struct{}

var _ ports.Enricher = Disabled{}

func (Disabled) Extract(context.Context, string, []string) (*domain.Product, error) {
	return nil, ErrDisabled
}

func (Disabled) Describe(context.Context, string, []string) (string, error) {
	return "", ErrDisabled
}
