// Package gateway provides the public API for embedding the listing gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
	"github.com/tjfontaine/listing-gateway/internal/pkg/config"
	"github.com/tjfontaine/listing-gateway/internal/runtime"
)

// Gateway is the main entry point for running the listing gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// Types needed to implement custom collaborators.
type (
	Config           = config.Config
	Enricher         = ports.Enricher
	Marketplace      = ports.Marketplace
	AccessToken      = ports.AccessToken
	InventoryPush    = ports.InventoryPush
	InventoryReceipt = ports.InventoryReceipt
	OfferPublish     = ports.OfferPublish
	OfferReceipt     = ports.OfferReceipt
	Product          = domain.Product
	ListingResult    = domain.ListingResult
	APIError         = domain.APIError
	ChannelDefaults  = domain.ChannelDefaults
)

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithLogger(logger),
//	    gateway.WithFileConfig("config.yaml"),
//	)
var New = runtime.New

// LoadConfig reads a config file the way WithFileConfig does, without watching it.
var LoadConfig = config.Load

// Configuration options
var (
	// Config sources
	WithFileConfig = runtime.WithFileConfig
	WithConfig     = runtime.WithConfig

	// Collaborators
	WithEnricher    = runtime.WithEnricher
	WithMarketplace = runtime.WithMarketplace

	// Advanced options
	WithLogger   = runtime.WithLogger
	WithClock    = runtime.WithClock
	WithListener = runtime.WithListener
)
