package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/pkg/config"
	"github.com/tjfontaine/listing-gateway/internal/storage/sqldb"
)

// openSQLStore opens the database named by the config's storage section.
// Tenant defaults can only be stored in sqlite or postgres.
func openSQLStore(cmd *cobra.Command) (*sqldb.Store, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	switch cfg.Storage.Type {
	case "sqlite":
		return sqldb.NewSQLite(cfg.Storage.SQLite.Path)
	case "postgres":
		driver := cfg.Storage.Database.Driver
		if driver == "" {
			driver = "postgres"
		}
		return sqldb.New(sqldb.Config{Driver: driver, DSN: cfg.Storage.Database.DSN})
	default:
		return nil, fmt.Errorf("storage.type %q does not persist tenant defaults; use sqlite or postgres", cfg.Storage.Type)
	}
}

func newDefaultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "defaults",
		Short: "Manage per-tenant channel defaults stored in the database",
	}
	cmd.AddCommand(newDefaultsGetCmd(), newDefaultsSetCmd())
	return cmd
}

func newDefaultsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <tenant-id>",
		Short: "Print a tenant's stored defaults as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSQLStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			d, err := store.ChannelDefaults(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if d == nil {
				return fmt.Errorf("no defaults stored for tenant %q", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		},
	}
}

func newDefaultsSetCmd() *cobra.Command {
	var d domain.ChannelDefaults
	cmd := &cobra.Command{
		Use:   "set <tenant-id>",
		Short: "Store a tenant's merchant location, policies and warehouse",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := strings.TrimSpace(args[0])
			if tenantID == "" {
				return fmt.Errorf("tenant id is empty")
			}
			store, err := openSQLStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.PutChannelDefaults(cmd.Context(), tenantID, &d, time.Now()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored defaults for tenant %s\n", tenantID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&d.MerchantLocationKey, "merchant-location-key", "", "inventory location key")
	f.StringVar(&d.FulfillmentPolicyID, "fulfillment-policy-id", "", "fulfillment policy id")
	f.StringVar(&d.PaymentPolicyID, "payment-policy-id", "", "payment policy id")
	f.StringVar(&d.ReturnPolicyID, "return-policy-id", "", "return policy id")
	f.StringVar(&d.Marketplace, "marketplace", "", "marketplace id, e.g. EBAY_US")
	f.StringVar(&d.Warehouse.Name, "warehouse-name", "", "warehouse display name")
	f.StringVar(&d.Warehouse.AddressLine1, "warehouse-address", "", "warehouse street address")
	f.StringVar(&d.Warehouse.City, "warehouse-city", "", "warehouse city")
	f.StringVar(&d.Warehouse.StateOrProvince, "warehouse-state", "", "warehouse state or province")
	f.StringVar(&d.Warehouse.PostalCode, "warehouse-postal-code", "", "warehouse postal code")
	f.StringVar(&d.Warehouse.Country, "warehouse-country", "", "warehouse ISO country code")
	return cmd
}
