package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/masud80/healthcare-emr-sub001/internal/config"
	"github.com/masud80/healthcare-emr-sub001/internal/platform/auth"
)

// apikeyCmd manages keys directly against the configured store, for
// bootstrapping before any admin token exists.
func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage external API keys",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			facility, _ := cmd.Flags().GetString("facility")
			client, _ := cmd.Flags().GetString("client")
			scopes, _ := cmd.Flags().GetStringSlice("scopes")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			if err := auth.ValidateScopes(scopes); err != nil {
				return err
			}
			spec := auth.KeySpec{Name: name, FacilityID: facility, ClientID: client, Scopes: scopes}
			if ttl > 0 {
				exp := time.Now().UTC().Add(ttl)
				spec.ExpiresAt = &exp
			}

			return withKeyManager(func(ctx context.Context, m *auth.APIKeyManager) error {
				key, raw, err := m.GenerateKey(ctx, spec)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created key %s (%s)\n", key.ID, key.KeyPrefix)
				fmt.Fprintf(cmd.OutOrStdout(), "Key: %s\n", raw)
				fmt.Fprintln(cmd.OutOrStdout(), "Store it now; it cannot be shown again.")
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Human readable key name")
	createCmd.Flags().String("facility", "", "Restrict the key to one facility")
	createCmd.Flags().String("client", "", "Client identifier of the integration")
	createCmd.Flags().StringSlice("scopes", []string{auth.ScopePatientsRead}, "Scopes granted to the key")
	createCmd.Flags().Duration("ttl", 0, "Key lifetime (0 means no expiry)")
	_ = createCmd.MarkFlagRequired("name")
	cmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			facility, _ := cmd.Flags().GetString("facility")
			limit, _ := cmd.Flags().GetInt("limit")
			return withKeyManager(func(ctx context.Context, m *auth.APIKeyManager) error {
				keys, total, err := m.ListKeys(ctx, facility, limit, 0)
				if err != nil {
					return err
				}
				return printKeys(cmd.OutOrStdout(), keys, total)
			})
		},
	}
	listCmd.Flags().String("facility", "", "Only list keys of this facility")
	listCmd.Flags().Int("limit", 100, "Maximum number of keys")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyManager(func(ctx context.Context, m *auth.APIKeyManager) error {
				if err := m.RevokeKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked key %s\n", args[0])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate <id>",
		Short: "Revoke an API key and issue a replacement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyManager(func(ctx context.Context, m *auth.APIKeyManager) error {
				key, raw, err := m.RotateKey(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rotated to key %s (%s)\n", key.ID, key.KeyPrefix)
				fmt.Fprintf(cmd.OutOrStdout(), "Key: %s\n", raw)
				return nil
			})
		},
	})

	return cmd
}

func withKeyManager(fn func(ctx context.Context, m *auth.APIKeyManager) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, closeFn, err := openKeyStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, auth.NewAPIKeyManager(store))
}

func printKeys(w io.Writer, keys []*auth.APIKey, total int) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{"keys": keys, "total": total})
}
