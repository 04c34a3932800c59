package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/masud80/healthcare-emr-sub001/internal/config"
	"github.com/masud80/healthcare-emr-sub001/internal/permissions"
)

func permissionsCmd(logger zerolog.Logger, f factories) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Role permission documents derived from the security rules",
	}

	mirrorCmd := &cobra.Command{
		Use:   "mirror",
		Short: "Write per-role collection permissions parsed from the rules file",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			out, _ := cmd.Flags().GetString("out")
			prune, _ := cmd.Flags().GetBool("prune")
			file, _ := cmd.Flags().GetString("file")
			roles, _ := cmd.Flags().GetStringSlice("roles")

			// The project id is only needed once Firestore is written.
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.RulesFile
			}
			if len(roles) == 0 {
				roles = cfg.PermissionRoles
			}

			rules, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read rules: %w", err)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			var writer permissions.Writer
			if dryRun || out != "" {
				w, closeOut, openErr := jsonOutput(out, cmd.OutOrStdout())
				if openErr != nil {
					return openErr
				}
				defer func() {
					if cerr := closeOut(); cerr != nil && err == nil {
						err = fmt.Errorf("close %s: %w", out, cerr)
					}
				}()
				writer = permissions.JSONWriter{W: w}
			} else {
				if err := cfg.ValidateAdmin(); err != nil {
					return err
				}
				w, closeFn, err := f.permissionsWriter(ctx, cfg, prune)
				if err != nil {
					return err
				}
				defer closeFn()
				writer = w
			}

			m := &permissions.Mirror{Roles: roles, Writer: writer, Logger: logger}
			docs, err := m.Run(ctx, rules)
			if err != nil {
				return err
			}
			logger.Info().Int("roles", len(docs)).Str("rules", file).Bool("dry_run", dryRun || out != "").Msg("permission mirror complete")
			return nil
		},
	}
	mirrorCmd.Flags().Bool("dry-run", false, "Print the documents as JSON instead of writing Firestore")
	mirrorCmd.Flags().String("out", "", "Write the JSON documents to this file (implies --dry-run)")
	mirrorCmd.Flags().Bool("prune", false, "Delete permission documents of roles no longer present")
	mirrorCmd.Flags().String("file", "", "Rules file (defaults to RULES_FILE)")
	mirrorCmd.Flags().StringSlice("roles", nil, "Roles to evaluate (defaults to PERMISSION_ROLES)")
	cmd.AddCommand(mirrorCmd)

	return cmd
}
