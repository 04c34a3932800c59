package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/masud80/healthcare-emr-sub001/internal/config"
	"github.com/masud80/healthcare-emr-sub001/internal/rulesync"
)

func rulesCmd(logger zerolog.Logger, f factories) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Firestore security rules",
	}
	cmd.AddCommand(syncCmd(logger, f.rules, func(cfg *config.Config) string { return cfg.RulesFile }))
	return cmd
}

func indexesCmd(logger zerolog.Logger, f factories) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "indexes",
		Short: "Firestore composite indexes",
	}
	cmd.AddCommand(syncCmd(logger, f.indexes, func(cfg *config.Config) string { return cfg.IndexesFile }))
	return cmd
}

func syncCmd(logger zerolog.Logger, open func(context.Context, *config.Config) (rulesync.Source, error), localPath func(*config.Config) string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Three-way merge the local file with the deployed version",
		Long: `Fetches the deployed content, merges it with the local file against the
content recorded by the previous sync and writes the result back. Conflicts
are written to <file>.merged and the command exits with status 2.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			deploy, _ := cmd.Flags().GetBool("deploy")
			file, _ := cmd.Flags().GetString("file")

			cfg, err := loadAdminConfig()
			if err != nil {
				return err
			}
			if file == "" {
				file = localPath(cfg)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			src, err := open(ctx, cfg)
			if err != nil {
				return err
			}

			s := &rulesync.Syncer{
				Source:    src,
				Merger:    rulesync.GitMerger{Path: cfg.MergeTool},
				LocalPath: file,
				StateDir:  cfg.SyncStateDir,
				Logger:    logger,
			}
			res, err := s.Sync(ctx, rulesync.Options{Deploy: deploy})
			if errors.Is(err, rulesync.ErrConflicts) {
				fmt.Fprintf(cmd.ErrOrStderr(), "Conflicts written to %s. Resolve them, copy the result to %s and sync again.\n", res.MergedPath, file)
				return err
			}
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), src.Name(), file, res)
			return nil
		},
	}
	cmd.Flags().Bool("deploy", false, "Deploy the merged content when it differs from the remote")
	cmd.Flags().String("file", "", "Local file (defaults to the configured path)")
	return cmd
}

func printResult(w io.Writer, name, file string, res *rulesync.Result) {
	switch {
	case res.LocalUpdated && res.Deployed:
		fmt.Fprintf(w, "%s: updated %s and deployed.\n", name, file)
	case res.LocalUpdated:
		fmt.Fprintf(w, "%s: updated %s.\n", name, file)
	case res.Deployed:
		fmt.Fprintf(w, "%s: deployed %s.\n", name, file)
	default:
		fmt.Fprintf(w, "%s: %s is up to date.\n", name, file)
	}
}
