package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/masud80/healthcare-emr-sub001/internal/rulesync"
)

// exitConflicts is returned when a sync leaves conflicts to resolve by hand.
const exitConflicts = 2

func main() {
	logger := newLogger()
	if err := newRootCmd(logger, defaultFactories()).Execute(); err != nil {
		if errors.Is(err, rulesync.ErrConflicts) {
			os.Exit(exitConflicts)
		}
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func newRootCmd(logger zerolog.Logger, f factories) *cobra.Command {
	root := &cobra.Command{
		Use:           "emr-admin",
		Short:         "Firebase project tooling: rules and index sync, permission mirror",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(rulesCmd(logger, f))
	root.AddCommand(indexesCmd(logger, f))
	root.AddCommand(permissionsCmd(logger, f))

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%s: %w", cmd.CommandPath(), err)
	})
	return wrapErrors(root, logger)
}

// wrapErrors logs the error of whichever subcommand fails.
func wrapErrors(root *cobra.Command, logger zerolog.Logger) *cobra.Command {
	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		if run := c.RunE; run != nil {
			c.RunE = func(cmd *cobra.Command, args []string) error {
				err := run(cmd, args)
				if err != nil && !errors.Is(err, rulesync.ErrConflicts) {
					logger.Error().Err(err).Str("command", cmd.CommandPath()).Msg("command failed")
				}
				return err
			}
		}
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(root)
	return root
}
