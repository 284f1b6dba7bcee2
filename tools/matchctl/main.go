/*
matchctl inspects and operates the ad matching pipeline from the shell.

Usage:

	matchctl [command]

Available Commands:

	analyze   Print the features extracted from a query
	decide    Run a full delivery decision for a query
	validate  Check campaign files for problems
	index     Embed the catalog into the Qdrant collection
	import    Copy campaign files into Postgres
	events    Show the recorded decision and events of a request
*/
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/config"
	"github.com/patrickwarner/admatch/internal/observability"
)

// cli carries what every command shares.
type cli struct {
	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd(c *cli) *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "matchctl",
		Short:         "Inspect and operate the ad matching pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.logger != nil {
				return nil
			}
			if !verbose {
				c.logger = zap.NewNop()
				return nil
			}
			logger, err := observability.InitLoggerWithService("matchctl")
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			c.logger = logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.cfg.CatalogDir, "catalog-dir", c.cfg.CatalogDir, "Directory of company campaign files")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log pipeline activity to stderr")

	root.AddCommand(
		newAnalyzeCmd(c),
		newDecideCmd(c),
		newValidateCmd(c),
		newIndexCmd(c),
		newImportCmd(c),
		newEventsCmd(c),
	)
	return root
}

func main() {
	_ = godotenv.Load()
	c := &cli{cfg: config.Load()}
	root := newRootCmd(c)
	err := root.Execute()
	if c.logger != nil {
		_ = c.logger.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, errorText("Error:"), err)
		os.Exit(1)
	}
}
