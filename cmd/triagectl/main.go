// Command triagectl runs triage operations against the configured store
// without going through the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/app"
	"github.com/qa-tools/triage-service/internal/config"
	"github.com/qa-tools/triage-service/internal/observability"
)

var (
	triage *app.App
	logger *zap.Logger
	actor  string
)

var rootCmd = &cobra.Command{
	Use:           "triagectl",
	Short:         "Operate the test failure triage pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger, err = observability.NewConsoleLogger(cfg.Logger)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		triage, err = app.New(cmd.Context(), cfg, logger)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if triage != nil {
			triage.Close()
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "triagectl", "name recorded in draft history")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}
