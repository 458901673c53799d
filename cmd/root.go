package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/p16-hash/polyterminal-automation/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

//nolint:gochecknoglobals // Cobra boilerplate
var rootCmd = &cobra.Command{
	Use:   "polyterm",
	Short: "Position and settlement engine for Polymarket UP/DOWN markets",
	Long: `polyterm trades the recurring UP/DOWN crypto markets on Polymarket.

It keeps a cost-weighted ledger of both outcome tokens for the current market,
reports paired (guaranteed) and unpaired (at-risk) exposure, and once a market
closes waits for the oracle and redeems the winning tokens on-chain. Every
process sharing a wallet serializes redemptions through one lock file.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration and a logger tagged with the process name.
func setup(process string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := config.NewLogger(process)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}

	return cfg, logger, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// processURL is the base URL of the running process's HTTP server.
func processURL(cmd *cobra.Command, cfg *config.Config) string {
	url, _ := cmd.Flags().GetString("url")
	if url != "" {
		return url
	}
	return "http://localhost:" + cfg.HTTPPort
}
