package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/p16-hash/polyterminal-automation/internal/settlement"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"github.com/p16-hash/polyterminal-automation/pkg/wallet"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const minRedeemInterval = time.Minute

//nolint:gochecknoglobals // Cobra boilerplate
var redeemAllCmd = &cobra.Command{
	Use:   "redeem-all",
	Short: "Redeem every resolved market the wallet holds",
	Long: `Fetches the wallet's positions from the Data API, groups them by market into
active, pending (closed, not yet resolved) and redeemable, and settles each
redeemable market in turn. Positions below 0.01 tokens are ignored.

Each market waits at most 60s for the redeem lock; a market another process is
redeeming is skipped and picked up by the next sweep.

Examples:
  # Preview without sending transactions
  polyterm redeem-all --dry-run

  # Sweep once
  polyterm redeem-all

  # Sweep every 15 minutes until interrupted
  polyterm redeem-all --auto --interval 15m`,
	RunE: runRedeemAll,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(redeemAllCmd)
	redeemAllCmd.Flags().Bool("dry-run", false, "Show the categorized positions without redeeming")
	redeemAllCmd.Flags().Bool("auto", false, "Sweep periodically until interrupted")
	redeemAllCmd.Flags().Duration("interval", time.Hour, "Sweep interval in auto mode")
}

func validateRedeemInterval(interval time.Duration) error {
	if interval < minRedeemInterval {
		return fmt.Errorf("interval must be at least %s, got %s", minRedeemInterval, interval)
	}
	return nil
}

func runRedeemAll(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	auto, _ := cmd.Flags().GetBool("auto")
	interval, _ := cmd.Flags().GetDuration("interval")

	if auto {
		err := validateRedeemInterval(interval)
		if err != nil {
			return err
		}
	}

	cfg, logger, err := setup("polyterm-redeem-all")
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := signalContext()
	defer cancel()

	env, err := newRedeemEnv(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	holder := env.conn.Chain.Holder().Hex()
	fmt.Printf("Holder: %s\n\n", holder)

	sweep := func() error {
		positions, err := env.conn.Wallet.GetPositions(ctx, holder)
		if err != nil {
			return fmt.Errorf("get positions: %w", err)
		}

		cats := wallet.Categorize(positions, time.Now())
		printCategories(os.Stdout, cats)

		if dryRun || len(cats.Redeemable) == 0 {
			return nil
		}

		markets := make([]*types.Market, 0, len(cats.Redeemable))
		for _, mp := range cats.Redeemable {
			markets = append(markets, mp.Market())
		}

		results := env.engine.Sweep(ctx, markets, settlement.SweepLockTimeout)
		printSweep(os.Stdout, results)
		return nil
	}

	if !auto {
		return sweep()
	}

	logger.Info("redeem-all-auto-mode",
		zap.Duration("interval", interval),
		zap.Bool("dry-run", dryRun))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := sweep()
		if err != nil {
			logger.Error("sweep-failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			fmt.Println("\nStopped.")
			return nil
		case <-ticker.C:
		}
	}
}

func printCategories(w io.Writer, cats wallet.Categories) {
	fmt.Fprintf(w, "Active: %d  Pending: %d  Redeemable: %d\n\n",
		len(cats.Active), len(cats.Pending), len(cats.Redeemable))

	if cats.Total() == 0 {
		fmt.Fprintln(w, "No positions above dust.")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("Category", "Market", "Up", "Down", "Value", "Ends")

	for _, group := range [][]wallet.MarketPositions{cats.Redeemable, cats.Pending, cats.Active} {
		for _, mp := range group {
			ends := "-"
			if !mp.EndDate.IsZero() {
				ends = mp.EndDate.UTC().Format("01-02 15:04")
			}

			table.Append(
				mp.Category.String(),
				mp.Slug,
				fmt.Sprintf("%.2f", mp.UpSize),
				fmt.Sprintf("%.2f", mp.DownSize),
				fmt.Sprintf("$%.2f", mp.Value),
				ends,
			)
		}
	}

	table.Render()
}

func printSweep(w io.Writer, results []settlement.SweepResult) {
	table := tablewriter.NewWriter(w)
	table.Header("Market", "Result", "Winner", "Tx")

	for _, r := range results {
		result := r.View.Outcome.String()
		switch {
		case errors.Is(r.Err, settlement.ErrNotResolved):
			result = "not resolved"
		case errors.Is(r.Err, settlement.ErrLockContended):
			result = "lock busy, next sweep"
		case errors.Is(r.Err, settlement.ErrInProgress):
			result = "already settling"
		case r.Err != nil:
			result = r.Err.Error()
		}

		winner := "-"
		if r.View.Winner != nil {
			winner = r.View.Winner.String()
		}

		tx := r.View.TxHash
		if tx == "" {
			tx = "-"
		}

		table.Append(r.Market.Slug, result, winner, tx)
	}

	table.Render()
}
