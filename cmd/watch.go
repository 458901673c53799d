package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/p16-hash/polyterminal-automation/internal/app"
	"github.com/p16-hash/polyterminal-automation/internal/discovery"
	"github.com/p16-hash/polyterminal-automation/internal/feed"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

//nolint:gochecknoglobals // Cobra boilerplate
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print live feed snapshots for the current market",
	Long: `Connects the index price and order book streams for the current slot's market
and prints a snapshot every interval, with the age of each cell. A snapshot the
trading loop would refuse is shown with the staleness reason.

Example:
  polyterm watch --interval 500ms`,
	RunE: runWatch,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Duration("interval", time.Second, "Print interval")
}

func runWatch(cmd *cobra.Command, args []string) error {
	interval, _ := cmd.Flags().GetDuration("interval")
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}

	cfg, logger, err := setup("polyterm-watch")
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := app.NewDiscovery(cfg, logger)
	if err != nil {
		return err
	}

	streams, aggregator, err := app.NewFeed(cfg, logger)
	if err != nil {
		return err
	}

	err = streams.Start(ctx)
	if err != nil {
		return fmt.Errorf("start feed streams: %w", err)
	}
	defer func() {
		_ = streams.Close()
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var market *types.Market
	for {
		now := time.Now()

		if market == nil || !now.Before(market.CloseTime) {
			market = watchMarket(ctx, svc, cfg.MarketSymbol, now, logger)
			if market != nil {
				err = aggregator.SetTokens(market.UpTokenID, market.DownTokenID)
				if err != nil {
					logger.Warn("feed-set-tokens-failed", zap.Error(err))
				}
				fmt.Printf("\n== %s (closes %s) ==\n", market.Slug, market.CloseTime.Local().Format("15:04:05"))
			}
		}

		snap, err := aggregator.Snapshot(now)
		printSnapshot(w, now, snap, err)

		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			return nil
		case <-ticker.C:
		}
	}
}

func watchMarket(ctx context.Context, svc *discovery.Service, symbol string, now time.Time, logger *zap.Logger) *types.Market {
	lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	market, err := svc.FindMarket(lookupCtx, symbol, discovery.CurrentSlot(now, svc.SlotDuration()))
	if err != nil {
		logger.Warn("market-lookup-failed", zap.Error(err))
		return nil
	}
	return market
}

func printSnapshot(w *tabwriter.Writer, now time.Time, snap feed.Snapshot, err error) {
	ts := now.Format("15:04:05.000")
	if err != nil {
		fmt.Fprintf(w, "[%s]\tSTALE\t%v\n", ts, err)
		_ = w.Flush()
		return
	}

	fmt.Fprintf(w, "[%s]\tindex %s\tUP %s/%s\tDOWN %s/%s\tindex age %s\tbook age %s\n",
		ts,
		snap.Index.Price.StringFixed(2),
		snap.Book.Up.Bid.StringFixed(2), snap.Book.Up.Ask.StringFixed(2),
		snap.Book.Down.Bid.StringFixed(2), snap.Book.Down.Ask.StringFixed(2),
		snap.IndexAge().Round(time.Millisecond),
		snap.BookAge().Round(time.Millisecond))
	_ = w.Flush()
}
