package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/p16-hash/polyterminal-automation/internal/app"
	"github.com/p16-hash/polyterminal-automation/internal/discovery"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra boilerplate
var marketCmd = &cobra.Command{
	Use:   "market",
	Short: "Show the markets of the current and next slot",
	Long: `Resolves the UP/DOWN markets of the current and the next slot from the Gamma
API, for debugging discovery. The next slot's market is often listed only a
few minutes before it opens.`,
	RunE: runMarket,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(marketCmd)
	marketCmd.Flags().StringP("symbol", "s", "", "Market symbol (default MARKET_SYMBOL)")
	marketCmd.Flags().BoolP("verbose", "v", false, "Show token ids and the question")
}

func runMarket(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, logger, err := setup("polyterm-market")
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	symbol, _ := cmd.Flags().GetString("symbol")
	if symbol == "" {
		symbol = cfg.MarketSymbol
	}
	verbose, _ := cmd.Flags().GetBool("verbose")

	svc, err := app.NewDiscovery(cfg, logger)
	if err != nil {
		return err
	}

	now := time.Now()
	slots := []struct {
		label string
		slot  int64
	}{
		{label: "current", slot: discovery.CurrentSlot(now, svc.SlotDuration())},
		{label: "next", slot: discovery.NextSlot(now, svc.SlotDuration())},
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "SLOT\tSLUG\tCLOSES IN\tVARIANT\n")
	fmt.Fprintf(w, "----\t----\t---------\t-------\n")

	for _, s := range slots {
		slug := discovery.Slug(symbol, s.slot, svc.SlotDuration())

		market, err := svc.FindMarket(ctx, symbol, s.slot)
		if errors.Is(err, discovery.ErrMarketNotFound) {
			fmt.Fprintf(w, "%s\t%s\tnot listed yet\t-\n", s.label, slug)
			continue
		}
		if err != nil {
			return fmt.Errorf("find %s market: %w", s.label, err)
		}

		closesIn := time.Until(market.CloseTime).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.label, market.Slug, closesIn, market.Variant)

		if verbose {
			fmt.Fprintf(w, "\tQuestion: %s\n", market.Question)
			fmt.Fprintf(w, "\tCondition: %s\n", market.ConditionID)
			fmt.Fprintf(w, "\tUP token: %s\n", market.UpTokenID)
			fmt.Fprintf(w, "\tDOWN token: %s\n", market.DownTokenID)
		}
	}

	return w.Flush()
}
