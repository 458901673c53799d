package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/p16-hash/polyterminal-automation/internal/app"
	"github.com/p16-hash/polyterminal-automation/internal/discovery"
	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra boilerplate
var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Check wallet balances and the current market's tokens",
	Long: `Display the holder's balances:
- POL (for gas)
- USDC and the USDC allowance granted to the CTF Exchange
- UP and DOWN token balances of the current slot's market, or of --market

The holder is POLYMARKET_PROXY_ADDRESS when set, otherwise the key's address.`,
	RunE: runBalance,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(balanceCmd)
	balanceCmd.Flags().String("market", "", "Event slug of the market whose tokens to show (default current slot)")
	balanceCmd.Flags().Bool("no-tokens", false, "Skip the market token balances")
}

func runBalance(cmd *cobra.Command, args []string) error {
	slug, _ := cmd.Flags().GetString("market")
	noTokens, _ := cmd.Flags().GetBool("no-tokens")

	cfg, logger, err := setup("polyterm-balance")
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := app.Connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	holder := conn.Chain.Holder()
	balances, err := conn.Wallet.GetBalances(ctx, holder)
	if err != nil {
		return fmt.Errorf("get balances: %w", err)
	}

	fmt.Printf("=== Wallet Balance Sheet ===\n\n")
	fmt.Printf("Holder:         %s\n", holder.Hex())
	if holder != conn.Chain.Owner() {
		fmt.Printf("Owner:          %s\n", conn.Chain.Owner().Hex())
	}
	fmt.Printf("POL Balance:    %s POL\n", decimal.NewFromBigInt(balances.POL, -18).StringFixed(6))
	fmt.Printf("USDC Balance:   %.2f USDC\n", balances.USDCDollars())
	fmt.Printf("USDC Allowance: %s USDC\n", ledger.FromMicro(balances.USDCAllowance).StringFixed(2))

	if noTokens {
		return nil
	}

	svc, err := app.NewDiscovery(cfg, logger)
	if err != nil {
		return err
	}

	var market *types.Market
	if slug != "" {
		market, err = svc.FindBySlug(ctx, slug)
	} else {
		market, err = svc.FindMarket(ctx, cfg.MarketSymbol, discovery.CurrentSlot(time.Now(), svc.SlotDuration()))
	}
	if err != nil {
		fmt.Printf("\nMarket tokens: unavailable (%v)\n", err)
		return nil
	}

	tokens, err := conn.Chain.Balances(ctx, market)
	if err != nil {
		return fmt.Errorf("get token balances: %w", err)
	}

	fmt.Printf("\n=== %s ===\n\n", market.Slug)
	fmt.Printf("UP:   %s\n", ledger.FromMicro(tokens[types.SideUp]))
	fmt.Printf("DOWN: %s\n", ledger.FromMicro(tokens[types.SideDown]))

	return nil
}
