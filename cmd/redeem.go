package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/p16-hash/polyterminal-automation/internal/app"
	"github.com/p16-hash/polyterminal-automation/internal/notify"
	"github.com/p16-hash/polyterminal-automation/internal/settlement"
	"github.com/p16-hash/polyterminal-automation/internal/storage"
	"github.com/p16-hash/polyterminal-automation/pkg/config"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"github.com/p16-hash/polyterminal-automation/pkg/wallet"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

//nolint:gochecknoglobals // Cobra boilerplate
var redeemCmd = &cobra.Command{
	Use:   "redeem",
	Short: "Redeem the winning tokens of one resolved market",
	Long: `Settles one closed market: reads the oracle once and, if the market has
resolved, redeems the wallet's on-chain token balances under the redeem lock.
The redemption amount always comes from the chain, never from a ledger.

Requires:
- POLYMARKET_PRIVATE_KEY (and POLYMARKET_PROXY_ADDRESS for proxy wallets)
- POL for gas

Example:
  # Redeem by event slug
  polyterm redeem --market btc-updown-15m-1765309500

  # Redeem by condition id, finding the tokens from the wallet's positions
  polyterm redeem --condition 0x5f65...`,
	RunE: runRedeem,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(redeemCmd)
	redeemCmd.Flags().String("market", "", "Event slug of the market to redeem")
	redeemCmd.Flags().String("condition", "", "Condition id of the market to redeem")
	redeemCmd.Flags().Duration("lock-timeout", 0, "Redeem lock timeout (default SETTLE_LOCK_TIMEOUT)")
}

// redeemEnv is what the redeem commands settle with.
type redeemEnv struct {
	conn   *app.Connection
	store  storage.Storage
	engine *settlement.Engine
}

func newRedeemEnv(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*redeemEnv, error) {
	if cfg.PrivateKey == "" {
		return nil, errors.New("POLYMARKET_PRIVATE_KEY is required to redeem")
	}

	conn, err := app.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := app.NewStorage(ctx, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}

	engine, err := app.NewSettlementEngine(cfg, logger, conn, store, notify.NewLogSink(logger))
	if err != nil {
		_ = store.Close()
		conn.Close()
		return nil, fmt.Errorf("create settlement engine: %w", err)
	}

	return &redeemEnv{conn: conn, store: store, engine: engine}, nil
}

func (e *redeemEnv) Close() {
	_ = e.store.Close()
	e.conn.Close()
}

func validateRedeemFlags(slug, condition string) error {
	if (slug == "") == (condition == "") {
		return errors.New("exactly one of --market or --condition is required")
	}

	if condition != "" && !strings.HasPrefix(condition, "0x") {
		return fmt.Errorf("condition id must be 0x-prefixed, got %q", condition)
	}

	return nil
}

func runRedeem(cmd *cobra.Command, args []string) error {
	slug, _ := cmd.Flags().GetString("market")
	condition, _ := cmd.Flags().GetString("condition")
	lockTimeout, _ := cmd.Flags().GetDuration("lock-timeout")

	err := validateRedeemFlags(slug, condition)
	if err != nil {
		return err
	}

	cfg, logger, err := setup("polyterm-redeem")
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

	var market *types.Market
	if slug != "" {
		svc, err := app.NewDiscovery(cfg, logger)
		if err != nil {
			return err
		}

		market, err = svc.FindBySlug(ctx, slug)
		if err != nil {
			return fmt.Errorf("find market: %w", err)
		}
	} else {
		market, err = marketFromPositions(ctx, env.conn.Wallet, env.conn.Chain.Holder().Hex(), condition)
		if err != nil {
			return err
		}
		if market == nil {
			fmt.Printf("No tokens to redeem for %s\n", condition)
			return nil
		}
	}

	fmt.Printf("Market:    %s\n", market.Slug)
	fmt.Printf("Condition: %s\n", market.ConditionID)
	fmt.Printf("Variant:   %s\n", market.Variant)
	fmt.Printf("Holder:    %s\n\n", env.conn.Chain.Holder().Hex())

	rec, err := env.engine.Settle(ctx, settlement.Request{Market: market, LockTimeout: lockTimeout})
	switch {
	case errors.Is(err, settlement.ErrNotResolved):
		return fmt.Errorf("market %s is not resolved yet", market.Slug)
	case errors.Is(err, settlement.ErrLockContended):
		return errors.New("another process holds the redeem lock; try again later")
	case err != nil:
		if rec != nil {
			fmt.Println(describeSettlement(rec.View()))
		}
		return fmt.Errorf("redeem %s: %w", market.Slug, err)
	}

	fmt.Println(describeSettlement(rec.View()))
	return nil
}

// positionSource is the Data API half of the wallet client.
type positionSource interface {
	GetPositions(ctx context.Context, address string) ([]wallet.Position, error)
}

// marketFromPositions rebuilds a market from the holder's positions of one
// condition. It returns nil when the wallet holds none.
func marketFromPositions(ctx context.Context, src positionSource, holder, conditionID string) (*types.Market, error) {
	positions, err := src.GetPositions(ctx, holder)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	cats := wallet.Categorize(positions, time.Now())
	for _, group := range [][]wallet.MarketPositions{cats.Redeemable, cats.Pending, cats.Active} {
		for _, mp := range group {
			if strings.EqualFold(mp.ConditionID, conditionID) {
				return mp.Market(), nil
			}
		}
	}

	return nil, nil
}

// describeSettlement is the one-line outcome of a settlement.
func describeSettlement(v settlement.View) string {
	winner := "unknown"
	if v.Winner != nil {
		winner = v.Winner.String()
	}

	switch v.Outcome {
	case settlement.OutcomeConfirmed:
		return fmt.Sprintf("Redeemed %s: winner %s, tx %s", v.MarketSlug, winner, v.TxHash)
	case settlement.OutcomeNothingToRedeem:
		return fmt.Sprintf("No tokens to redeem for %s (winner %s)", v.MarketSlug, winner)
	case settlement.OutcomeReverted:
		return fmt.Sprintf("Redeem of %s reverted after %d attempts: %s", v.MarketSlug, v.Attempts, v.LastError)
	case settlement.OutcomeAbandoned:
		return fmt.Sprintf("Redeem of %s abandoned after %d attempts: %s; check tx %s on-chain",
			v.MarketSlug, v.Attempts, v.LastError, v.TxHash)
	default:
		return fmt.Sprintf("%s: %s", v.MarketSlug, v.State)
	}
}
