package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/p16-hash/polyterminal-automation/pkg/httpserver"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra boilerplate
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running process",
	Long: `Queries GET /status of a running polyterm process and prints the current
market, feed, ledger and settlement records.

Example:
  polyterm status
  polyterm status --url http://trader:8080`,
	RunE: runStatus,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("url", "", "Base URL of the process (default http://localhost:HTTP_PORT)")
}

type sideStatus struct {
	TotalCost     string `json:"total_cost"`
	TotalQuantity string `json:"total_quantity"`
}

type quoteStatus struct {
	Bid string `json:"bid"`
	Ask string `json:"ask"`
}

// processStatus mirrors the /status document with plain strings.
type processStatus struct {
	Policy string `json:"policy"`
	Symbol string `json:"symbol"`
	Market *struct {
		Slug             string    `json:"slug"`
		ConditionID      string    `json:"condition_id"`
		Slot             int64     `json:"slot"`
		CloseTime        time.Time `json:"close_time"`
		SecondsRemaining int64     `json:"seconds_remaining"`
		Variant          string    `json:"variant"`
	} `json:"market"`
	Feed *struct {
		IndexPrice string      `json:"index_price"`
		Up         quoteStatus `json:"up"`
		Down       quoteStatus `json:"down"`
		IndexAgeMs int64       `json:"index_age_ms"`
		BookAgeMs  int64       `json:"book_age_ms"`
		Stale      string      `json:"stale"`
	} `json:"feed"`
	Ledger *struct {
		Up      sideStatus `json:"up"`
		Down    sideStatus `json:"down"`
		AvgUp   string     `json:"avg_up"`
		AvgDown string     `json:"avg_down"`
		Paired  struct {
			PairedQuantity string `json:"paired_quantity"`
			UnpairedUp     string `json:"unpaired_up"`
			UnpairedDown   string `json:"unpaired_down"`
			LockedProfit   string `json:"locked_profit"`
		} `json:"paired"`
		PnLIfUp     string `json:"pnl_if_up"`
		PnLIfDown   string `json:"pnl_if_down"`
		RealizedPnL string `json:"realized_pnl"`
		TradeCount  int    `json:"trade_count"`
	} `json:"ledger"`
	Recommendation *struct {
		Side         string `json:"side"`
		Quantity     string `json:"quantity"`
		Ask          string `json:"ask"`
		CombinedCost string `json:"combined_cost"`
		Signal       string `json:"signal"`
	} `json:"recommendation"`
	OpenOrders int `json:"open_orders"`
	Breaker    *struct {
		Enabled          bool   `json:"enabled"`
		EstimatedBalance string `json:"estimated_balance"`
		MinBalance       string `json:"min_balance"`
	} `json:"breaker"`
	Settlements []struct {
		MarketSlug string `json:"market_slug"`
		State      string `json:"state"`
		Winner     string `json:"winner"`
		Attempts   int    `json:"attempts"`
		Outcome    string `json:"outcome"`
		TxHash     string `json:"tx_hash"`
		LastError  string `json:"last_error"`
	} `json:"settlements"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup("polyterm-status")
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var st processStatus
	err = httpserver.NewClient(processURL(cmd, cfg), nil).Status(ctx, &st)
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}

	printStatus(os.Stdout, &st)
	return nil
}

func printStatus(w io.Writer, st *processStatus) {
	fmt.Fprintf(w, "Policy: %s  Symbol: %s  Open orders: %d\n", st.Policy, st.Symbol, st.OpenOrders)
	if st.Breaker != nil {
		state := "enabled"
		if !st.Breaker.Enabled {
			state = "suspended"
		}
		fmt.Fprintf(w, "Buys: %s (estimated %s, min %s)\n", state, st.Breaker.EstimatedBalance, st.Breaker.MinBalance)
	}

	if st.Market == nil {
		fmt.Fprintf(w, "\nNo active market; waiting for the next %s slot.\n", st.Symbol)
	} else {
		fmt.Fprintf(w, "\nMarket: %s (%s)\n", st.Market.Slug, st.Market.Variant)
		fmt.Fprintf(w, "Slot:   %d, closes in %ds\n", st.Market.Slot, st.Market.SecondsRemaining)
	}

	if f := st.Feed; f != nil {
		if f.Stale != "" {
			fmt.Fprintf(w, "Feed:   stale (%s)\n", f.Stale)
		} else {
			fmt.Fprintf(w, "Index:  %s (age %dms, book age %dms)\n", f.IndexPrice, f.IndexAgeMs, f.BookAgeMs)
		}
	}

	if l := st.Ledger; l != nil {
		fmt.Fprintln(w)
		table := tablewriter.NewWriter(w)
		table.Header("Side", "Quantity", "Cost", "Avg", "Bid", "Ask", "P/L if wins")

		upBid, upAsk, downBid, downAsk := "-", "-", "-", "-"
		if f := st.Feed; f != nil && f.Stale == "" {
			upBid, upAsk, downBid, downAsk = f.Up.Bid, f.Up.Ask, f.Down.Bid, f.Down.Ask
		}

		table.Append("UP", l.Up.TotalQuantity, l.Up.TotalCost, l.AvgUp, upBid, upAsk, l.PnLIfUp)
		table.Append("DOWN", l.Down.TotalQuantity, l.Down.TotalCost, l.AvgDown, downBid, downAsk, l.PnLIfDown)
		table.Render()

		fmt.Fprintf(w, "Paired %s (locked %s), unpaired UP %s / DOWN %s, realized %s, trades %d\n",
			l.Paired.PairedQuantity, l.Paired.LockedProfit, l.Paired.UnpairedUp, l.Paired.UnpairedDown,
			l.RealizedPnL, l.TradeCount)
	}

	if r := st.Recommendation; r != nil {
		fmt.Fprintf(w, "Hedge: buy %s %s at %s, combined %s (%s)\n", r.Quantity, r.Side, r.Ask, r.CombinedCost, r.Signal)
	}

	if len(st.Settlements) == 0 {
		return
	}

	fmt.Fprintln(w)
	table := tablewriter.NewWriter(w)
	table.Header("Settlement", "State", "Winner", "Attempts", "Outcome", "Tx", "Error")
	for _, s := range st.Settlements {
		table.Append(s.MarketSlug, s.State, orDash(s.Winner), fmt.Sprint(s.Attempts), s.Outcome, orDash(s.TxHash), orDash(s.LastError))
	}
	table.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
