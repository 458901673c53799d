package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/p16-hash/polyterminal-automation/pkg/httpserver"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra boilerplate
var orderCmd = &cobra.Command{
	Use:   "order <buy|sell> <up|down> [quantity]",
	Short: "Place an operator order through a running process",
	Long: `Posts an operator order to a running polyterm process. The process prices it
at the live book as fill-or-kill: buys at the best ask, sells at the best bid.

A sell always closes the whole holding of the side, so its quantity may be
omitted. Orders are refused while the feed is stale.

Examples:
  polyterm order buy up 10
  polyterm order sell down`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runOrder,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(orderCmd)
	orderCmd.Flags().String("url", "", "Base URL of the process (default http://localhost:HTTP_PORT)")
}

func orderRequest(args []string) (httpserver.OrderRequest, error) {
	req := httpserver.OrderRequest{
		Action: strings.ToLower(args[0]),
		Side:   args[1],
	}
	if len(args) == 3 {
		req.Quantity = args[2]
	}

	if req.Action != "buy" && req.Action != "sell" {
		return req, fmt.Errorf("action must be buy or sell, got %q", args[0])
	}

	if req.Action == "buy" && req.Quantity == "" {
		return req, errors.New("buy needs a quantity")
	}

	return req, nil
}

func runOrder(cmd *cobra.Command, args []string) error {
	req, err := orderRequest(args)
	if err != nil {
		return err
	}

	cfg, logger, err := setup("polyterm-order")
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	resp, err := httpserver.NewClient(processURL(cmd, cfg), nil).SubmitOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("submit order: %w", err)
	}

	fmt.Printf("%s %s %s @ %s\n", resp.Action, resp.Quantity, resp.Side, resp.Price)
	fmt.Printf("Status: %s\n", resp.Status)
	fmt.Printf("Order:  %s\n", resp.OrderID)
	fmt.Printf("Intent: %s\n", resp.IntentID)

	return nil
}
