package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/p16-hash/polyterminal-automation/internal/app"
	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/pkg/chain"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra boilerplate
var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve the exchanges to spend your USDC and outcome tokens",
	Long: `Grants the CTF Exchange, the Neg Risk Exchange and the Neg Risk Adapter a USDC
allowance and CTF operator approval (setApprovalForAll). These one-time
on-chain transactions are required before orders can match or batch markets
can redeem. Grants already in place are skipped.

The allowance is unlimited (max uint256) by default.`,
	RunE: runApprove,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(approveCmd)
	approveCmd.Flags().StringP("amount", "a", "unlimited", "USDC allowance: unlimited, or an amount in USDC")
	approveCmd.Flags().Bool("check", false, "Only show the current approvals")
}

// parseApprovalAmount returns the allowance in USDC base units, nil meaning
// unlimited.
func parseApprovalAmount(s string) (*big.Int, error) {
	if strings.EqualFold(s, "unlimited") {
		return nil, nil
	}

	amount, err := ledger.ParseAmount(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %s", s)
	}

	// USDC has six decimals, like Amount.
	return big.NewInt(int64(amount)), nil
}

func runApprove(cmd *cobra.Command, args []string) error {
	amountFlag, _ := cmd.Flags().GetString("amount")
	checkOnly, _ := cmd.Flags().GetBool("check")

	amount, err := parseApprovalAmount(amountFlag)
	if err != nil {
		return err
	}

	cfg, logger, err := setup("polyterm-approve")
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if cfg.PrivateKey == "" && !checkOnly {
		return errors.New("POLYMARKET_PRIVATE_KEY is required to approve")
	}

	ctx, cancel := signalContext()
	defer cancel()

	conn, err := app.Connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("=== Approve Polymarket Trading ===\n\n")
	fmt.Printf("Holder:       %s\n", conn.Chain.Holder().Hex())
	fmt.Printf("USDC Token:   %s\n", chain.USDCAddress)
	fmt.Printf("CTF Contract: %s\n\n", chain.CTFAddress)

	err = printApprovals(ctx, conn.Chain)
	if err != nil {
		return err
	}

	if checkOnly {
		return nil
	}

	if amount == nil {
		fmt.Printf("\nApproving: unlimited (max uint256)\n")
	} else {
		fmt.Printf("\nApproving: %s USDC\n", ledger.FromMicro(amount).StringFixed(2))
	}

	sent, err := conn.Chain.Approve(ctx, amount)
	for _, tx := range sent {
		fmt.Printf("Sent %s, waiting for confirmation...\n", tx.Hash.Hex())

		status, waitErr := conn.Chain.AwaitConfirmation(ctx, tx, cfg.SettleConfirmTimeout)
		if waitErr != nil {
			return fmt.Errorf("await %s: %w", tx.Hash.Hex(), waitErr)
		}
		fmt.Printf("  %s\n", status)
	}
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}

	if len(sent) == 0 {
		fmt.Println("Everything is already approved.")
		return nil
	}

	fmt.Println()
	return printApprovals(ctx, conn.Chain)
}

func printApprovals(ctx context.Context, c *chain.Client) error {
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	approvals, err := c.Approvals(readCtx)
	if err != nil {
		return fmt.Errorf("read approvals: %w", err)
	}

	for _, a := range approvals {
		tokens := "no"
		if a.TokensApproved {
			tokens = "yes"
		}
		fmt.Printf("%s  allowance %s USDC, tokens approved: %s\n",
			a.Spender.Hex(), allowanceText(a.USDCAllowance), tokens)
	}

	return nil
}

// allowanceText prints huge allowances as unlimited.
func allowanceText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	if v.Cmp(new(big.Int).Lsh(big.NewInt(1), 128)) > 0 {
		return "unlimited"
	}
	return ledger.FromMicro(v).StringFixed(2)
}
