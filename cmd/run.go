package cmd

import (
	"fmt"

	"github.com/p16-hash/polyterminal-automation/internal/app"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra boilerplate
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the trading process",
	Long: `Starts the trading process, which will:
1. Find the market of the current slot on the Gamma API
2. Stream the index price and both order books
3. Keep the session ledger and publish it at /status and on Telegram
4. Place operator orders and, with --policy hedged, hedge unpaired exposure
5. Settle each session in the background once its market resolves

Use --policy to override TRADING_POLICY.`,
	RunE: runProcess,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("policy", "p", "", "Trading policy: manual or hedged (default TRADING_POLICY)")
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup("polyterm")
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	policy, _ := cmd.Flags().GetString("policy")

	application, err := app.New(cfg, logger, &app.Options{Policy: policy})
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}

	err = application.Run()
	if err != nil {
		return fmt.Errorf("run app: %w", err)
	}

	return nil
}
