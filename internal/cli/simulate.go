package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"coinbeat/internal/app"
	"coinbeat/internal/storage"
)

var (
	simulateOpts app.SimulateOptions
	simulateType string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Evaluate a watch against a synthetic coin state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOpts.CoinID == "" || simulateType == "" {
			return errors.New("--coin and --type are required")
		}
		opts := simulateOpts
		opts.WatchType = storage.WatchType(simulateType)
		return getApp().Simulate(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOpts.CoinID, "coin", "", "Coin id")
	simulateCmd.Flags().StringVar(&simulateType, "type", "", "Watch type (health_score, consistency_score, price_drop, migration, delisting)")
	simulateCmd.Flags().StringVar(&simulateOpts.Threshold, "threshold", "", "Watch threshold")
	simulateCmd.Flags().StringVar(&simulateOpts.Health, "health", "", "Current health score")
	simulateCmd.Flags().StringVar(&simulateOpts.Consistency, "consistency", "", "Current consistency score")
	simulateCmd.Flags().StringVar(&simulateOpts.Change24h, "change", "", "24h price change in percent")
	simulateCmd.Flags().BoolVar(&simulateOpts.Verified, "verified", false, "Treat the community alert for the watch type as verified")
	simulateCmd.Flags().BoolVar(&simulateOpts.NotifyOps, "notify-ops", false, "Send the result to the ops channel")
}
