package cli

import (
	"github.com/spf13/cobra"

	"coinbeat/internal/app"
)

var (
	exportCoin     string
	exportPNGPath  string
	exportCSVPath  string
	exportMaxPools int
	exportArchived bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export alert records as CSV and/or a PNG chart of pool stakes",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			CoinID:   exportCoin,
			PNGPath:  exportPNGPath,
			CSVPath:  exportCSVPath,
			MaxPools: exportMaxPools,
			Archived: exportArchived,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportCoin, "coin", "", "Restrict to one coin id")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPools, "max-pools", 0, "Maximum pools to chart (defaults to config)")
	exportCmd.Flags().BoolVar(&exportArchived, "archived", false, "Include archived records")
}
