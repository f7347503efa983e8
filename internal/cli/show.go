package cli

import (
	"github.com/spf13/cobra"

	"coinbeat/internal/app"
)

var (
	showCoin string
	showAll  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display community alert pools",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ShowOptions{
			CoinID: showCoin,
			All:    showAll,
		}

		return getApp().Show(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	showCmd.Flags().StringVar(&showCoin, "coin", "", "Restrict to one coin id")
	showCmd.Flags().BoolVar(&showAll, "all", false, "Include pools hidden by the display policy")
}
