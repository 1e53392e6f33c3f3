package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"oracle-consensus/internal/app"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history <asset-id>",
	Short: "List recent verifications for an asset, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().History(cmd.Context(), app.HistoryOptions{
			AssetID: args[0],
			Limit:   historyLimit,
			JSON:    historyJSON,
		})
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of verifications to display (max 1000)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print results as JSON")
}
