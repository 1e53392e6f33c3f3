package cli

import (
	"github.com/spf13/cobra"
)

var getJSON bool

var getCmd = &cobra.Command{
	Use:   "get <verification-id>",
	Short: "Show a stored verification result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Get(cmd.Context(), args[0], getJSON)
	},
}

func init() {
	getCmd.Flags().BoolVar(&getJSON, "json", false, "Print the result as JSON")
}
