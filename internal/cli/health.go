package cli

import (
	"github.com/spf13/cobra"
)

var healthJSON bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every oracle once and print reliability scores",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Health(cmd.Context(), healthJSON)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Archive aged results and purge expired archives once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Cleanup(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply SQL migrations to the configured database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "Print records as JSON")
}
