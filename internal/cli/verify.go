package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"oracle-consensus/internal/app"
)

var (
	verifyMinConsensus   string
	verifyPriceTolerance string
	verifyMinOracles     int
	verifyProbe          bool
	verifyJSON           bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify <asset-id> <claimed-value>",
	Short: "Verify a claimed value against oracle consensus",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		claimed, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("invalid claimed value %q: %w", args[1], err)
		}

		opts := app.VerifyOptions{
			AssetID:      args[0],
			ClaimedValue: claimed,
			Probe:        verifyProbe,
			JSON:         verifyJSON,
		}
		if opts.MinConsensus, err = optionalDecimal("min-consensus", verifyMinConsensus); err != nil {
			return err
		}
		if opts.PriceTolerance, err = optionalDecimal("price-tolerance", verifyPriceTolerance); err != nil {
			return err
		}
		if cmd.Flags().Changed("min-oracles") {
			opts.MinOracles = &verifyMinOracles
		}

		return getApp().Verify(cmd.Context(), opts)
	},
}

func optionalDecimal(flag, raw string) (*decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value: %w", flag, err)
	}
	return &d, nil
}

func init() {
	verifyCmd.Flags().StringVar(&verifyMinConsensus, "min-consensus", "", "Override the minimum agreeing fraction, e.g. 0.67")
	verifyCmd.Flags().StringVar(&verifyPriceTolerance, "price-tolerance", "", "Override the relative price tolerance, e.g. 0.03")
	verifyCmd.Flags().IntVar(&verifyMinOracles, "min-oracles", 0, "Override the minimum number of valid quotes")
	verifyCmd.Flags().BoolVar(&verifyProbe, "probe", false, "Probe oracle health first and skip unhealthy oracles")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print the result as JSON")
}
