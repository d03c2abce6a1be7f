package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driveyard/driveyard/internal/erase"
)

func newEraseCmd() *cobra.Command {
	var (
		flagPattern string
		flagPasses  int
		flagVerify  bool
		flagBinary  string
		flagTimeout time.Duration
		flagYes     bool
	)

	cmd := &cobra.Command{
		Use:   "erase <device-path>",
		Short: "Run a one-shot secure erase against a device path",
		Long:  "Invokes the erase tool directly. Destroys all data on the target; requires --yes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !flagYes {
				return fmt.Errorf("erase destroys all data on %s; re-run with --yes to confirm", args[0])
			}
			ctx := cmd.Context()
			if flagTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, flagTimeout)
				defer cancel()
			}

			adapter := erase.NewAdapter(flagBinary)
			receipt, err := adapter.Run(ctx, args[0], erase.Options{
				Pattern: erase.Pattern(flagPattern),
				Passes:  flagPasses,
				Verify:  flagVerify,
				OnProgress: func(p erase.Progress) {
					log.Info().
						Int("pass", p.Pass).
						Int("total_pass", p.TotalPass).
						Int("percent", p.Percent).
						Bool("verifying", p.Verifying).
						Msg("erase progress")
				},
			})
			if err != nil {
				return err
			}
			fmt.Printf("erase complete: passes=%d verified=%t elapsed=%s\n",
				receipt.Passes, receipt.Verified, receipt.Elapsed.Round(time.Second))
			return nil
		},
	}

	cmd.Flags().StringVar(&flagPattern, "pattern", string(erase.PatternZeros), "zeros or random")
	cmd.Flags().IntVar(&flagPasses, "passes", 1, "overwrite passes")
	cmd.Flags().BoolVar(&flagVerify, "verify", false, "read back and verify after the final pass")
	cmd.Flags().StringVar(&flagBinary, "binary", "", "erase tool path override")
	cmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "abort the erase after this long")
	cmd.Flags().BoolVar(&flagYes, "yes", false, "confirm destruction of all data on the target")
	return cmd
}
