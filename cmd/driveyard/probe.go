package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driveyard/driveyard/internal/probe"
)

func newProbeCmd() *cobra.Command {
	var (
		flagMode    string
		flagBinary  string
		flagTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe <device-path>",
		Short: "Run a one-shot SMART probe against a device path",
		Long:  "Invokes the SMART tool directly, without the agent loop or history store.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if flagTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, flagTimeout)
				defer cancel()
			}

			adapter := probe.NewAdapter(flagBinary)
			snap, err := adapter.Run(ctx, args[0], probe.Options{
				Mode: probe.Mode(flagMode),
				OnProgress: func(p probe.Progress) {
					log.Info().
						Str("stage", p.Stage).
						Int("percent_remaining", p.PercentRemaining).
						Msg("probe progress")
				},
			})
			if err != nil {
				return err
			}

			verdict := "FAILED"
			if snap.Passed {
				verdict = "PASSED"
			}
			fmt.Printf("model:  %s\nserial: %s\nhealth: %s\n\n", snap.Model, snap.Serial, verdict)
			for _, attr := range snap.Attributes {
				fmt.Printf("%4d  %-28s raw=%-12d value=%d worst=%d thresh=%d\n",
					attr.ID, attr.Name, attr.Raw, attr.Normalized, attr.Worst, attr.Threshold)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagMode, "mode", string(probe.ModeSnapshot), "snapshot, short-test or long-test")
	cmd.Flags().StringVar(&flagBinary, "binary", "", "SMART tool path override")
	cmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "abort the probe after this long")
	return cmd
}
