package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driveyard/driveyard/internal/config"
	"github.com/driveyard/driveyard/internal/history"
	"github.com/driveyard/driveyard/internal/identity"
)

func newDevicesCmd() *cobra.Command {
	var (
		flagHistoryPath string
		flagTrendAttr   int
		flagTrendDevice string
		flagSince       time.Duration
		flagMergeFrom   string
		flagMergeInto   string
	)

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Inspect the history store",
		Long:  "Lists known devices, prints attribute trends, and merges duplicate identities.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := flagHistoryPath
			if path == "" {
				path = config.String("DRIVEYARD_HISTORY_PATH", "driveyard.db")
			}
			store, err := history.OpenSQLite(path)
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					log.Error().Err(err).Msg("close history store failed")
				}
			}()

			if flagMergeFrom != "" || flagMergeInto != "" {
				if flagMergeFrom == "" || flagMergeInto == "" {
					return fmt.Errorf("--merge-from and --merge-into must be used together")
				}
				if err := store.MergeIdentities(ctx, identity.ID(flagMergeFrom), identity.ID(flagMergeInto)); err != nil {
					return err
				}
				fmt.Printf("merged %s into %s\n", flagMergeFrom, flagMergeInto)
				return nil
			}

			if flagTrendDevice != "" {
				from := time.Now().Add(-flagSince)
				points, err := store.QueryTrend(ctx, identity.ID(flagTrendDevice), flagTrendAttr, from, time.Now())
				if err != nil {
					return err
				}
				for _, p := range points {
					fmt.Printf("%s  %d\n", p.At.Format(time.RFC3339), p.Value)
				}
				return nil
			}

			devices, err := store.ListDevices(ctx)
			if err != nil {
				return err
			}
			for _, dev := range devices {
				insertions, err := store.InsertionCount(ctx, dev.ID)
				if err != nil {
					return err
				}
				stability := "stable"
				if dev.Unstable {
					stability = "unstable"
				}
				fmt.Printf("%s  serial=%-20s model=%-28s %s  insertions=%d\n",
					dev.ID, dev.Serial, dev.Model, stability, insertions)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagHistoryPath, "history", "", "history database path")
	cmd.Flags().IntVar(&flagTrendAttr, "attr", 194, "attribute id for --trend-device")
	cmd.Flags().StringVar(&flagTrendDevice, "trend-device", "", "print a trend for this device id")
	cmd.Flags().DurationVar(&flagSince, "since", 30*24*time.Hour, "trend window")
	cmd.Flags().StringVar(&flagMergeFrom, "merge-from", "", "unstable identity to fold into --merge-into")
	cmd.Flags().StringVar(&flagMergeInto, "merge-into", "", "surviving identity for the merge")
	return cmd
}
