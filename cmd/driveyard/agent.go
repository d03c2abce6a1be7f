package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driveyard/driveyard"
)

func newAgentCmd() *cobra.Command {
	var (
		flagPollInterval time.Duration
		flagWorkers      int
		flagHistoryPath  string
		flagEventLog     string
		flagNoNotify     bool
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the device lifecycle engine",
		Long:  "Continuous mode: watch for hot-swapped disks and execute queued work until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := driveyard.ConfigFromEnv()
			if flagPollInterval > 0 {
				cfg.PollInterval = flagPollInterval
			}
			if flagWorkers > 0 {
				cfg.Workers = flagWorkers
			}
			if flagHistoryPath != "" {
				cfg.HistoryPath = flagHistoryPath
			}
			if flagEventLog != "" {
				cfg.EventMirrorPath = flagEventLog
			}
			if flagNoNotify {
				cfg.DevNotify = false
			}

			engine, err := driveyard.New(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := engine.Close(); err != nil {
					log.Error().Err(err).Msg("close engine failed")
				}
			}()

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.Info().
				Str("history", cfg.HistoryPath).
				Msg("agent running")
			return engine.Start(sigCtx)
		},
	}

	cmd.Flags().DurationVar(&flagPollInterval, "poll-interval", 0, "device namespace scan cadence")
	cmd.Flags().IntVar(&flagWorkers, "workers", 0, "max concurrent jobs across all devices")
	cmd.Flags().StringVar(&flagHistoryPath, "history", "", "history database path")
	cmd.Flags().StringVar(&flagEventLog, "event-log", "", "append-only JSONL event mirror path")
	cmd.Flags().BoolVar(&flagNoNotify, "no-notify", false, "disable the /dev change notifier, poll only")
	return cmd
}
