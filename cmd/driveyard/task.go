package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driveyard/driveyard"
	"github.com/driveyard/driveyard/internal/device"
	"github.com/driveyard/driveyard/internal/identity"
	"github.com/driveyard/driveyard/internal/task"
)

func newTaskCmd() *cobra.Command {
	var (
		flagSerial string
		flagWait   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "task <definition.yaml>",
		Short: "Run a task definition against one device",
		Long: `Starts the engine, waits for the target device to be identified, runs the
definition's steps against it, and exits with the run's outcome.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := task.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			if flagSerial == "" {
				return fmt.Errorf("--serial is required to pick the target device")
			}

			engine, err := driveyard.New(driveyard.ConfigFromEnv())
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
			runCtx, cancel := context.WithCancel(sigCtx)
			defer cancel()

			engineDone := make(chan error, 1)
			go func() { engineDone <- engine.Start(runCtx) }()

			dev, err := awaitDevice(runCtx, engine, flagSerial, flagWait)
			if err != nil {
				cancel()
				<-engineDone
				return err
			}
			log.Info().
				Str("device", string(dev)).
				Str("task", def.Name).
				Msg("target identified, running task")

			res, runErr := engine.RunTask(runCtx, dev, def)
			cancel()
			if err := <-engineDone; err != nil {
				log.Error().Err(err).Msg("engine stopped with error")
			}
			if runErr != nil {
				return runErr
			}

			fmt.Printf("run %s: %s (%s)\n", res.ID, res.Status, res.Reason)
			for _, step := range res.Steps {
				fmt.Printf("  %-20s %-18s %-10s %s\n", step.ID, step.Capability, step.Status, step.Detail)
			}
			if res.Status != task.RunCompleted {
				return fmt.Errorf("task run aborted at step %d: %s", res.StepIndex, res.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagSerial, "serial", "", "serial number of the target device")
	cmd.Flags().DurationVar(&flagWait, "wait", 30*time.Second, "how long to wait for the device to appear")
	return cmd
}

// awaitDevice polls the registry until a present device with the serial is
// identified.
func awaitDevice(ctx context.Context, engine *driveyard.Engine, serial string, wait time.Duration) (identity.ID, error) {
	deadline := time.After(wait)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, snap := range engine.Devices() {
			if snap.Device.Serial == serial && snap.State != device.StateAbsent {
				return snap.Device.ID, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			return "", fmt.Errorf("no device with serial %q appeared within %s", serial, wait)
		case <-ticker.C:
		}
	}
}
