package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driveyard/driveyard/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "driveyard",
	Short: "Bulk disk testing and secure-erase agent",
	Long: `driveyard watches for hot-swapped disks, keeps a stable identity per
physical device, and runs SMART probes, secure erasure and operator-authored
task workflows against them. Every outcome lands in a local history store.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.AddCommand(
		newAgentCmd(),
		newProbeCmd(),
		newEraseCmd(),
		newTaskCmd(),
		newDevicesCmd(),
	)
	_ = config.LoadDotenv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("driveyard command failed")
	}
}
