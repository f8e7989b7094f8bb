package main

import (
	"os"

	"github.com/maxpert/gitsync/mirror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	childMode string
	childFrom string
	childTo   string
)

// mirrorCmd is the child process spawned for every mirror pass. Its exit
// code is the result: 0 ok, 3 corrupted, anything else failed.
var mirrorCmd = &cobra.Command{
	Use:    mirror.ChildCommand,
	Short:  "Run a single clone or update",
	Hidden: true,
	Args:   cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		log.Logger = zerolog.New(zerolog.NewConsoleWriter()).
			With().
			Timestamp().
			Int("pid", os.Getpid()).
			Logger()

		mode, err := mirror.ParseMode(childMode)
		if err != nil {
			log.Error().Err(err).Msg("Invalid mirror mode")
			os.Exit(mirror.ExitFailure)
		}
		os.Exit(mirror.RunChild(cmd.Context(), mode, childFrom, childTo))
	},
}

func init() {
	mirrorCmd.Flags().StringVar(&childMode, "mode", "", "clone or update")
	mirrorCmd.Flags().StringVar(&childFrom, "from", "", "Upstream repository URL")
	mirrorCmd.Flags().StringVar(&childTo, "to", "", "Local bare repository path")
	mirrorCmd.MarkFlagRequired("mode")
	mirrorCmd.MarkFlagRequired("from")
	mirrorCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(mirrorCmd)
}
