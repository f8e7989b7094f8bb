package main

import (
	"io"
	"os"

	"github.com/maxpert/gitsync/cfg"
	_ "github.com/maxpert/gitsync/publisher/sink"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gitsync",
	Short: "Mirror Gerrit projects to local bare repositories",
	Long: `gitsync keeps local bare mirrors of Gerrit projects up to date by following
the server's change events, and forwards each event downstream once the
mirror is known to contain it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfg.ConfigPath, "config", "c", cfg.ConfigPath, "Path to the configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("gitsync failed")
		os.Exit(1)
	}
}

// setupLogging configures the global logger from cfg.Config
func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("instance_id", cfg.Config.Global.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}
