package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/martinemde/itinerary/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
	logFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "itinerary",
		Short:         "itinerary runs the hotel and itinerary planning assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat, opts.logFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Path to config file (default ./itinerary.yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "text", "Log format (json, text)")
	flags.StringVar(&opts.logFile, "log-file", "", "Also write logs to this file, rotated")

	root.AddCommand(newServeCmd(opts), newChatCmd(opts), newVersionCmd())
	return root
}

// initLogger points the global zerolog logger at stderr, and optionally a
// rotated file, at the requested level.
func initLogger(stderr io.Writer, level, format, file string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}

	var w io.Writer
	switch format {
	case "text":
		w = zerolog.ConsoleWriter{Out: stderr}
	case "json":
		w = stderr
	default:
		return fmt.Errorf("invalid --log-format %q (want json or text)", format)
	}
	if file != "" {
		w = io.MultiWriter(w, zerolog.ConsoleWriter{
			NoColor: true,
			Out: &lumberjack.Logger{
				Filename:   file,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			},
		})
	}

	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

// loadSettings reads the config file and environment, then applies any
// flags named in keys.
func loadSettings(cmd *cobra.Command, opts *rootOptions, keys map[string]string) (*config.Settings, error) {
	v, err := config.NewViper(opts.configFile)
	if err != nil {
		return nil, err
	}
	if err := config.BindFlags(v, cmd.Flags(), keys); err != nil {
		return nil, err
	}
	s, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("config", v.ConfigFileUsed()).Msg("loaded configuration")
	return s, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "itinerary", version)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("itinerary failed")
		os.Exit(1)
	}
}
