package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/peermesh/peermesh/internal/config"
)

var (
	cfg *config.Config

	flagHost     string
	flagRoom     string
	flagPassword string
	flagStreamID string
	flagToken    string
	flagVerbose  bool
)

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:   "peermesh",
		Short: "Peer-to-peer real-time data client",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			level := zerolog.InfoLevel
			if flagVerbose {
				level = zerolog.DebugLevel
			}
			zerolog.SetGlobalLevel(level)
		},
	}
	// Config file values seed the flag defaults; flags still win.
	root.PersistentFlags().StringVar(&flagHost, "host", cfg.Host, "signaling server URL")
	root.PersistentFlags().StringVar(&flagRoom, "room", cfg.Room, "room to join")
	root.PersistentFlags().StringVar(&flagPassword, "password", cfg.Password, "room password")
	root.PersistentFlags().StringVar(&flagToken, "token", "", "signaling auth token")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newChatCmd())
	root.AddCommand(newTokenCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
