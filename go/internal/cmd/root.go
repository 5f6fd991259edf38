package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mcdev12/scoresync/go/internal/nodeconfig"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Verbose    bool

	config *nodeconfig.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "scoresync",
		Short: "Keep a two-sided score in sync between a phone and its wearables",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := nodeconfig.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			opts.config = cfg

			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			level := cfg.Level()
			if opts.Verbose {
				level = zerolog.DebugLevel
			}
			zerolog.SetGlobalLevel(level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "scoresync.yaml", "node config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newPhoneCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newSendCommand(opts))
	cmd.AddCommand(newDemoCommand(opts))

	return cmd
}
