package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newRootCommand builds the quicdemo command tree: a bare root plus the
// client and server subcommands, following the teacher pack's cobra-tree
// shape (a root command whose PersistentPreRunE wires up logging before any
// subcommand's RunE runs).
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "quicdemo",
		Short:        "Minimal QUIC transport client/server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
	}

	root.AddCommand(newClientCommand(), newServerCommand())
	return root
}

// setupLogging applies the QUICDEMO_LOG_LEVEL environment variable (via
// viper, consistent with pkg/endpoint.Config's QUICDEMO_ env prefix) to the
// standard logrus logger, defaulting to info.
func setupLogging() error {
	v := viper.New()
	v.SetEnvPrefix("quicdemo")
	v.AutomaticEnv()
	v.SetDefault("log_level", "info")

	level, err := logrus.ParseLevel(v.GetString("log_level"))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	return nil
}
