// Command proxykit runs the interceptor toolkit demo server and its
// maintenance commands.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	configFile string
	envPrefix  string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "proxykit",
		Short:         "Cross-cutting interceptor toolkit for HTTP services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "path to server configuration file")
	cmd.PersistentFlags().StringVar(&flags.envPrefix, "env-prefix", "PROXYKIT", "environment variable prefix")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newSweepCmd(flags))
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
