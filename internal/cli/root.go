// Package cli implements the lakeflow command line.
package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	LogLevel   string

	v *viper.Viper
}

// NewRootCommand creates the root command for the lakeflow CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "lakeflow",
		Short: "lakeflow - document pipeline runtime",
		Long: `Run document-processing pipelines: fan events out to middlewares,
correlate the results by chain and reduce each chain to one aggregate.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "settings file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	_ = opts.v.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewConditionCommand(opts))
	cmd.AddCommand(NewStrategyCommand(opts))
	cmd.AddCommand(NewPipelineCommand(opts))

	return cmd
}
