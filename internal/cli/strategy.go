package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/reducer"
)

// StrategyOptions holds options for strategy validate.
type StrategyOptions struct {
	*RootOptions
	Section string
}

// NewStrategyCommand creates the strategy command group.
func NewStrategyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategy",
		Short: "Work with reducer strategies",
	}
	cmd.AddCommand(newStrategyValidateCommand(rootOpts))
	return cmd
}

func newStrategyValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StrategyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate reduce strategies and print their normalized form",
		Long: `Validate a single strategy (--section names it) or, without --section,
every reducers.<name>.strategy in a pipeline definition.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStrategyValidate(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Section, "section", "s", "", "dotted path of one strategy inside the file")
	return cmd
}

func runStrategyValidate(cmd *cobra.Command, opts *StrategyOptions, path string) error {
	cfg, err := loadSection(path, opts.Section)
	if err != nil {
		return err
	}

	strategies := map[string]reducer.Strategy{}
	if opts.Section != "" {
		s, err := reducer.StrategyFromConfig(cfg)
		if err != nil {
			return fmt.Errorf("%s: %w", opts.Section, err)
		}
		strategies[opts.Section] = s
	} else {
		reducers := cfg.Section("reducers")
		if len(reducers.Keys()) == 0 {
			return fmt.Errorf("%s: no reducers defined", path)
		}
		for _, name := range reducers.Keys() {
			s, err := reducer.StrategyFromConfig(reducers.Section(name + ".strategy"))
			if err != nil {
				return fmt.Errorf("reducer %s: %w", name, err)
			}
			strategies[name] = s
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(strategies)
}
