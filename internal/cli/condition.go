package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/condition"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/config"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/gate"
)

// ConditionOptions holds options for condition compile.
type ConditionOptions struct {
	*RootOptions
	Section string
}

// NewConditionCommand creates the condition command group.
func NewConditionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "condition",
		Short: "Work with dispatch conditions",
	}
	cmd.AddCommand(newConditionCompileCommand(rootOpts))
	return cmd
}

func newConditionCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConditionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <file>",
		Short: "Print the filter policy a middleware edge subscribes with",
		Long: `Compile an edge into the filter policy the gate installs on the bus.

The file (or the --section inside it) may hold:

  eligibility:
    types: [document-created]
    mimeTypes: ["image/*"]
  when:
    data:
      metadata:
        language: [fr]

An edge with no constraints prints {}.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConditionCompile(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Section, "section", "s", "", "dotted path of the edge inside the file")
	return cmd
}

func runConditionCompile(cmd *cobra.Command, opts *ConditionOptions, path string) error {
	cfg, err := loadSection(path, opts.Section)
	if err != nil {
		return err
	}

	var user *condition.Condition
	if cfg.Has("when") {
		user, err = condition.FromMap(cfg.Section("when").Raw())
		if err != nil {
			return fmt.Errorf("when: %w", err)
		}
	}

	policy, err := gate.Compile(gate.EligibilityFromConfig(cfg.Section("eligibility")), user)
	if err != nil {
		return err
	}
	if policy == nil {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), "{}")
		return err
	}
	out, err := policy.Pretty()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func loadSection(path, section string) (config.Config, error) {
	cfg, err := config.FromFile(path)
	if err != nil {
		return config.Config{}, err
	}
	if section == "" {
		return cfg, nil
	}
	if !cfg.Has(section) {
		return config.Config{}, fmt.Errorf("%s: no section %q", path, section)
	}
	return cfg.Section(section), nil
}
