package cli

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/lakeflow/internal/pipeline"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/blob"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/bus"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/config"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/correlation"
)

// NewPipelineCommand creates the pipeline command group.
func NewPipelineCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Work with pipeline definitions",
	}
	cmd.AddCommand(newPipelineValidateCommand(rootOpts))
	return cmd
}

func newPipelineValidateCommand(_ *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Bind a pipeline definition against in-memory services",
		Long: `Build every reducer and transform in the definition, bind their input
edges and list the resulting subscriptions. Nothing is published.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipelineValidate(cmd.OutOrStdout(), args[0])
		},
	}
}

func runPipelineValidate(w io.Writer, path string) error {
	def, err := config.FromFile(path)
	if err != nil {
		return err
	}

	b := bus.New(bus.Config{})
	defer b.Close()
	store := correlation.NewMemoryStore()
	defer store.Close()
	blobs := blob.NewMemoryStore()
	defer blobs.Close()

	p, err := pipeline.Build(def, pipeline.Deps{
		Bus:    b,
		Store:  store,
		Blobs:  blobs,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return err
	}
	defer p.Close()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SUBSCRIBER\tTOPIC\tPOLICY")
	for _, sub := range p.Subscriptions() {
		policy := "{}"
		if sub.Policy() != nil {
			policy = sub.Policy().String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", sub.Name(), sub.Topic(), policy)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%d reducers, %d transforms\n", len(p.Reducers()), len(p.Middlewares()))
	return err
}
