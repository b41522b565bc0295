// Command lakeflow runs and inspects document-processing pipelines.
package main

import (
	"os"

	"github.com/randalmurphal/lakeflow/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
