// Command postcopyd drives either side of a post-copy live migration:
// `postcopyd source` runs the source outgoing engine, `postcopyd dest`
// runs the destination incoming engine, and `postcopyd inspect` dumps
// the resolved configuration. See internal/cmd for the Cobra wiring.
package main

import (
	"fmt"
	"os"

	"github.com/rivervm/postcopy/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
