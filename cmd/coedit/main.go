// Command coedit is the command-line tool for running and administering a
// coedit server.
package main

import (
	"os"

	"github.com/kilupskalvis/coedit/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
