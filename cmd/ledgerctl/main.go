// ledgerctl signs and submits ledger operations from the command line.
package main

import (
	"os"

	"github.com/fatih/color"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("ledgerctl failed: %v", err)
		os.Exit(1)
	}
}
