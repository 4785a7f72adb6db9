// Package main is the adgen entry point: a headless batch runner and the
// HTTP control service in one binary.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "adgen",
	Short: "Batch ad-image generation",
	Long: `adgen generates batches of ad images from a prompt template.

Examples:
  adgen run --config run-config.yaml --template template.yml
  adgen run --out-dir out/campaign-42
  adgen serve`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
