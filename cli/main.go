package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kelda/pvc-inspect/cli/cleanup"
	"github.com/kelda/pvc-inspect/cli/inspect"
	"github.com/kelda/pvc-inspect/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "pvc-inspect",
		Short:   "Inspect the contents of Kubernetes persistent volume claims",
		Version: version.Version,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		cleanup.New(),
		inspect.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
