package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "normlab",
		Short: "NormLab persuasion experiment server",
		Long: `NormLab runs the norm persuasion experiment: participants give an opinion,
talk to a model primed with a social norm, give their opinion again and argue for it.
Configuration comes from NORMLAB_* environment variables and an optional .env file.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newImportSheetCmd(), newExportCmd())
	return root
}
