package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kolkov/pmwcas/pmwcas"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		// The version never needs a configuration file.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(_ *cobra.Command, _ []string) error {
			info := pmwcas.GetInfo()
			fmt.Fprintf(a.out, "pmwcas version %s\n", info.Version)
			fmt.Fprintf(a.out, "Pool format: %s (opens %s.x regions)\n", info.FormatVersion, info.FormatMajor)
			fmt.Fprintf(a.out, "Algorithm: %s\n", info.Algorithm)
			fmt.Fprintf(a.out, "Limits: %d entries per descriptor\n", info.MaxEntries)
			return nil
		},
	}
}
