package main

import (
	"github.com/spf13/cobra"
)

func newRecoverCmd(a *app) *cobra.Command {
	var cleanup bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run crash recovery on a pool file",
		Long: `Open the pool file with recovery enabled and print what was repaired.

Every descriptor left in flight by a crash is rolled forward or back from
its persisted status. An inconsistent image is reported and the command
exits with a non-zero status without marking the region clean.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := a.cfg.Pool.Options(a.logger)
			opts.EnableRecovery = true
			if cmd.Flags().Changed("cleanup") {
				opts.CleanupFreeSlots = cleanup
			}

			s, err := a.open(opts)
			if err != nil {
				return err
			}
			s.report.Format(a.out)
			return s.close()
		},
	}

	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "Zero the entries of free descriptor slots")
	return cmd
}
