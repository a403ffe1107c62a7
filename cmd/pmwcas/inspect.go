package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kolkov/pmwcas/internal/mwcas"
	"github.com/kolkov/pmwcas/internal/stress"
)

func newInspectCmd(a *app) *cobra.Command {
	var histogram bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the region header, descriptor slots and word array",
		Long: `Open the pool file without running recovery and print its state.

A pool left in flight by a crash stays that way: inspect does not mark the
region cleanly shut down unless every descriptor slot is free.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			opts := a.cfg.Pool.Options(a.logger)
			opts.EnableRecovery = false

			s, err := a.open(opts)
			if err != nil {
				return err
			}
			info := s.region.Info()

			fmt.Fprintf(a.out, "region %s\n", a.cfg.Pool.Path)
			fmt.Fprintf(a.out, "  id:             %s\n", info.ID)
			fmt.Fprintf(a.out, "  format:         %s\n", info.Version)
			fmt.Fprintf(a.out, "  size:           %d bytes (%d used)\n", info.Size, info.Used)
			fmt.Fprintf(a.out, "  clean shutdown: %t\n", s.region.CleanShutdown())

			counts := make(map[mwcas.Status]int)
			for i := range s.pool.Capacity() {
				st, err := s.pool.SlotStatus(i)
				if err != nil {
					return errors.Join(err, s.pool.Close(), s.region.Abandon())
				}
				counts[st]++
			}
			fmt.Fprintf(a.out, "descriptors (%d x %d entries)\n", s.pool.Capacity(), s.pool.DescriptorCapacity())
			for _, st := range []mwcas.Status{
				mwcas.StatusFree, mwcas.StatusUndecided, mwcas.StatusSucceeded, mwcas.StatusFailed,
			} {
				fmt.Fprintf(a.out, "  %-10s %d\n", st.String()+":", counts[st])
			}

			scan := stress.Scan(s.array)
			if histogram {
				scan.Format(a.out)
			} else {
				fmt.Fprintf(a.out, "words=%d clean=%d dirty=%d condcas=%d mwcas=%d sum=%d\n",
					scan.Words, scan.Clean, scan.Dirty, scan.CondCAS, scan.MwCAS, scan.Sum)
			}

			if counts[mwcas.StatusFree] == s.pool.Capacity() && scan.Quiescent() {
				return s.close()
			}
			fmt.Fprintln(a.out, "pool needs recovery")
			return errors.Join(s.pool.Close(), s.region.Abandon())
		},
	}

	cmd.Flags().BoolVar(&histogram, "histogram", false, "Print the value histogram of the word array")
	return cmd
}
