package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kolkov/pmwcas/internal/pmem"
)

func newCreateCmd(a *app) *cobra.Command {
	var (
		size        int64
		capacity    int
		threads     int
		descCap     int
		words       int
		writeConfig string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and format a pool file",
		Long: `Create a new region file, allocate the application word array at its
root and format an empty descriptor pool in it. The file must not exist.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pc := &a.cfg.Pool
			flags := cmd.Flags()
			if flags.Changed("size") {
				pc.SizeBytes = size
			}
			if flags.Changed("capacity") {
				pc.Capacity = capacity
			}
			if flags.Changed("threads") {
				pc.ThreadCount = threads
			}
			if flags.Changed("descriptor-capacity") {
				pc.DescriptorCapacity = descCap
			}
			if flags.Changed("words") {
				pc.ArrayWords = words
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			region, err := pmem.Create(pc.Path, pc.SizeBytes, pc.RegionOptions(a.logger))
			if err != nil {
				return err
			}
			s, err := a.attach(region, pc.Options(a.logger))
			if err != nil {
				_ = region.Close()
				return err
			}
			info := region.Info()
			if err := s.close(); err != nil {
				return err
			}

			fmt.Fprintf(a.out, "created %s\n", pc.Path)
			fmt.Fprintf(a.out, "  id:          %s\n", info.ID)
			fmt.Fprintf(a.out, "  size:        %d bytes\n", info.Size)
			fmt.Fprintf(a.out, "  descriptors: %d x %d entries\n", pc.Capacity, pc.DescriptorCapacity)
			fmt.Fprintf(a.out, "  words:       %d\n", pc.ArrayWords)

			if writeConfig != "" {
				if err := a.cfg.Save(writeConfig); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "wrote %s\n", writeConfig)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Int64Var(&size, "size", 0, "Region size in bytes")
	flags.IntVar(&capacity, "capacity", 0, "Number of descriptor slots")
	flags.IntVar(&threads, "threads", 0, "Maximum number of concurrent epoch guards")
	flags.IntVar(&descCap, "descriptor-capacity", 0, "Maximum entries per descriptor")
	flags.IntVar(&words, "words", 0, "Length of the application word array")
	flags.StringVar(&writeConfig, "write-config", "", "Save the effective configuration to this file")
	return cmd
}
