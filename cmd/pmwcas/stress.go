package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/kolkov/pmwcas/internal/mwcas"
	"github.com/kolkov/pmwcas/internal/pmem"
	"github.com/kolkov/pmwcas/internal/stress"
)

// errVerify reports a word array whose sum disagrees with the increments
// acknowledged to workers and recovery.
var errVerify = errors.New("verification failed")

type stressFlags struct {
	threads   int
	rounds    int
	faultRate uint64
	seed      uint64
	respawn   bool
	crash     bool
	verify    bool
	metrics   bool
}

func newStressCmd(a *app) *cobra.Command {
	var f stressFlags

	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run the crash-injection stress harness against a pool file",
		Long: `Run concurrent workers that each repeatedly increment k distinct random
words of the array with one multi-word CAS. With --fault-rate N roughly one
in N operations is abandoned mid-protocol, as if its thread had died.

Afterwards the pool is either recovered in place and closed, or, with
--crash, dropped without a clean shutdown. --verify then reopens the file,
runs recovery and checks that the array sum equals the starting sum plus
every increment that was acknowledged or rolled forward.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc := &a.cfg.Stress
			flags := cmd.Flags()
			if flags.Changed("threads") {
				sc.Threads = f.threads
			}
			if flags.Changed("rounds") {
				sc.Rounds = f.rounds
			}
			if flags.Changed("fault-rate") {
				sc.FaultRate = f.faultRate
			}
			if flags.Changed("seed") {
				sc.Seed = f.seed
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			err := a.runStress(cmd, f)
			if f.metrics {
				err = errors.Join(err, dumpMetrics(a.out))
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&f.threads, "threads", 0, "Number of workers")
	flags.IntVar(&f.rounds, "rounds", 0, "Operations per worker")
	flags.Uint64Var(&f.faultRate, "fault-rate", 0, "Abandon one in N operations (0 disables faults)")
	flags.Uint64Var(&f.seed, "seed", 0, "Random seed (0 picks one)")
	flags.BoolVar(&f.respawn, "respawn", true, "Replace workers killed by fault injection")
	flags.BoolVar(&f.crash, "crash", false, "Drop the pool without a clean shutdown after the run")
	flags.BoolVar(&f.verify, "verify", true, "Check the array sum after recovery")
	flags.BoolVar(&f.metrics, "metrics", false, "Print pmwcas metrics in Prometheus text format")
	return cmd
}

func (a *app) runStress(cmd *cobra.Command, f stressFlags) error {
	pc, sc := a.cfg.Pool, a.cfg.Stress

	region, err := pmem.OpenOrCreate(pc.Path, pc.SizeBytes, pc.RegionOptions(a.logger))
	if err != nil {
		return err
	}
	opts := pc.Options(a.logger)
	opts.EnableRecovery = true
	injector := stress.NewInjector(sc.FaultRate)
	if injector.Enabled() {
		opts.Faults = injector
	}
	s, err := a.attach(region, opts)
	if err != nil {
		_ = region.Abandon()
		return err
	}

	baseline := stress.Scan(s.array)
	res, err := stress.Run(cmd.Context(), s.pool, s.array, stress.Config{
		Threads: sc.Threads,
		Rounds:  sc.Rounds,
		Seed:    sc.Seed,
		Respawn: f.respawn,
		Logger:  a.logger,
	})
	if err != nil {
		_ = s.pool.Close()
		_ = s.region.Abandon()
		return err
	}

	fmt.Fprintf(a.out, "stress: threads=%d rounds=%d seed=%d in %v\n",
		sc.Threads, sc.Rounds, res.Seed, res.Duration)
	fmt.Fprintf(a.out, "  attempted: %d\n", res.Attempted)
	fmt.Fprintf(a.out, "  succeeded: %d (%d increments)\n", res.Succeeded, res.SucceededEntries)
	fmt.Fprintf(a.out, "  failed:    %d\n", res.Failed)
	fmt.Fprintf(a.out, "  abandoned: %d (%d injected)\n", res.Abandoned, injector.Stats().TotalFired())
	fmt.Fprintf(a.out, "  exhausted: %d\n", res.Exhausted)

	if f.crash {
		fmt.Fprintln(a.out, "crash: region dropped without clean shutdown")
		if err := errors.Join(s.pool.Close(), s.region.Abandon()); err != nil {
			return err
		}
		if !f.verify {
			return nil
		}
		opts.Faults = nil
		r, err := a.open(opts)
		if err != nil {
			return err
		}
		r.report.Format(a.out)
		verr := verify(a.out, r, baseline.Sum+res.SucceededEntries+uint64(r.report.SucceededEntries))
		return errors.Join(verr, r.close())
	}

	// Abandoned descriptors are resolved in place before the clean shutdown.
	report := &mwcas.RecoveryReport{}
	if res.Abandoned > 0 {
		if report, err = s.pool.RecoveryContext(cmd.Context(), pc.CleanupFreeSlots); err != nil {
			_ = s.pool.Close()
			_ = s.region.Abandon()
			return err
		}
		report.Format(a.out)
	}
	var verr error
	if f.verify {
		verr = verify(a.out, s, baseline.Sum+res.SucceededEntries+uint64(report.SucceededEntries))
	}
	return errors.Join(verr, s.close())
}

func verify(w io.Writer, s *session, want uint64) error {
	scan := stress.Scan(s.array)
	if !scan.Quiescent() {
		return fmt.Errorf("%w: array not quiescent: %s", errVerify, scan)
	}
	if scan.Sum != want {
		return fmt.Errorf("%w: sum %d, want %d", errVerify, scan.Sum, want)
	}
	fmt.Fprintf(w, "verify: ok, sum=%d\n", scan.Sum)
	return nil
}

// dumpMetrics writes the pmwcas_ families of the default registry.
func dumpMetrics(w io.Writer) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "pmwcas_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
