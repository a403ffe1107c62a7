// Package stress runs randomized multi-word increments against a pool, with
// optional fault injection, and checks the array afterwards.
//
// Every operation picks K distinct words, reads their logical values and
// tries to increment all of them by one in a single MwCAS. Because every
// successful operation adds exactly K to the array sum, the sum after any
// sequence of runs, crashes and recoveries must equal the number of entries
// that took effect: those acknowledged to workers plus those recovery rolled
// forward.
package stress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/pmwcas/internal/epoch"
	"github.com/kolkov/pmwcas/internal/mwcas"
	"github.com/kolkov/pmwcas/internal/word"
)

var tracer = otel.Tracer("github.com/kolkov/pmwcas/internal/stress")

// ErrConfig is returned for a configuration the pool cannot run.
var ErrConfig = errors.New("stress: invalid configuration")

// Config controls one run.
type Config struct {
	// Threads is the number of concurrent workers.
	Threads int

	// Rounds is the number of operations each worker attempts.
	Rounds int

	// Seed seeds the per-worker generators. Zero picks a random seed.
	Seed uint64

	// Respawn replaces a worker killed by fault injection with a fresh one
	// that continues its remaining rounds. Without it a dead worker stays
	// dead.
	Respawn bool

	Logger *slog.Logger
}

// Result aggregates the outcome of a run.
type Result struct {
	Attempted uint64
	Succeeded uint64
	Failed    uint64
	Abandoned uint64

	// Exhausted counts rounds skipped because no descriptor or epoch slot
	// was available.
	Exhausted uint64

	// SucceededEntries is the number of word increments acknowledged to
	// workers.
	SucceededEntries uint64

	// Deaths counts workers stopped for good by fault injection. Always
	// zero with Respawn.
	Deaths int

	Seed     uint64
	Duration time.Duration
}

type counters struct {
	attempted, succeeded, failed, abandoned, exhausted, entries atomic.Uint64
	deaths                                                      atomic.Int64
}

// Run executes cfg against pool over array. Every word of array must live
// in the pool's region.
//
// Faults come from the pool's own FaultInjector; Run only reacts to
// ErrAbandoned. A run canceled through ctx returns ctx's error with the
// partial result.
func Run(ctx context.Context, pool *mwcas.Pool, array []word.Word, cfg Config) (*Result, error) {
	if cfg.Threads < 1 || cfg.Rounds < 0 {
		return nil, fmt.Errorf("%w: threads=%d rounds=%d", ErrConfig, cfg.Threads, cfg.Rounds)
	}
	if cfg.Threads > pool.Epoch().Capacity() {
		return nil, fmt.Errorf("%w: %d workers but only %d epoch slots",
			ErrConfig, cfg.Threads, pool.Epoch().Capacity())
	}
	k := min(pool.DescriptorCapacity(), len(array))
	if k < 1 {
		return nil, fmt.Errorf("%w: empty array", ErrConfig)
	}
	if cfg.Seed == 0 {
		cfg.Seed = rand.Uint64()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "stress")

	ctx, span := tracer.Start(ctx, "stress.Run", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.Int("stress.threads", cfg.Threads),
		attribute.Int("stress.rounds", cfg.Rounds),
		attribute.Int("stress.k", k),
		attribute.Int64("stress.seed", int64(cfg.Seed)), //nolint:gosec // attribute only
	)

	start := time.Now()
	var c counters
	g, gctx := errgroup.WithContext(ctx)
	for id := range cfg.Threads {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(cfg.Seed, uint64(id)))
			return worker(gctx, pool, array, k, cfg, rng, &c)
		})
	}
	err := g.Wait()

	res := &Result{
		Attempted:        c.attempted.Load(),
		Succeeded:        c.succeeded.Load(),
		Failed:           c.failed.Load(),
		Abandoned:        c.abandoned.Load(),
		Exhausted:        c.exhausted.Load(),
		SucceededEntries: c.entries.Load(),
		Deaths:           int(c.deaths.Load()),
		Seed:             cfg.Seed,
		Duration:         time.Since(start),
	}
	span.SetAttributes(
		attribute.Int64("stress.succeeded", int64(res.Succeeded)), //nolint:gosec // attribute only
		attribute.Int64("stress.abandoned", int64(res.Abandoned)), //nolint:gosec // attribute only
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	logger.Info("stress run finished",
		"threads", cfg.Threads, "rounds", cfg.Rounds, "k", k,
		"succeeded", res.Succeeded, "failed", res.Failed,
		"abandoned", res.Abandoned, "exhausted", res.Exhausted,
		"seed", res.Seed, "duration", res.Duration)
	return res, nil
}

func worker(ctx context.Context, pool *mwcas.Pool, array []word.Word, k int, cfg Config,
	rng *rand.Rand, c *counters,
) error {
	picks := make([]int, k)
	values := make([]uint64, k)

	for range cfg.Rounds {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.attempted.Add(1)
		pick(rng, len(array), picks)

		died, err := round(pool, array, picks, values, c)
		if err != nil {
			return err
		}
		if died && !cfg.Respawn {
			c.deaths.Add(1)
			return nil
		}
	}
	return nil
}

// round runs one operation under a single epoch guard: allocate, read the
// picked words, add an increment for each and execute. It reports whether
// the operation was abandoned.
func round(pool *mwcas.Pool, array []word.Word, picks []int, values []uint64, c *counters) (bool, error) {
	g, err := pool.Protect()
	if err != nil {
		if errors.Is(err, epoch.ErrNoParticipantSlot) {
			c.exhausted.Add(1)
			runtime.Gosched()
			return false, nil
		}
		return false, fmt.Errorf("stress: protect: %w", err)
	}
	defer g.Release()

	d, err := pool.AllocateDescriptorGuarded(g)
	if err != nil {
		if errors.Is(err, mwcas.ErrPoolExhausted) {
			c.exhausted.Add(1)
			runtime.Gosched()
			return false, nil
		}
		return false, fmt.Errorf("stress: allocate: %w", err)
	}
	if err := readAll(d, array, picks, values); err != nil {
		_ = d.Discard()
		return false, err
	}
	for i, idx := range picks {
		if err := d.AddEntry(&array[idx], values[i], values[i]+1); err != nil {
			_ = d.Discard()
			return false, fmt.Errorf("stress: add word %d: %w", idx, err)
		}
	}

	ok, err := d.MwCAS()
	switch {
	case errors.Is(err, mwcas.ErrAbandoned):
		c.abandoned.Add(1)
		return true, nil
	case err != nil:
		return false, fmt.Errorf("stress: mwcas: %w", err)
	case ok:
		c.succeeded.Add(1)
		c.entries.Add(uint64(len(picks)))
	default:
		c.failed.Add(1)
	}
	return false, nil
}

func readAll(d *mwcas.Descriptor, array []word.Word, picks []int, dst []uint64) error {
	for i, idx := range picks {
		v, err := d.Read(&array[idx])
		if err != nil {
			return fmt.Errorf("stress: read word %d: %w", idx, err)
		}
		dst[i] = v
	}
	return nil
}

// pick fills dst with distinct indices in [0, n) by rejection; dst is
// short relative to n.
func pick(rng *rand.Rand, n int, dst []int) {
	for i := range dst {
		for {
			v := rng.IntN(n)
			if !slices.Contains(dst[:i], v) {
				dst[i] = v
				break
			}
		}
	}
}
