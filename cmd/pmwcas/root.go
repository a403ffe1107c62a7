package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kolkov/pmwcas/internal/config"
	"github.com/kolkov/pmwcas/internal/mwcas"
	"github.com/kolkov/pmwcas/internal/pmem"
	"github.com/kolkov/pmwcas/internal/word"
)

const defaultConfigPath = "pmwcas.yaml"

// app carries state shared by every subcommand.
type app struct {
	out    io.Writer
	errOut io.Writer

	configPath string
	poolPath   string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "pmwcas",
		Short: "Create, recover, inspect and stress persistent MwCAS pools",
		Long: `pmwcas operates on persistent multi-word CAS pool files.

A pool file holds a descriptor pool and an application word array. After a
crash, "pmwcas recover" brings every word back to the value of the last
operation that decided before the crash.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"YAML configuration file (default "+defaultConfigPath+" if present)")
	root.PersistentFlags().StringVar(&a.poolPath, "pool", "", "Pool file, overrides pool.path")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	root.AddCommand(
		newCreateCmd(a),
		newRecoverCmd(a),
		newInspectCmd(a),
		newStressCmd(a),
		newVersionCmd(a),
	)
	return root
}

// load reads the configuration and builds the logger.
func (a *app) load(_ *cobra.Command, _ []string) error {
	path := a.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}

	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return err
		}
	}
	if a.poolPath != "" {
		cfg.Pool.Path = a.poolPath
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.Log.NewLogger(a.errOut)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// session is an open region with its array and pool.
type session struct {
	region *pmem.Region
	array  []word.Word
	pool   *mwcas.Pool
	report *mwcas.RecoveryReport
}

// open maps the configured pool file and attaches the pool.
func (a *app) open(opts mwcas.Options) (*session, error) {
	region, err := pmem.Open(a.cfg.Pool.Path, a.cfg.Pool.RegionOptions(a.logger))
	if err != nil {
		return nil, err
	}
	s, err := a.attach(region, opts)
	if err != nil {
		// Leave the image as found; it was not recovered.
		_ = region.Abandon()
		return nil, err
	}
	return s, nil
}

func (a *app) attach(region *pmem.Region, opts mwcas.Options) (*session, error) {
	pool, report, err := mwcas.Open(region, opts)
	if err != nil {
		if report != nil && errors.Is(err, mwcas.ErrRecoveryInconsistency) {
			report.Format(a.out)
		}
		return nil, fmt.Errorf("open pool %s: %w", a.cfg.Pool.Path, err)
	}
	array, err := arrayOf(region, a.cfg.Pool.ArrayWords)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return &session{region: region, array: array, pool: pool, report: report}, nil
}

// close shuts the pool and the region down cleanly.
func (s *session) close() error {
	return errors.Join(s.pool.Close(), s.region.Close())
}

func arrayOf(region *pmem.Region, n int) ([]word.Word, error) {
	root, err := region.GetRoot(uint64(n) * 8)
	if err != nil {
		return nil, fmt.Errorf("application array: %w", err)
	}
	return region.Words(root, n)
}
