// main_test.go tests the pmwcas commands end to end on temporary pool files.
package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/pmwcas/internal/config"
	"github.com/kolkov/pmwcas/internal/mwcas"
	"github.com/kolkov/pmwcas/internal/pmem"
	"github.com/kolkov/pmwcas/internal/stress"
	"github.com/kolkov/pmwcas/internal/word"
)

// runCmd executes the root command with args and returns its stdout.
func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(append([]string{"--log-level=error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// createPool creates a small pool file and the configuration describing it.
func createPool(t *testing.T) (poolPath, cfgPath string) {
	t.Helper()
	dir := t.TempDir()
	poolPath = filepath.Join(dir, "test.pool")
	cfgPath = filepath.Join(dir, "pmwcas.yaml")

	out, err := runCmd(t, "create",
		"--pool", poolPath,
		"--size", "1048576",
		"--capacity", "256",
		"--threads", "8",
		"--words", "64",
		"--write-config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "created "+poolPath)
	assert.Contains(t, out, "descriptors: 256 x 4 entries")
	return poolPath, cfgPath
}

func TestCreate_WritesLoadableConfig(t *testing.T) {
	poolPath, cfgPath := createPool(t)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, poolPath, cfg.Pool.Path)
	assert.Equal(t, 256, cfg.Pool.Capacity)
	assert.Equal(t, 64, cfg.Pool.ArrayWords)
}

func TestCreate_ExistingFile(t *testing.T) {
	poolPath, _ := createPool(t)

	_, err := runCmd(t, "create", "--pool", poolPath, "--size", "1048576")
	assert.Error(t, err)
}

func TestInspect_FreshPool(t *testing.T) {
	_, cfgPath := createPool(t)

	out, err := runCmd(t, "--config", cfgPath, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "clean shutdown: true")
	assert.Contains(t, out, "Free:      256")
	assert.Contains(t, out, "words=64 clean=64 dirty=0 condcas=0 mwcas=0 sum=0")
	assert.NotContains(t, out, "needs recovery")
}

func TestInspect_GeometryMismatch(t *testing.T) {
	poolPath, _ := createPool(t)

	// The default configuration asks for 1024 descriptors.
	_, err := runCmd(t, "--pool", poolPath, "inspect")
	assert.ErrorIs(t, err, mwcas.ErrGeometryMismatch)
}

func TestStress_CrashVerify(t *testing.T) {
	_, cfgPath := createPool(t)

	out, err := runCmd(t, "--config", cfgPath, "stress",
		"--rounds", "500", "--fault-rate", "997", "--seed", "42", "--crash")
	require.NoError(t, err)
	assert.Contains(t, out, "crash: region dropped without clean shutdown")
	assert.Contains(t, out, "RECOVERY:")
	assert.Contains(t, out, "verify: ok")

	// Verification reopened and closed the file cleanly.
	out, err = runCmd(t, "--config", cfgPath, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "clean shutdown: true")
}

func TestStress_InPlaceRecovery(t *testing.T) {
	_, cfgPath := createPool(t)

	out, err := runCmd(t, "--config", cfgPath, "stress",
		"--rounds", "300", "--fault-rate", "101", "--seed", "7", "--metrics")
	require.NoError(t, err)
	assert.Contains(t, out, "descriptors in flight")
	assert.Contains(t, out, "verify: ok")
	assert.Contains(t, out, "pmwcas_operations_total")
}

func TestCrashThenRecover(t *testing.T) {
	_, cfgPath := createPool(t)

	_, err := runCmd(t, "--config", cfgPath, "stress",
		"--rounds", "300", "--fault-rate", "101", "--seed", "9", "--crash", "--verify=false")
	require.NoError(t, err)

	out, err := runCmd(t, "--config", cfgPath, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "clean shutdown: false")
	assert.Contains(t, out, "pool needs recovery")

	out, err = runCmd(t, "--config", cfgPath, "recover")
	require.NoError(t, err)
	assert.Contains(t, out, "descriptors in flight")

	out, err = runCmd(t, "--config", cfgPath, "recover")
	require.NoError(t, err)
	assert.Contains(t, out, "RECOVERY: clean, 256 descriptors free")

	out, err = runCmd(t, "--config", cfgPath, "inspect")
	require.NoError(t, err)
	assert.NotContains(t, out, "needs recovery")
}

func TestRecover_InconsistentImage(t *testing.T) {
	poolPath, cfgPath := createPool(t)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	region, err := pmem.Open(poolPath, pmem.Options{})
	require.NoError(t, err)
	array, err := arrayOf(region, cfg.Pool.ArrayWords)
	require.NoError(t, err)
	opts := cfg.Pool.Options(nil)
	opts.Faults = stress.NewInjector(1)
	pool, _, err := mwcas.Open(region, opts)
	require.NoError(t, err)

	// Abandon a descriptor right after it installed its first word.
	d, err := pool.AllocateDescriptor()
	require.NoError(t, err)
	require.NoError(t, d.AddEntry(&array[0], 0, 1))
	require.NoError(t, d.AddEntry(&array[1], 0, 1))
	_, err = d.MwCAS()
	require.ErrorIs(t, err, mwcas.ErrAbandoned)
	require.True(t, array[0].Load().IsRef())

	// Point the installed word at a slot that has no entries.
	array[0].Store(word.NewRef(200, 0).WithFlags(word.MwCASFlag))
	require.NoError(t, pool.Close())
	require.NoError(t, region.Abandon())

	out, err := runCmd(t, "--config", cfgPath, "recover")
	require.ErrorIs(t, err, mwcas.ErrRecoveryInconsistency)
	assert.Contains(t, out, "RECOVERY:")

	// The image stays unrecoverable until repaired; a retry fails the same way.
	_, err = runCmd(t, "--config", cfgPath, "recover")
	assert.ErrorIs(t, err, mwcas.ErrRecoveryInconsistency)
}

func TestVersion(t *testing.T) {
	out, err := runCmd(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "pmwcas version 0.1.0")
	assert.Contains(t, out, "Pool format: v1.0.0")
}

func TestInvalidConfigFlag(t *testing.T) {
	_, err := runCmd(t, "--log-level=loud", "version")
	require.NoError(t, err)

	_, err = runCmd(t, "--pool", filepath.Join(t.TempDir(), "x.pool"), "--log-level=loud", "inspect")
	assert.ErrorIs(t, err, config.ErrInvalid)
}
