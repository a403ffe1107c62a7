package pmem

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testSize = 1 << 20

func TestNewVolatile(t *testing.T) {
	r, err := NewVolatile(testSize, Options{})
	require.NoError(t, err)
	defer r.Close()

	info := r.Info()
	assert.Equal(t, FormatVersion, info.Version)
	assert.Equal(t, uint64(testSize), info.Size)
	assert.Equal(t, uint64(HeaderSize), info.Used)
	assert.NotEqual(t, uuid.Nil, info.ID)
	assert.True(t, r.Volatile())
}

func TestNewVolatile_TooSmall(t *testing.T) {
	_, err := NewVolatile(HeaderSize, Options{})
	assert.ErrorIs(t, err, ErrTooSmall)
}

func TestAllocate_AlignsAndPublishes(t *testing.T) {
	r, err := NewVolatile(testSize, Options{})
	require.NoError(t, err)
	defer r.Close()

	root, err := r.GetRoot(8)
	require.NoError(t, err)
	assert.Zero(t, root%CacheLine)

	block, err := r.Allocate(root, 100)
	require.NoError(t, err)
	assert.Zero(t, block%CacheLine)

	published, err := r.Load(root)
	require.NoError(t, err)
	assert.Equal(t, uint64(block), published)

	next, err := r.Allocate(0, 8)
	require.NoError(t, err)
	assert.Equal(t, block+128, next, "100 bytes rounds up to two cache lines")

	require.NoError(t, r.Free(root))
	published, err = r.Load(root)
	require.NoError(t, err)
	assert.Zero(t, published)
}

func TestAllocate_OutOfSpace(t *testing.T) {
	r, err := NewVolatile(MinSize, Options{})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Allocate(0, MinSize)
	assert.ErrorIs(t, err, ErrOutOfSpace)
}

func TestGetRoot_Stable(t *testing.T) {
	r, err := NewVolatile(testSize, Options{})
	require.NoError(t, err)
	defer r.Close()

	first, err := r.GetRoot(64)
	require.NoError(t, err)
	second, err := r.GetRoot(32)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = r.GetRoot(4096)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestGetRoot_ConcurrentFirstUse(t *testing.T) {
	r, err := NewVolatile(testSize, Options{})
	require.NoError(t, err)
	defer r.Close()

	before := r.Info().Used
	roots := make([]Offset, 8)
	var g errgroup.Group
	for i := range roots {
		g.Go(func() error {
			root, err := r.GetRoot(512)
			roots[i] = root
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, root := range roots {
		assert.Equal(t, roots[0], root)
	}
	assert.Equal(t, uint64(512), r.Info().Used-before, "exactly one root block allocated")
	assert.Equal(t, uint64(512), r.Info().RootSize)
}

func TestCheckFormat(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{FormatVersion, true},
		{"v1.9.2", true},
		{"v2.0.0", false},
		{"v0.9.0", false},
		{"1.0.0", false},
		{"", false},
	}
	for _, tt := range tests {
		err := CheckFormat(tt.version)
		if tt.ok {
			assert.NoError(t, err, tt.version)
		} else {
			assert.ErrorIs(t, err, ErrIncompatibleFormat, tt.version)
		}
	}
}

func TestWords_Bounds(t *testing.T) {
	r, err := NewVolatile(testSize, Options{})
	require.NoError(t, err)
	defer r.Close()

	off, err := r.Allocate(0, 16*8)
	require.NoError(t, err)

	ws, err := r.Words(off, 16)
	require.NoError(t, err)
	require.Len(t, ws, 16)

	got, ok := r.Offset(&ws[3])
	require.True(t, ok)
	assert.Equal(t, off+24, got)

	_, err = r.Words(off+1, 1)
	assert.ErrorIs(t, err, ErrOutOfRange, "unaligned offset")
	_, err = r.Words(Offset(testSize-8), 2)
	assert.ErrorIs(t, err, ErrOutOfRange, "past the end")

	_, ok = r.Offset(nil)
	assert.False(t, ok)
}

func TestFileRegion_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.pm")

	r, err := Create(path, testSize, Options{SyncOnPersist: true})
	require.NoError(t, err)
	id := r.ID()

	root, err := r.GetRoot(8 * 4)
	require.NoError(t, err)
	ws, err := r.Words(root, 4)
	require.NoError(t, err)
	for i := range ws {
		ws[i].Store(42)
	}
	r.Persist(root, 32)
	require.NoError(t, r.Close())

	r, err = Open(path, Options{})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, id, r.ID())
	assert.True(t, r.CleanShutdown())

	again, err := r.GetRoot(8 * 4)
	require.NoError(t, err)
	assert.Equal(t, root, again)
	ws, err = r.Words(again, 4)
	require.NoError(t, err)
	for i := range ws {
		assert.EqualValues(t, 42, ws[i].Load())
	}
}

func TestFileRegion_AbandonIsUnclean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.pm")

	r, err := Create(path, testSize, Options{})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r, err = Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, r.Abandon())
	assert.ErrorIs(t, r.Close(), ErrClosed)

	r, err = Open(path, Options{})
	require.NoError(t, err)
	defer r.Close()
	assert.False(t, r.CleanShutdown())
}

func TestFileRegion_ExclusiveLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.pm")

	r, err := Create(path, testSize, Options{})
	require.NoError(t, err)
	defer r.Close()

	_, err = Open(path, Options{})
	assert.True(t, errors.Is(err, ErrLocked), "second open must fail, got %v", err)
}

func TestOpen_BadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.pm")

	r, err := Create(path, testSize, Options{})
	require.NoError(t, err)
	h := r.header()
	h[hdrMagic].Store(0)
	require.NoError(t, r.Close())

	_, err = Open(path, Options{})
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestOpen_IncompatibleMajor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.pm")

	r, err := Create(path, testSize, Options{})
	require.NoError(t, err)
	h := r.header()
	h[hdrMajor].Store(2)
	require.NoError(t, r.Close())

	_, err = Open(path, Options{})
	assert.ErrorIs(t, err, ErrIncompatibleFormat)
}
