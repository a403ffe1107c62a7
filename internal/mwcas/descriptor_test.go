package mwcas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/pmwcas/internal/epoch"
	"github.com/kolkov/pmwcas/internal/word"
)

func TestMwCAS_Succeeds(t *testing.T) {
	_, p, words := newTestPool(t, testOptions())
	words[1].Store(10)
	words[7].Store(20)

	ok, err := mwcas(t, p, words, [3]uint64{7, 20, 21}, [3]uint64{1, 10, 11})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, word.Value(11), words[1].Load())
	assert.Equal(t, word.Value(21), words[7].Load())
	assert.Equal(t, uint64(1), p.Stats().Succeeded)
}

func TestMwCAS_FailsWithoutSideEffects(t *testing.T) {
	_, p, words := newTestPool(t, testOptions())
	words[0].Store(1)
	words[1].Store(2)
	words[2].Store(3)

	// Middle entry mismatches: the first entry was installed and must be
	// rolled back.
	ok, err := mwcas(t, p, words,
		[3]uint64{0, 1, 100},
		[3]uint64{1, 99, 200},
		[3]uint64{2, 3, 300})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, word.Value(1), words[0].Load())
	assert.Equal(t, word.Value(2), words[1].Load())
	assert.Equal(t, word.Value(3), words[2].Load())
	assert.Equal(t, uint64(1), p.Stats().Failed)
}

func TestMwCAS_NoFalseSuccess(t *testing.T) {
	_, p, words := newTestPool(t, testOptions())
	words[3].Store(5)

	for _, expected := range []uint64{0, 4, 6, 1 << 60} {
		ok, err := mwcas(t, p, words, [3]uint64{3, expected, 42})
		require.NoError(t, err)
		assert.False(t, ok, "expected %d", expected)
		assert.Equal(t, word.Value(5), words[3].Load())
	}
}

func TestMwCAS_FullDescriptor(t *testing.T) {
	opts := testOptions()
	opts.DescriptorCapacity = 8
	_, p, words := newTestPool(t, opts)

	d, err := p.AllocateDescriptor()
	require.NoError(t, err)
	// Added in descending order; install sorts by offset.
	for i := 7; i >= 0; i-- {
		require.NoError(t, d.AddEntry(&words[i*3], 0, uint64(i+1)))
	}
	assert.ErrorIs(t, d.AddEntry(&words[30], 0, 1), ErrCapacityExceeded)

	ok, err := d.MwCAS()
	require.NoError(t, err)
	assert.True(t, ok)
	for i := range 8 {
		assert.Equal(t, word.Value(i+1), words[i*3].Load())
	}
}

func TestAddEntry_Errors(t *testing.T) {
	_, p, words := newTestPool(t, testOptions())

	var outside word.Word

	tests := []struct {
		name string
		add  func(d *Descriptor) error
		want error
	}{
		{
			name: "duplicate address",
			add: func(d *Descriptor) error {
				require.NoError(t, d.AddEntry(&words[0], 0, 1))
				return d.AddEntry(&words[0], 0, 2)
			},
			want: ErrDuplicateAddress,
		},
		{
			name: "reserved bits in expected",
			add: func(d *Descriptor) error {
				return d.AddEntry(&words[0], uint64(word.DirtyFlag), 1)
			},
			want: ErrReservedBits,
		},
		{
			name: "reserved bits in new value",
			add: func(d *Descriptor) error {
				return d.AddEntry(&words[0], 0, uint64(word.CondCASFlag)|1)
			},
			want: ErrReservedBits,
		},
		{
			name: "word outside region",
			add: func(d *Descriptor) error {
				return d.AddEntry(&outside, 0, 1)
			},
			want: ErrForeignWord,
		},
		{
			name: "capacity",
			add: func(d *Descriptor) error {
				for i := range p.DescriptorCapacity() {
					require.NoError(t, d.AddEntry(&words[i], 0, 1))
				}
				return d.AddEntry(&words[p.DescriptorCapacity()], 0, 1)
			},
			want: ErrCapacityExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := p.AllocateDescriptor()
			require.NoError(t, err)
			assert.ErrorIs(t, tt.add(d), tt.want)
			require.NoError(t, d.Discard())
		})
	}
}

func TestDescriptor_Consumed(t *testing.T) {
	_, p, words := newTestPool(t, testOptions())

	d, err := p.AllocateDescriptor()
	require.NoError(t, err)
	require.NoError(t, d.AddEntry(&words[0], 0, 1))
	ok, err := d.MwCAS()
	require.NoError(t, err)
	require.True(t, ok)

	_, err = d.MwCAS()
	assert.ErrorIs(t, err, ErrDescriptorConsumed)
	assert.ErrorIs(t, d.AddEntry(&words[1], 0, 1), ErrDescriptorConsumed)
	assert.ErrorIs(t, d.Discard(), ErrDescriptorConsumed)

	d, err = p.AllocateDescriptor()
	require.NoError(t, err)
	require.NoError(t, d.Discard())
	_, err = d.MwCAS()
	assert.ErrorIs(t, err, ErrDescriptorConsumed)
}

func TestMwCAS_EmptyDescriptorSucceeds(t *testing.T) {
	_, p, _ := newTestPool(t, testOptions())

	d, err := p.AllocateDescriptor()
	require.NoError(t, err)
	ok, err := d.MwCAS()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMwCAS_SlotReturnsToFree(t *testing.T) {
	_, p, words := newTestPool(t, testOptions())

	d, err := p.AllocateDescriptor()
	require.NoError(t, err)
	slot := d.Slot()
	assert.Equal(t, StatusUndecided, slotStatus(t, p, slot))

	require.NoError(t, d.AddEntry(&words[0], 0, 1))
	_, err = d.MwCAS()
	require.NoError(t, err)
	assert.Equal(t, StatusFree, slotStatus(t, p, slot))

	s := p.Stats()
	assert.Equal(t, 1, s.Retired)
	assert.Equal(t, p.Capacity()-1, s.Free)
	assert.Zero(t, s.ActiveGuards)
}

func TestMwCAS_UndecidedOwnerFailsOthers(t *testing.T) {
	opts := testOptions()
	opts.Faults = &faultOnce{point: FaultAfterInstall}
	_, p, words := newTestPool(t, opts)
	words[0].Store(1)
	words[1].Store(2)

	_, err := mwcas(t, p, words, [3]uint64{0, 1, 10}, [3]uint64{1, 2, 20})
	require.ErrorIs(t, err, ErrAbandoned)
	assert.True(t, words[0].Load().IsMwCAS())

	// The word is held by an undecided operation: conflict, no retry.
	ok, err := mwcas(t, p, words, [3]uint64{0, 1, 5})
	require.NoError(t, err)
	assert.False(t, ok)

	// Its logical value is still the expected value.
	v, err := p.Read(&words[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	assert.Equal(t, 1, p.Stats().Abandoned)
}

func TestMwCAS_HelpsDecidedOwner(t *testing.T) {
	opts := testOptions()
	opts.Faults = &faultOnce{point: FaultAfterDecision}
	_, p, words := newTestPool(t, opts)

	_, err := mwcas(t, p, words, [3]uint64{0, 0, 10}, [3]uint64{1, 0, 20})
	require.ErrorIs(t, err, ErrAbandoned)
	assert.True(t, words[1].Load().IsMwCAS())

	// The abandoned operation succeeded; a later one expecting its result
	// finalizes the word on its behalf and then proceeds.
	ok, err := mwcas(t, p, words, [3]uint64{1, 20, 21})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, word.Value(21), words[1].Load())
	assert.GreaterOrEqual(t, p.Stats().Helped, uint64(1))

	v, err := p.Read(&words[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(10), v)
	assert.Equal(t, word.Value(10), words[0].Load(), "Read finalizes decided words")
}

func TestRead(t *testing.T) {
	_, p, words := newTestPool(t, testOptions())

	words[0].Store(7)
	v, err := p.Read(&words[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)

	words[1].Store(9 | word.DirtyFlag)
	v, err = p.Read(&words[1])
	require.NoError(t, err)
	assert.Equal(t, uint64(9), v)
	assert.Equal(t, word.Value(9), words[1].Load(), "Read clears a pending Dirty flag")

	var outside word.Word
	_, err = p.Read(&outside)
	assert.ErrorIs(t, err, ErrForeignWord)

	words[2].Store(word.NewRef(uint64(p.Capacity())+5, 0).WithFlags(word.MwCASFlag))
	_, err = p.Read(&words[2])
	assert.ErrorIs(t, err, ErrRecoveryInconsistency)
}

func TestMwCAS_ClearsDirtyExpected(t *testing.T) {
	_, p, words := newTestPool(t, testOptions())
	words[0].Store(3 | word.DirtyFlag)

	ok, err := mwcas(t, p, words, [3]uint64{0, 3, 4})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, word.Value(4), words[0].Load())
}

// One thread, one participant slot: allocate, read the targets, add entries
// and execute, all under the guard it already holds.
func TestDescriptor_SingleThreadSlot(t *testing.T) {
	opts := testOptions()
	opts.ThreadCount = 1
	_, p, words := newTestPool(t, opts)
	words[0].Store(3)

	// The descriptor's own guard serves its reads.
	d, err := p.AllocateDescriptor()
	require.NoError(t, err)
	_, err = p.Read(&words[0])
	require.ErrorIs(t, err, epoch.ErrNoParticipantSlot)
	v, err := d.Read(&words[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
	require.NoError(t, d.AddEntry(&words[0], v, v+1))
	ok, err := d.MwCAS()
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = d.Read(&words[0])
	assert.ErrorIs(t, err, ErrDescriptorConsumed)

	// A caller-held guard serves several operations and plain reads.
	g, err := p.Protect()
	require.NoError(t, err)
	for range 3 {
		d, err := p.AllocateDescriptorGuarded(g)
		require.NoError(t, err)
		a, err := d.Read(&words[0])
		require.NoError(t, err)
		b, err := p.ReadGuarded(g, &words[1])
		require.NoError(t, err)
		require.NoError(t, d.AddEntry(&words[0], a, a+1))
		require.NoError(t, d.AddEntry(&words[1], b, b+1))
		ok, err := d.MwCAS()
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, g.Active(), "MwCAS leaves a borrowed guard held")
	}

	d, err = p.AllocateDescriptorGuarded(g)
	require.NoError(t, err)
	require.NoError(t, d.Discard())
	assert.True(t, g.Active(), "Discard leaves a borrowed guard held")
	assert.Equal(t, 1, p.Epoch().ActiveParticipants())
	g.Release()

	v, err = p.Read(&words[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)
	v, err = p.Read(&words[1])
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
}

func TestAllocateDescriptorGuarded_RejectsForeignGuard(t *testing.T) {
	_, p, _ := newTestPool(t, testOptions())
	_, other, _ := newTestPool(t, testOptions())

	g, err := other.Protect()
	require.NoError(t, err)
	defer g.Release()
	_, err = p.AllocateDescriptorGuarded(g)
	assert.ErrorIs(t, err, ErrInvalidGuard)

	mine, err := p.Protect()
	require.NoError(t, err)
	mine.Release()
	_, err = p.AllocateDescriptorGuarded(mine)
	assert.ErrorIs(t, err, ErrInvalidGuard)
	_, err = p.ReadGuarded(mine, nil)
	assert.ErrorIs(t, err, ErrInvalidGuard)
}
