package backend

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
)

func TestSafepointRecorder(t *testing.T) {
	var r SafepointRecorder
	offsets := map[Label]int64{1: 0x20, 2: 0x8, 3: 0x40}
	r.Record(1, SafepointMap{Kind: SafepointCall, Registers: regalloc.NewRegSet(x1), StackSlots: []int{0}})
	r.Record(2, SafepointMap{Kind: SafepointStackProbe})
	r.Record(3, SafepointMap{Kind: SafepointNative, OutgoingRefSlots: []int64{8}})
	require.Equal(t, 3, r.Len())

	table, err := r.Resolve(func(l Label) int64 { return offsets[l] })
	require.NoError(t, err)
	require.Equal(t, []int64{0x8, 0x20, 0x40}, []int64{table[0].ReturnOffset, table[1].ReturnOffset, table[2].ReturnOffset})

	m, ok := table.Lookup(0x20)
	require.True(t, ok)
	require.Equal(t, SafepointCall, m.Kind)
	require.True(t, m.Registers.Has(x1))
	_, ok = table.Lookup(0x24)
	require.False(t, ok)
	_, ok = table.Lookup(0x100)
	require.False(t, ok)

	require.Equal(t, "native regs={} slots=[] outgoing=[8]", table[2].Map.Format(regalloc.RealReg.String))

	r.Reset()
	require.Equal(t, 0, r.Len())
}

func TestSafepointRecorder_duplicate(t *testing.T) {
	var r SafepointRecorder
	r.Record(1, SafepointMap{})
	r.Record(2, SafepointMap{})
	_, err := r.Resolve(func(Label) int64 { return 0x10 })
	require.True(t, errors.Is(err, ErrDuplicateSafepoint))
}
