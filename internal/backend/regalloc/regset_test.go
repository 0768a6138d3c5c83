package regalloc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegSet(t *testing.T) {
	rs := NewRegSet(1, 5, 63, 64)
	require.True(t, rs.Has(1))
	require.True(t, rs.Has(5))
	require.True(t, rs.Has(63))
	require.False(t, rs.Has(64))
	require.False(t, rs.Has(2))
	require.Equal(t, 3, rs.Len())
	require.Equal(t, []RealReg{1, 5, 63}, rs.Slice())

	rs = rs.Remove(5)
	require.Equal(t, []RealReg{1, 63}, rs.Slice())
	require.Equal(t, NewRegSet(1, 2, 63), rs.Union(NewRegSet(2)))
	require.Equal(t, NewRegSet(63), rs.Intersect(NewRegSet(63, 3)))
	require.Equal(t, "{r1, r63}", rs.Format(func(r RealReg) string { return fmt.Sprintf("r%d", r) }))
	require.Equal(t, "{}", RegSet(0).Format(RealReg.String))
}

func TestVReg(t *testing.T) {
	v := FromRealReg(10, RegTypeFloat)
	require.Equal(t, RealReg(10), v.RealReg())
	require.Equal(t, RegTypeFloat, v.RegType())
	require.True(t, v.Valid())
	require.False(t, VRegInvalid.Valid())
	require.Equal(t, RegTypeInt, v.WithRegType(RegTypeInt).RegType())
	require.Equal(t, RealReg(10), v.WithRegType(RegTypeInt).RealReg())
	require.Equal(t, "r10", v.String())
	require.Equal(t, "invalid", VRegInvalid.String())
	require.Panics(t, func() { FromRealReg(RealRegInvalid, RegTypeInt) })
}
