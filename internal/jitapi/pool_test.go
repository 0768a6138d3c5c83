package jitapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	p := NewPool[int]()
	require.Equal(t, 0, p.Allocated())

	for i := 0; i < poolPageSize*3+5; i++ {
		v := p.Allocate()
		require.Zero(t, *v)
		*v = i
	}
	require.Equal(t, poolPageSize*3+5, p.Allocated())
	require.Equal(t, 4, len(p.pages))
	for i := 0; i < p.Allocated(); i++ {
		require.Equal(t, i, *p.View(i))
	}

	p.Reset()
	require.Equal(t, 0, p.Allocated())
	require.Equal(t, 4, len(p.pages))
	require.Zero(t, *p.Allocate())
	require.Panics(t, func() { p.View(1) })
}
