package jitapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHelperID_Address(t *testing.T) {
	for h := HelperGrowStack; h < helperMax; h++ {
		t.Run(h.String(), func(t *testing.T) {
			got, ok := HelperFromAddress(h.Address())
			require.True(t, ok)
			require.Equal(t, h, got)
			_, ok = HelperFromAddress(h.Address() + 4)
			require.False(t, ok)
		})
	}
	_, ok := HelperFromAddress(helperMax.Address())
	require.False(t, ok)
	_, ok = HelperFromAddress(0x1000)
	require.False(t, ok)
}

func TestIsNativeFrameTag(t *testing.T) {
	require.True(t, IsNativeFrameTag(NativeFrameTag))
	require.True(t, IsNativeFrameTag(NativeFrameTag|NativeFrameInvisibleTag))
	require.False(t, IsNativeFrameTag(NativeFrameTag|0x2))
	require.False(t, IsNativeFrameTag(0))
}
