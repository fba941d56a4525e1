package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocReportsPinned(t *testing.T) {
	a := NewShardedAllocator()
	buf, err := a.Alloc(0, 4096)
	require.NoError(t, err)
	require.True(t, a.IsPinned(buf))
	require.True(t, a.IsPinned(buf[10:100]))
}

func TestFreeUnregisters(t *testing.T) {
	a := NewShardedAllocator()
	buf, err := a.Alloc(0, 1024)
	require.NoError(t, err)
	require.True(t, a.IsPinned(buf))

	a.Free(buf)
	require.False(t, a.IsPinned(buf))
}

func TestUnregisteredSliceIsNotPinned(t *testing.T) {
	a := NewShardedAllocator()
	other := make([]byte, 64)
	require.False(t, a.IsPinned(other))
}

func TestRegisterAllowsExternalBuffer(t *testing.T) {
	a := NewShardedAllocator()
	external := make([]byte, 256)
	require.False(t, a.IsPinned(external))

	a.Register(external)
	require.True(t, a.IsPinned(external))

	a.Unregister(external)
	require.False(t, a.IsPinned(external))
}

func TestAllocRejectsNonPositiveSize(t *testing.T) {
	a := NewShardedAllocator()
	_, err := a.Alloc(0, 0)
	require.Error(t, err)
}
