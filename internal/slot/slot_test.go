package slot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmaccel/qzgo/internal/interfaces"
)

func TestFreshRingAllIdle(t *testing.T) {
	r := NewRing(4)
	require.True(t, r.AllIdle())
	for i := 0; i < r.Depth(); i++ {
		require.True(t, r.At(i).IsIdle())
	}
}

func TestSlotLifecycle(t *testing.T) {
	r := NewRing(2)
	j := r.FindFree()
	s := r.At(j)
	require.False(t, s.IsIdle())

	s.HandOff()
	require.True(t, s.Complete(interfaces.JobOK, interfaces.JobResult{Produced: 10}))
	require.True(t, s.IsDrainReady())

	s.Drain()
	require.True(t, s.IsIdle())
	require.True(t, r.AllIdle())
}

func TestCompleteRejectsWrongState(t *testing.T) {
	r := NewRing(1)
	s := r.At(0)
	// Still idle - not in-flight, so Complete must report a flow error.
	require.False(t, s.Complete(interfaces.JobOK, interfaces.JobResult{}))
}

func TestRollbackReservationRestoresIdle(t *testing.T) {
	r := NewRing(2)
	j := r.FindFree()
	s := r.At(j)
	require.False(t, s.IsIdle())

	s.RollbackReservation(false)
	require.True(t, s.IsIdle())
}

func TestRollbackAfterHandOff(t *testing.T) {
	r := NewRing(2)
	j := r.FindFree()
	s := r.At(j)
	s.HandOff()

	s.RollbackReservation(true)
	require.True(t, s.IsIdle())
}

func TestFindDrainReadyOrdersBySeq(t *testing.T) {
	r := NewRing(3)

	j0 := r.FindFree()
	r.At(j0).Seq = 0
	r.At(j0).HandOff()

	j1 := r.FindFree()
	r.At(j1).Seq = 1
	r.At(j1).HandOff()

	// Complete out of submission order: slot 1 (seq=1) finishes first.
	require.True(t, r.At(j1).Complete(interfaces.JobOK, interfaces.JobResult{}))
	require.True(t, r.At(j0).Complete(interfaces.JobOK, interfaces.JobResult{}))

	// Drain must still emit seq 0 first, regardless of completion order.
	require.Equal(t, -1, r.FindDrainReady(5))
	require.Equal(t, j0, r.FindDrainReady(0))
	r.At(j0).Drain()
	require.Equal(t, j1, r.FindDrainReady(1))
}

func TestFindFreeReusesDrainedSlot(t *testing.T) {
	r := NewRing(1)
	j := r.FindFree()
	s := r.At(j)
	s.HandOff()
	s.Complete(interfaces.JobOK, interfaces.JobResult{})
	s.Drain()

	j2 := r.FindFree()
	require.Equal(t, j, j2)
}
