// Package slot implements the per-instance ring of in-flight request slots
// and the four-counter handshake between the submit (producer) and drain
// (consumer) loops (spec §4.B). This generalizes the teacher's per-tag
// TagState machine in internal/queue/runner.go: where the teacher tracked
// one enum per tag (InFlightFetch/Owned/InFlightCommit), a slot here
// tracks four monotone counters so that completion order (set by the
// hardware callback) can be decoupled from drain order (set by the
// session's submission sequence).
package slot

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmaccel/qzgo/internal/constants"
	"github.com/dmaccel/qzgo/internal/interfaces"
)

// Slot is one ring element. Each counter has exactly one writer: submit
// writes Src1/Src2, drain writes Sink1 (via Complete, for each job that
// Driver.Poll reports) and Sink2 (spec §4.B, §9 "Slot handshake without
// atomics"). They are
// atomics here so the race detector and cross-goroutine visibility are
// both honored without hand-rolled fences.
type Slot struct {
	src1  atomic.Uint32
	src2  atomic.Uint32
	sink1 atomic.Uint32
	sink2 atomic.Uint32

	mu sync.Mutex // guards the metadata fields below during a transition

	Seq           uint64
	JobStatus     interfaces.JobStatus
	Result        interfaces.JobResult
	SrcPinned     bool
	DestPinned    bool
	OrigSrc       []byte
	OrigDest      []byte
	FooterCRC     uint32
	FooterOrigLen uint32
}

// Ring is the fixed-depth array of slots owned by one accelerator
// instance.
type Ring struct {
	slots []Slot
	hint  atomic.Uint32
}

// NewRing allocates a ring of the given depth, all slots idle.
func NewRing(depth int) *Ring {
	return &Ring{slots: make([]Slot, depth)}
}

// Depth returns the ring's slot count.
func (r *Ring) Depth() int { return len(r.slots) }

// At returns a pointer to slot j.
func (r *Ring) At(j int) *Slot { return &r.slots[j] }

// IsIdle reports whether a slot is in the idle state (spec §4.B: all four
// counters equal).
func (s *Slot) IsIdle() bool {
	s1, s2 := s.src1.Load(), s.src2.Load()
	k1, k2 := s.sink1.Load(), s.sink2.Load()
	return s1 == s2 && s2 == k1 && k1 == k2
}

// IsDrainReady reports whether the slot holds a completed request ready
// to be emitted: src1 = src2 = sink1 = sink2+1 (spec §4.B drain phase).
func (s *Slot) IsDrainReady() bool {
	s1, s2 := s.src1.Load(), s.src2.Load()
	k1, k2 := s.sink1.Load(), s.sink2.Load()
	return s1 == s2 && s2 == k1 && k1 == k2+1
}

// isInFlight reports src1 = src2 = sink1+1: submitted to hardware, no
// completion observed yet.
func (s *Slot) isInFlight() bool {
	s1, s2 := s.src1.Load(), s.src2.Load()
	k1 := s.sink1.Load()
	return s1 == s2 && s2 == k1+1
}

// Reserve transitions idle -> reserved (src1++). Caller must already hold
// exclusive claim on the slot (see FindFree).
func (s *Slot) Reserve() { s.src1.Add(1) }

// HandOff transitions reserved -> in-flight (src2++), meaning the request
// has been issued to the driver.
func (s *Slot) HandOff() { s.src2.Add(1) }

// RollbackReservation undoes Reserve+HandOff before the driver ever saw
// the request, restoring idle (spec §4.E "On any error before hardware
// hand-off").
func (s *Slot) RollbackReservation(handedOff bool) {
	if handedOff {
		s.src2.Add(^uint32(0)) // -1
	}
	s.src1.Add(^uint32(0)) // -1
}

// Complete transitions in-flight -> completed (sink1++), called by the
// drain loop for each completion Driver.Poll reports. Returns false (a
// "flow error", spec §4.B)
// if the slot wasn't in-flight.
func (s *Slot) Complete(status interfaces.JobStatus, result interfaces.JobResult) bool {
	if !s.isInFlight() {
		return false
	}
	s.mu.Lock()
	s.JobStatus = status
	s.Result = result
	s.mu.Unlock()
	s.sink1.Add(1)
	return true
}

// Drain transitions completed -> idle (sink2++), called once drain has
// emitted the slot's output.
func (s *Slot) Drain() { s.sink2.Add(1) }

// WithLock runs fn while holding the slot's metadata mutex, for callers
// outside the package that need to set the Seq/JobStatus/etc fields
// safely against a concurrent FindDrainReady scan.
func (s *Slot) WithLock(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// FindFree scans the ring starting at the sticky hint for an idle slot,
// blocking with the spec's nanosleep back-off when none is free (spec
// §4.B "Finding a free slot"). It returns the claimed index with Src1
// already incremented (reserved).
func (r *Ring) FindFree() int {
	n := len(r.slots)
	for {
		start := int(r.hint.Load()) % n
		for i := 0; i < n; i++ {
			j := (start + i) % n
			if r.slots[j].IsIdle() {
				r.slots[j].Reserve()
				r.hint.Store(uint32((j + 1) % n))
				return j
			}
		}
		time.Sleep(constants.SlotHuntSleep)
	}
}

// FindDrainReady scans for the slot whose Seq matches seqIn and which is
// drain-ready (spec §4.F step 2: ordering gate). Returns -1 if none.
func (r *Ring) FindDrainReady(seqIn uint64) int {
	for j := range r.slots {
		s := &r.slots[j]
		if !s.IsDrainReady() {
			continue
		}
		s.mu.Lock()
		seq := s.Seq
		s.mu.Unlock()
		if seq == seqIn {
			return j
		}
	}
	return -1
}

// AllIdle reports whether every slot in the ring is idle - the
// quiescence invariant checked at call boundaries (spec §8 invariant 4).
func (r *Ring) AllIdle() bool {
	for i := range r.slots {
		if !r.slots[i].IsIdle() {
			return false
		}
	}
	return true
}
