// Package backend provides the production interfaces.DMAAllocator used
// when no real DMA/IOMMU binding is available: a sharded-lock buffer
// allocator and registration table. It is grounded on the teacher's
// Memory backend (backend/mem.go), which partitions a block device's
// bytes into fixed shards each guarded by its own RWMutex so concurrent
// I/O from many ublk queues doesn't serialize on one lock; here the same
// sharded-locking idea partitions the *registration table* instead of
// device bytes, so concurrent Alloc/Free/IsPinned calls from many
// accelerator instances don't contend on one map.
package backend

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/dmaccel/qzgo/internal/interfaces"
)

// numShards mirrors the teacher's fixed shard-size tuning: enough shards
// that concurrent instances (spec §3, typically single-digit to low
// dozens of accelerator instances per pool) rarely collide on one lock.
const numShards = 64

type registration struct {
	start uintptr
	end   uintptr
}

type shard struct {
	mu    sync.RWMutex
	regs  []registration
}

// ShardedAllocator implements interfaces.DMAAllocator over plain heap
// memory, tracking which byte ranges it has handed out (or had
// explicitly registered) so submit/drain can tell pinned caller memory
// apart from memory that needs a bounce-copy (spec §9 "Pinned-buffer
// zero copy").
type ShardedAllocator struct {
	shards [numShards]shard
}

// NewShardedAllocator creates an allocator with an empty registration
// table.
func NewShardedAllocator() *ShardedAllocator {
	return &ShardedAllocator{}
}

var _ interfaces.DMAAllocator = (*ShardedAllocator)(nil)

// Alloc returns a heap buffer of the given size, registered as pinned
// (nodeID is accepted for interface compatibility but otherwise unused
// without a real NUMA-aware allocator behind it).
func (a *ShardedAllocator) Alloc(nodeID, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("backend: alloc size must be positive, got %d", size)
	}
	buf := make([]byte, size)
	a.Register(buf)
	return buf, nil
}

// Free releases buf's registration. The underlying memory is left for
// the garbage collector, matching Go's lack of manual heap control; a
// real DMA allocator would additionally unmap/unpin here.
func (a *ShardedAllocator) Free(buf []byte) {
	a.Unregister(buf)
}

// Register marks buf as pinned/DMA-registered memory, for callers that
// hold their own hugepage- or mmap-backed buffers outside Alloc.
func (a *ShardedAllocator) Register(buf []byte) {
	if len(buf) == 0 {
		return
	}
	start := bufStart(buf)
	end := start + uintptr(len(buf))
	s := a.shardFor(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs = append(s.regs, registration{start: start, end: end})
}

// Unregister removes buf's registration, if present.
func (a *ShardedAllocator) Unregister(buf []byte) {
	if len(buf) == 0 {
		return
	}
	start := bufStart(buf)
	s := a.shardFor(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.regs {
		if r.start == start {
			s.regs = append(s.regs[:i], s.regs[i+1:]...)
			return
		}
	}
}

// IsPinned reports whether p falls entirely within a previously
// registered range.
func (a *ShardedAllocator) IsPinned(p []byte) bool {
	if len(p) == 0 {
		return false
	}
	start := bufStart(p)
	end := start + uintptr(len(p))

	// A sub-slice can start in a different shard from the registration
	// that covers it, so every shard is searched.
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.RLock()
		for _, r := range s.regs {
			if start >= r.start && end <= r.end {
				s.mu.RUnlock()
				return true
			}
		}
		s.mu.RUnlock()
	}
	return false
}

func (a *ShardedAllocator) shardFor(start uintptr) *shard {
	return &a.shards[(start/64)%numShards]
}

func bufStart(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}
