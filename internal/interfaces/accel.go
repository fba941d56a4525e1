// Package interfaces provides internal interface definitions for qzgo.
// These are separate from the public API to avoid circular imports
// between the root package and the internal packages that implement it.
package interfaces

import (
	"context"
	"errors"
)

// ErrRetry is returned by Driver.Submit when the accelerator's immediate
// synchronous response is "try again" (spec §4.E "On RETRY status").
var ErrRetry = errors.New("interfaces: accelerator busy, retry")

// Codec is the software DEFLATE fallback, injected so that components
// D-F never decide hardware-vs-software themselves (spec §9 "Software
// fallback"): they only ever see a Driver or a Codec handed to them by
// the orchestrator.
type Codec interface {
	// Compress writes the DEFLATE encoding of src to dest, returning the
	// number of compressed bytes produced.
	Compress(dest, src []byte, level int) (n int, err error)

	// Decompress writes the inflated form of src to dest, returning the
	// number of bytes produced.
	Decompress(dest, src []byte) (n int, err error)

	// DecompressGzip inflates a standard (non-qzgo-framed) gzip member,
	// for input the accelerator never produced (spec §4.A, §8 scenario
	// S5).
	DecompressGzip(dest, src []byte) (n int, err error)

	// CRC32 returns the CRC32 checksum of p.
	CRC32(p []byte) uint32

	// CombineCRC32 combines a running CRC32 with the CRC32 of a
	// subsequent block of known length (spec §4.F.e).
	CombineCRC32(crc1, crc2 uint32, len2 int64) uint32
}

// JobStatus mirrors the accelerator's per-request completion status.
type JobStatus int32

const (
	JobOK JobStatus = iota
	JobRetry
	JobFailed
)

// JobResult is what the driver reports for one completed chunk request.
type JobResult struct {
	Consumed uint32
	Produced uint32
	Checksum uint32
	Status   JobStatus
}

// Direction selects the accelerator session's configured transform.
type Direction int

const (
	DirectionCompress Direction = iota
	DirectionDecompress
	DirectionBoth
)

// InstanceInfo is what the driver reports about one discovered hardware
// instance: its package/NUMA affinity and capability summary.
type InstanceInfo struct {
	PackageID int
	NodeID    int
}

// Driver is the accelerator driver binding. It is explicitly out of
// scope per spec §1 ("treated as an external collaborator") and is
// reached only through this interface; no production implementation
// ships with this module, only the in-memory mock/stub implementations
// used by tests.
type Driver interface {
	// Open starts the driver in a single attempt (pool.Init calls it up to
	// MaxOpenRetry times). Returns the discovered instances in driver
	// order.
	Open(ctx context.Context) ([]InstanceInfo, error)

	// Close stops every instance and releases driver resources.
	Close() error

	// ConfigureSession establishes an accelerator session for instance i
	// with the given direction/level/huffman mode (spec §4.C setup_hw).
	ConfigureSession(instance int, dir Direction, level int, dynamicHuffman bool) error

	// Submit issues an asynchronous chunk request for (instance, slot)
	// tagged by the given opaque tag; completion is observed via Poll.
	// dir selects compress/decompress for this chunk.
	Submit(instance, slot int, tag uint64, dir Direction, src, dest []byte) error

	// Poll returns the tags that have completed, alongside their
	// JobResult, in arbitrary (not submission) order. A timeout of 0 means
	// return immediately with whatever has completed; the drain loop
	// always passes 0 and does its own sleeping between polls.
	Poll(instance int, timeout int) ([]PolledJob, error)
}

// PolledJob is one completion reported by Driver.Poll.
type PolledJob struct {
	Tag    uint64
	Result JobResult
}

// DMAAllocator abstracts the NUMA-aware DMA buffer allocator (spec §9
// "Pinned-buffer zero copy"): it both allocates instance-owned buffers
// NUMA-local to a node, and answers whether a caller-owned slice is
// already pinned (registered) memory so submit/drain can zero-copy it.
type DMAAllocator interface {
	// Alloc returns a NUMA-node-local buffer of the given size.
	Alloc(nodeID, size int) ([]byte, error)

	// Free releases a buffer previously returned by Alloc.
	Free(buf []byte)

	// IsPinned reports whether p is already DMA-registered memory, in
	// which case submit/drain may pass it directly to the driver instead
	// of bounce-copying into an instance buffer.
	IsPinned(p []byte) bool
}

// Logger is the narrow logging surface internal packages depend on.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Observer receives per-call metrics (bytes, latency, outcome), mirroring
// the teacher's Observer for read/write/flush.
type Observer interface {
	ObserveCompress(bytesIn, bytesOut uint64, latencyNs uint64, hw bool, success bool)
	ObserveDecompress(bytesIn, bytesOut uint64, latencyNs uint64, hw bool, success bool)
	ObserveFallback(reason string)
	ObservePoolUtilization(busy, total int)
}
