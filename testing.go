package qzgo

import (
	"context"
	"sync"

	"github.com/dmaccel/qzgo/internal/codec"
	"github.com/dmaccel/qzgo/internal/interfaces"
)

// MockDriver is an in-memory interfaces.Driver implementation backed by
// the software codec, useful for exercising Accelerator/Session without
// real hardware. It tracks call counts for verification, the same
// pattern the teacher's MockBackend uses for read/write/flush.
type MockDriver struct {
	mu sync.Mutex

	instances []interfaces.InstanceInfo
	pending   []mockPending
	codec     *codec.Software

	openCalls   int
	submitCalls int
	pollCalls   int
	closed      bool
}

type mockPending struct {
	tag int64
	dir interfaces.Direction
	src []byte
	dst []byte
}

// NewMockDriver creates a mock driver reporting n instances, each on
// package/node 0.
func NewMockDriver(n int) *MockDriver {
	instances := make([]interfaces.InstanceInfo, n)
	return &MockDriver{instances: instances, codec: codec.New()}
}

var _ interfaces.Driver = (*MockDriver)(nil)

// Open implements interfaces.Driver.
func (d *MockDriver) Open(ctx context.Context) ([]interfaces.InstanceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openCalls++
	return d.instances, nil
}

// Close implements interfaces.Driver.
func (d *MockDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// ConfigureSession implements interfaces.Driver as a no-op: the mock has
// no hardware session state to configure.
func (d *MockDriver) ConfigureSession(instance int, dir interfaces.Direction, level int, dynamicHuffman bool) error {
	return nil
}

// Submit implements interfaces.Driver by queuing the chunk for the next
// Poll call to process synchronously through the software codec.
func (d *MockDriver) Submit(instance, slot int, tag uint64, dir interfaces.Direction, src, dest []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitCalls++
	d.pending = append(d.pending, mockPending{tag: int64(tag), dir: dir, src: src, dst: dest})
	return nil
}

// Poll implements interfaces.Driver by draining every pending submission
// and running it through the real software codec, so round-trip tests
// see genuine compress/decompress behavior. Submissions are not tracked
// per instance: one Poll completes all of them, whatever the instance
// argument. A compress job reports the CRC32 of its input and a
// decompress job the CRC32 of its output, i.e. of the plaintext.
func (d *MockDriver) Poll(instance int, timeout int) ([]interfaces.PolledJob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pollCalls++

	out := make([]interfaces.PolledJob, 0, len(d.pending))
	for _, p := range d.pending {
		var (
			produced int
			err      error
		)
		if p.dir == interfaces.DirectionCompress {
			produced, err = d.codec.Compress(p.dst, p.src, 6)
		} else {
			produced, err = d.codec.Decompress(p.dst, p.src)
		}
		status := interfaces.JobOK
		if err != nil {
			status = interfaces.JobFailed
		}
		crcIn := p.dst[:produced]
		if p.dir == interfaces.DirectionCompress {
			crcIn = p.src
		}
		out = append(out, interfaces.PolledJob{
			Tag: uint64(p.tag),
			Result: interfaces.JobResult{
				Consumed: uint32(len(p.src)),
				Produced: uint32(produced),
				Checksum: d.codec.CRC32(crcIn),
				Status:   status,
			},
		})
	}
	d.pending = d.pending[:0]
	return out, nil
}

// CallCounts returns the number of times Open/Submit/Poll were called.
func (d *MockDriver) CallCounts() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]int{
		"open":   d.openCalls,
		"submit": d.submitCalls,
		"poll":   d.pollCalls,
	}
}

// IsClosed reports whether Close has been called.
func (d *MockDriver) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// MockAllocator is an interfaces.DMAAllocator backed by plain heap
// allocation; it never reports memory as pinned, forcing every call
// through the bounce-copy path.
type MockAllocator struct {
	mu        sync.Mutex
	allocated int
	freed     int
}

var _ interfaces.DMAAllocator = (*MockAllocator)(nil)

// NewMockAllocator creates a mock allocator.
func NewMockAllocator() *MockAllocator { return &MockAllocator{} }

// Alloc implements interfaces.DMAAllocator.
func (a *MockAllocator) Alloc(nodeID, size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocated++
	return make([]byte, size), nil
}

// Free implements interfaces.DMAAllocator.
func (a *MockAllocator) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freed++
}

// IsPinned implements interfaces.DMAAllocator, always reporting false.
func (a *MockAllocator) IsPinned(p []byte) bool { return false }

// Counts returns the number of Alloc/Free calls observed.
func (a *MockAllocator) Counts() (allocated, freed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated, a.freed
}
