// Package pool implements the process-wide accelerator instance pool
// (spec §3 Pool/Instance, §4.C). It is deliberately a guarded singleton:
// driver state and DMA allocations are scarce, process-wide resources,
// exactly the framing the teacher gives ublk's io_uring/char-device state
// in internal/ctrl.Controller, generalized here to N interchangeable
// instances instead of one ublk control device.
package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmaccel/qzgo/internal/constants"
	"github.com/dmaccel/qzgo/internal/interfaces"
	"github.com/dmaccel/qzgo/internal/slot"
	"github.com/dmaccel/qzgo/internal/topology"
)

// Status is the pool-wide init outcome (spec §3 Pool "init status enum").
type Status int

const (
	StatusUninitialized Status = iota
	StatusOK
	StatusNoHW
	StatusNoSWNoHW
)

// Instance owns one accelerator handle and its DMA resources (spec §3).
type Instance struct {
	ID        int
	PackageID int
	NodeID    int

	locked atomic.Bool

	Ring *slot.Ring

	srcBuffers          [][]byte
	destBuffers         [][]byte
	intermediateBuffers [][]byte
	memSetup            bool
	sessionSetup        map[interfaces.Direction]bool
	mu                  sync.Mutex // guards the lazy-setup fields above
}

// TryLock attempts to atomically claim the instance (spec §4.C
// grab_instance test-and-set).
func (inst *Instance) TryLock() bool {
	return inst.locked.CompareAndSwap(false, true)
}

// Unlock releases the instance (spec §4.C release_instance).
func (inst *Instance) Unlock() { inst.locked.Store(false) }

// MemSetup reports whether lazy DMA/session setup already ran.
func (inst *Instance) MemSetup() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.memSetup
}

// SrcBuffer returns the pre-allocated source DMA buffer for slot j.
func (inst *Instance) SrcBuffer(j int) []byte { return inst.srcBuffers[j] }

// DestBuffer returns the pre-allocated destination DMA buffer for slot j.
func (inst *Instance) DestBuffer(j int) []byte { return inst.destBuffers[j] }

// EnsureSetup lazily allocates DMA buffers and configures the accelerator
// session for (dir, level, dynamicHuffman), per spec §4.C setup_hw. It is
// idempotent for a given direction; on allocation failure everything
// allocated for this instance is rolled back and a LOW_MEM-shaped error
// returned, matching the teacher's "cleanup path frees every buffer
// allocated so far" contract.
func (inst *Instance) EnsureSetup(alloc interfaces.DMAAllocator, driver interfaces.Driver, hwBuffSz int, dir interfaces.Direction, level int, dynamicHuffman bool) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if !inst.memSetup {
		destSz := hwBuffSz*constants.DestBufferSlackNumerator/constants.DestBufferSlackDenominator + constants.DestBufferFixedPad
		depth := inst.Ring.Depth()

		src := make([][]byte, depth)
		dest := make([][]byte, depth)
		inter := make([][]byte, constants.IntermediateBufferCount)

		rollback := func() {
			for _, b := range src {
				if b != nil {
					alloc.Free(b)
				}
			}
			for _, b := range dest {
				if b != nil {
					alloc.Free(b)
				}
			}
			for _, b := range inter {
				if b != nil {
					alloc.Free(b)
				}
			}
		}

		var err error
		for j := 0; j < depth; j++ {
			if src[j], err = alloc.Alloc(inst.NodeID, hwBuffSz); err != nil {
				rollback()
				return fmt.Errorf("pool: instance %d src buffer %d: %w", inst.ID, j, err)
			}
			if dest[j], err = alloc.Alloc(inst.NodeID, destSz); err != nil {
				rollback()
				return fmt.Errorf("pool: instance %d dest buffer %d: %w", inst.ID, j, err)
			}
		}
		for m := 0; m < constants.IntermediateBufferCount; m++ {
			if inter[m], err = alloc.Alloc(inst.NodeID, 2*hwBuffSz); err != nil {
				rollback()
				return fmt.Errorf("pool: instance %d intermediate buffer %d: %w", inst.ID, m, err)
			}
		}

		inst.srcBuffers = src
		inst.destBuffers = dest
		inst.intermediateBuffers = inter
		inst.memSetup = true
	}

	if inst.sessionSetup == nil {
		inst.sessionSetup = make(map[interfaces.Direction]bool)
	}
	if !inst.sessionSetup[dir] {
		if err := driver.ConfigureSession(inst.ID, dir, level, dynamicHuffman); err != nil {
			return fmt.Errorf("pool: instance %d configure session: %w", inst.ID, err)
		}
		inst.sessionSetup[dir] = true
	}

	return nil
}

// Pool is the process-global singleton (spec §3 Pool).
type Pool struct {
	mu        sync.Mutex
	status    Status
	swBackup  bool
	instances []*Instance
	driver    interfaces.Driver
	alloc     interfaces.DMAAllocator
	logger    interfaces.Logger
	closed    bool
}

var (
	globalMu   sync.Mutex
	global     *Pool
	teardownMu sync.Once
)

// Init brings up the process-wide pool (spec §4.C init). A second call is
// non-fatal: it returns ErrDuplicate and the first call's pool is kept,
// exactly spec §7's DUPLICATE propagation rule.
func Init(ctx context.Context, driver interfaces.Driver, alloc interfaces.DMAAllocator, swBackup bool, logger interfaces.Logger) (*Pool, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil {
		return global, ErrDuplicate
	}

	p := &Pool{
		swBackup: swBackup,
		driver:   driver,
		alloc:    alloc,
		logger:   logger,
	}

	instances, err := openWithRetry(ctx, driver, logger)
	if err != nil {
		if swBackup {
			p.status = StatusNoHW
			global = p
			if logger != nil {
				logger.Info("accelerator unavailable, software backup enabled", "error", err)
			}
			return p, nil
		}
		return nil, fmt.Errorf("pool: %w", &Error{Status: StatusNoSWNoHW, Err: err})
	}

	warnUnknownNodes(instances, topology.Discover(logger), logger)

	p.instances = shuffleByPackage(instances)
	p.status = StatusOK
	global = p
	registerFinalizer(p)
	return p, nil
}

// warnUnknownNodes logs when a driver reports an instance bound to a NUMA
// node topology.Discover didn't find, since shuffleByPackage's locality
// assumption silently degrades to round-robin-only if the driver and the
// host's own NUMA view disagree.
func warnUnknownNodes(instances []*Instance, knownNodes []int, logger interfaces.Logger) {
	if logger == nil {
		return
	}
	known := make(map[int]bool, len(knownNodes))
	for _, n := range knownNodes {
		known[n] = true
	}
	for _, inst := range instances {
		if !known[inst.NodeID] {
			logger.Debug("instance reports a NUMA node not seen in topology discovery",
				"instance", inst.ID, "node", inst.NodeID, "known_nodes", knownNodes)
		}
	}
}

// openWithRetry starts the driver, trying up to MaxOpenRetry times with a
// fixed back-off (spec §4.C step 2). Every attempt calls Driver.Open the
// same way: no driver tag name is passed or cycled between attempts.
func openWithRetry(ctx context.Context, driver interfaces.Driver, logger interfaces.Logger) ([]*Instance, error) {
	var lastErr error
	for attempt := 0; attempt < constants.MaxOpenRetry; attempt++ {
		infos, err := driver.Open(ctx)
		if err == nil {
			out := make([]*Instance, len(infos))
			for i, info := range infos {
				out[i] = &Instance{
					ID:        i,
					PackageID: info.PackageID,
					NodeID:    info.NodeID,
					Ring:      slot.NewRing(constants.RingDepth),
				}
			}
			return out, nil
		}
		lastErr = err
		if logger != nil {
			logger.Debug("driver open failed, retrying", "attempt", attempt, "error", err)
		}
		time.Sleep(constants.OpenRetryBackoff)
	}
	return nil, lastErr
}

// shuffleByPackage round-robins instances across packages/NUMA nodes so
// consecutive grabs spread load (spec §4.C step 5).
func shuffleByPackage(instances []*Instance) []*Instance {
	if len(instances) == 0 {
		return instances
	}
	pkgIDs := make([]int, len(instances))
	buckets := map[int][]*Instance{}
	for i, inst := range instances {
		pkgIDs[i] = inst.PackageID
		buckets[inst.PackageID] = append(buckets[inst.PackageID], inst)
	}
	maxPkg := topology.MaxPackage(pkgIDs)

	out := make([]*Instance, 0, len(instances))
	for len(out) < len(instances) {
		for pkg := 0; pkg <= maxPkg; pkg++ {
			bucket := buckets[pkg]
			if len(bucket) == 0 {
				continue
			}
			out = append(out, bucket[0])
			buckets[pkg] = bucket[1:]
		}
	}
	return out
}

func registerFinalizer(p *Pool) {
	guard := new(byte)
	runtime.SetFinalizer(guard, func(*byte) {
		_ = p.Close()
	})
}

// Status returns the pool's init outcome.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// SoftwareBackup reports whether the pool was configured to fall back to
// software.
func (p *Pool) SoftwareBackup() bool { return p.swBackup }

// Len returns the instance count.
func (p *Pool) Len() int { return len(p.instances) }

// Grab attempts to claim the hinted instance first, then falls back to a
// linear scan of all instances (spec §4.C grab_instance). Returns -1 if
// every instance is busy.
func (p *Pool) Grab(hint int) int {
	n := len(p.instances)
	if n == 0 {
		return -1
	}
	if hint >= 0 && hint < n && p.instances[hint].TryLock() {
		return hint
	}
	for i := 0; i < n; i++ {
		if p.instances[i].TryLock() {
			return i
		}
	}
	return -1
}

// Release releases instance i.
func (p *Pool) Release(i int) {
	if i < 0 || i >= len(p.instances) {
		return
	}
	p.instances[i].Unlock()
}

// Instance returns instance i.
func (p *Pool) Instance(i int) *Instance { return p.instances[i] }

// Allocator returns the pool's DMA allocator.
func (p *Pool) Allocator() interfaces.DMAAllocator { return p.alloc }

// Driver returns the pool's driver binding.
func (p *Pool) Driver() interfaces.Driver { return p.driver }

// Utilization reports busy/total instance counts for metrics/janitor use.
func (p *Pool) Utilization() (busy, total int) {
	for _, inst := range p.instances {
		if inst.locked.Load() {
			busy++
		}
	}
	return busy, len(p.instances)
}

// Close tears down every instance and the driver (spec §4.C "process-exit
// hook that stops every instance and frees handles"). Safe to call more
// than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	for _, inst := range p.instances {
		inst.mu.Lock()
		for _, b := range inst.srcBuffers {
			if b != nil {
				p.alloc.Free(b)
			}
		}
		for _, b := range inst.destBuffers {
			if b != nil {
				p.alloc.Free(b)
			}
		}
		for _, b := range inst.intermediateBuffers {
			if b != nil {
				p.alloc.Free(b)
			}
		}
		inst.mu.Unlock()
	}

	if p.driver != nil {
		if err := p.driver.Close(); err != nil {
			return fmt.Errorf("pool: driver close: %w", err)
		}
	}

	globalMu.Lock()
	if global == p {
		global = nil
	}
	globalMu.Unlock()
	return nil
}

// Error wraps a pool-level failure with its resulting Status, allowing
// the orchestrator to distinguish NO_HW from NOSW_NO_HW etc. without a
// direct import cycle on the root error-code package.
type Error struct {
	Status Status
	Err    error
}

func (e *Error) Error() string { return fmt.Sprintf("pool: status=%d: %v", e.Status, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ErrDuplicate is returned by a second Init call (spec §7 DUPLICATE).
var ErrDuplicate = fmt.Errorf("pool: already initialized")
