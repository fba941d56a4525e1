package pool

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmaccel/qzgo/internal/interfaces"
)

type mockAllocator struct {
	mu             sync.Mutex
	allocs, frees  int
}

func (a *mockAllocator) Alloc(nodeID, size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocs++
	return make([]byte, size), nil
}
func (a *mockAllocator) Free([]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frees++
}
func (a *mockAllocator) IsPinned([]byte) bool { return false }

type mockDriver struct {
	mu        sync.Mutex
	instances []interfaces.InstanceInfo
	openErr   error
	openCalls int
	closed    bool
}

func (d *mockDriver) Open(ctx context.Context) ([]interfaces.InstanceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openCalls++
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.instances, nil
}
func (d *mockDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
func (d *mockDriver) ConfigureSession(instance int, dir interfaces.Direction, level int, dynamicHuffman bool) error {
	return nil
}
func (d *mockDriver) Submit(instance, slotIdx int, tag uint64, dir interfaces.Direction, src, dest []byte) error {
	return nil
}
func (d *mockDriver) Poll(instance int, timeout int) ([]interfaces.PolledJob, error) {
	return nil, nil
}

// resetGlobal clears the package-level singleton between tests so each
// test observes its own Init call rather than a leftover pool from a
// previous test in the same binary.
func resetGlobal(t *testing.T) {
	t.Helper()
	globalMu.Lock()
	g := global
	globalMu.Unlock()
	if g != nil {
		_ = g.Close()
	}
}

func TestInitCreatesInstancesPerDriver(t *testing.T) {
	resetGlobal(t)
	defer resetGlobal(t)

	driver := &mockDriver{instances: []interfaces.InstanceInfo{{PackageID: 0, NodeID: 0}, {PackageID: 1, NodeID: 1}}}
	p, err := Init(context.Background(), driver, &mockAllocator{}, true, nil)
	require.NoError(t, err)
	require.Equal(t, StatusOK, p.Status())
	require.Equal(t, 2, p.Len())
}

func TestInitSecondCallReturnsDuplicateAndSamePool(t *testing.T) {
	resetGlobal(t)
	defer resetGlobal(t)

	driver := &mockDriver{instances: []interfaces.InstanceInfo{{PackageID: 0, NodeID: 0}}}
	first, err := Init(context.Background(), driver, &mockAllocator{}, true, nil)
	require.NoError(t, err)

	second, err := Init(context.Background(), &mockDriver{}, &mockAllocator{}, true, nil)
	require.ErrorIs(t, err, ErrDuplicate)
	require.Same(t, first, second)
}

func TestInitNoHardwareWithSWBackupFallsBack(t *testing.T) {
	resetGlobal(t)
	defer resetGlobal(t)

	driver := &mockDriver{openErr: errors.New("no device nodes")}
	p, err := Init(context.Background(), driver, &mockAllocator{}, true, nil)
	require.NoError(t, err)
	require.Equal(t, StatusNoHW, p.Status())
	require.Equal(t, 0, p.Len())
}

func TestInitNoHardwareNoSWBackupFails(t *testing.T) {
	resetGlobal(t)
	defer resetGlobal(t)

	driver := &mockDriver{openErr: errors.New("no device nodes")}
	_, err := Init(context.Background(), driver, &mockAllocator{}, false, nil)
	require.Error(t, err)

	var pe *Error
	require.True(t, errors.As(err, &pe))
	require.Equal(t, StatusNoSWNoHW, pe.Status)
}

func TestGrabAndRelease(t *testing.T) {
	resetGlobal(t)
	defer resetGlobal(t)

	driver := &mockDriver{instances: []interfaces.InstanceInfo{{}, {}}}
	p, err := Init(context.Background(), driver, &mockAllocator{}, true, nil)
	require.NoError(t, err)

	i := p.Grab(-1)
	require.GreaterOrEqual(t, i, 0)

	j := p.Grab(i)
	require.NotEqual(t, i, j)
	require.GreaterOrEqual(t, j, 0)

	require.Equal(t, -1, p.Grab(-1)) // both instances now busy

	p.Release(i)
	require.Equal(t, i, p.Grab(-1))
}

func TestGrabOnEmptyPoolReturnsNegativeOne(t *testing.T) {
	resetGlobal(t)
	defer resetGlobal(t)

	driver := &mockDriver{openErr: errors.New("no device nodes")}
	p, err := Init(context.Background(), driver, &mockAllocator{}, true, nil)
	require.NoError(t, err)
	require.Equal(t, -1, p.Grab(-1))
}

func TestUtilizationReflectsGrabs(t *testing.T) {
	resetGlobal(t)
	defer resetGlobal(t)

	driver := &mockDriver{instances: []interfaces.InstanceInfo{{}, {}, {}}}
	p, err := Init(context.Background(), driver, &mockAllocator{}, true, nil)
	require.NoError(t, err)

	i := p.Grab(-1)
	busy, total := p.Utilization()
	require.Equal(t, 1, busy)
	require.Equal(t, 3, total)

	p.Release(i)
	busy, total = p.Utilization()
	require.Equal(t, 0, busy)
	require.Equal(t, 3, total)
}

func TestCloseIsIdempotentAndClearsGlobal(t *testing.T) {
	resetGlobal(t)
	defer resetGlobal(t)

	driver := &mockDriver{instances: []interfaces.InstanceInfo{{}}}
	p, err := Init(context.Background(), driver, &mockAllocator{}, true, nil)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close()) // second call is a no-op, not an error
	require.True(t, driver.closed)

	globalMu.Lock()
	g := global
	globalMu.Unlock()
	require.Nil(t, g)

	// A fresh Init after Close must not see ErrDuplicate.
	driver2 := &mockDriver{instances: []interfaces.InstanceInfo{{}}}
	p2, err := Init(context.Background(), driver2, &mockAllocator{}, true, nil)
	require.NoError(t, err)
	require.NotSame(t, p, p2)
}

func TestCloseFreesEveryAllocatedBuffer(t *testing.T) {
	resetGlobal(t)
	defer resetGlobal(t)

	driver := &mockDriver{instances: []interfaces.InstanceInfo{{}}}
	alloc := &mockAllocator{}
	p, err := Init(context.Background(), driver, alloc, true, nil)
	require.NoError(t, err)

	inst := p.Instance(0)
	require.NoError(t, inst.EnsureSetup(alloc, driver, 4096, interfaces.DirectionCompress, 6, false))
	require.Greater(t, alloc.allocs, 0)

	require.NoError(t, p.Close())
	require.Equal(t, alloc.allocs, alloc.frees)
}
