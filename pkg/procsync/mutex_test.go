package procsync

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/srediag/procsync/pkg/fork"
	"github.com/srediag/procsync/pkg/ipcerr"
	"github.com/srediag/procsync/pkg/shm"
)

const (
	counterRounds   = 200
	counterChildren = 4
)

type counter struct {
	value  uint64
	inside uint32
}

func init() {
	fork.Register("mutex-holder", mutexHolder)
	fork.Register("mutex-counter", mutexCounter)
	fork.Register("mutex-close", mutexClose)
}

// mutexHolder takes the mutex before the parent, holds it until the parent
// has asked for it, then lets go.
func mutexHolder(context.Context) error {
	events, err := inheritEventLog()
	if err != nil {
		return err
	}
	m, err := InheritMutex(2)
	if err != nil {
		return err
	}
	if err := m.Lock(); err != nil {
		return err
	}
	if err := events.record(evChildLocked); err != nil {
		return err
	}
	if err := waitUntil(func() bool { return events.has(evParentLock) }); err != nil {
		return err
	}
	time.Sleep(20 * time.Millisecond)
	if err := events.record(evChildUnlock); err != nil {
		return err
	}
	return m.Unlock()
}

func mutexCounter(context.Context) error {
	m, err := InheritMutex(0)
	if err != nil {
		return err
	}
	c, err := shm.Inherit[counter](1)
	if err != nil {
		return err
	}
	defer c.Close()
	return bump(m, c.Get())
}

func bump(m *Mutex, c *counter) error {
	for i := 0; i < counterRounds; i++ {
		if err := m.Lock(); err != nil {
			return err
		}
		if c.inside != 0 {
			return errors.New("two holders inside the critical section")
		}
		c.inside = 1
		c.value++
		c.inside = 0
		if err := m.Unlock(); err != nil {
			return err
		}
	}
	return nil
}

func mutexClose(context.Context) error {
	m, err := InheritMutex(0)
	if err != nil {
		return err
	}
	if m.Owner() == unix.Getpid() {
		return errors.New("child became the owner")
	}
	return m.Close()
}

func newTestMutex(t *testing.T) *Mutex {
	m, err := NewMutex()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMutexLockUnlock(t *testing.T) {
	m := newTestMutex(t)

	require.NoError(t, m.Lock())
	ok, err := m.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, m.Unlock())

	ok, err = m.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, m.Unlock())

	assert.Equal(t, unix.Getpid(), m.Owner())
	assert.Equal(t, KindMutex, m.Descriptor().Kind)
}

func TestMutexBlocksAcrossProcesses(t *testing.T) {
	events := newEventLog(t)
	m := newTestMutex(t)

	child := startChild(t, "mutex-holder", append(events.handles(), m)...)
	eventually(t, func() bool { return events.has(evChildLocked) }, "child never took the lock")

	require.NoError(t, events.record(evParentLock))
	require.NoError(t, m.Lock())
	require.NoError(t, events.record(evParentLocked))
	require.NoError(t, m.Unlock())
	require.NoError(t, child.Wait())

	assert.Equal(t, []event{evChildLocked, evParentLock, evChildUnlock, evParentLocked}, events.events())
}

func TestMutexExcludesAcrossProcesses(t *testing.T) {
	m := newTestMutex(t)
	c, err := shm.Allocate(counter{})
	require.NoError(t, err)
	defer c.Close()

	g, err := fork.NewGroup(fork.DefaultConfig(), counterChildren)
	require.NoError(t, err)
	defer g.Release()
	for i := 0; i < counterChildren; i++ {
		_, err := g.Start(context.Background(), "mutex-counter", m, c)
		require.NoError(t, err)
	}
	require.NoError(t, bump(m, c.Get()))
	require.NoError(t, g.Wait())

	assert.Equal(t, uint64(counterRounds*(counterChildren+1)), c.Load().value)
}

func TestMutexExcludesGoroutines(t *testing.T) {
	var attr MutexAttr
	require.NoError(t, attr.SetPShared(ProcessPrivate))
	m, err := NewMutexWithAttr(attr)
	require.NoError(t, err)
	defer m.Close()

	c, err := shm.Allocate(counter{})
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- bump(m, c.Get())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(8*counterRounds), c.Load().value)
}

func TestMutexCloseByNonOwnerKeepsLock(t *testing.T) {
	m := newTestMutex(t)
	view, err := shm.Map[mutexState](m.Descriptor())
	require.NoError(t, err)
	defer view.Close()

	child := startChild(t, "mutex-close", m)
	require.NoError(t, child.Wait())

	assert.Equal(t, uint32(mutexMagic), view.Get().magic.Load())
	require.NoError(t, m.Lock())
	require.NoError(t, m.Unlock())

	require.NoError(t, m.Close())
	assert.Equal(t, uint32(0), view.Get().magic.Load())
}

func TestMutexCloseWhileLocked(t *testing.T) {
	m, err := NewMutex()
	require.NoError(t, err)
	require.NoError(t, m.Lock())

	err = m.Close()
	assert.True(t, errors.Is(err, ipcerr.ErrDeallocation))
	assert.True(t, errors.Is(err, unix.EBUSY))
}

func TestMutexUseAfterClose(t *testing.T) {
	m, err := NewMutex()
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	err = m.Lock()
	assert.True(t, errors.Is(err, ipcerr.ErrOperation))
	assert.True(t, errors.Is(err, unix.EINVAL))
	assert.Error(t, m.Unlock())
	_, err = m.TryLock()
	assert.Error(t, err)
	assert.Nil(t, m.Descriptor().File)

	_, err = fork.Start(context.Background(), "mutex-close", m)
	assert.ErrorIs(t, err, fork.ErrClosedHandle)
}

func TestMutexDoubleInit(t *testing.T) {
	m := newTestMutex(t)

	err := initMutex(m.region.Get(), MutexAttr{pshared: ProcessShared})
	assert.True(t, errors.Is(err, ipcerr.ErrInitialization))
	assert.True(t, errors.Is(err, unix.EBUSY))
}

func TestMutexAttr(t *testing.T) {
	var attr MutexAttr
	assert.Equal(t, ProcessPrivate, attr.PShared())
	require.NoError(t, attr.SetPShared(ProcessShared))
	assert.Equal(t, ProcessShared, attr.PShared())

	err := attr.SetPShared(PShared(7))
	assert.True(t, errors.Is(err, ipcerr.ErrAttributeConfig))
	assert.True(t, errors.Is(err, unix.EINVAL))
	assert.Equal(t, ProcessShared, attr.PShared())
}

func TestMutexDroppedHandleIsDestroyed(t *testing.T) {
	view := droppedMutexView(t)
	defer view.Close()

	eventually(t, func() bool {
		runtime.GC()
		return view.Get().magic.Load() == 0
	}, "unreachable mutex was never destroyed")
}

func droppedMutexView(t *testing.T) *shm.Region[mutexState] {
	m, err := NewMutex()
	require.NoError(t, err)
	view, err := shm.Map[mutexState](m.Descriptor())
	require.NoError(t, err)
	return view
}

func TestInheritMutexOutsideChild(t *testing.T) {
	_, err := InheritMutex(0)
	assert.ErrorIs(t, err, shm.ErrNotInherited)
}

func TestMutexMetrics(t *testing.T) {
	m := newTestMutex(t)
	before := counterValue(t, mutexAcquisitions.Write)

	require.NoError(t, m.Lock())
	require.NoError(t, m.Unlock())
	_, err := m.TryLock()
	require.NoError(t, err)
	require.NoError(t, m.Unlock())

	assert.Equal(t, before+2, counterValue(t, mutexAcquisitions.Write))
	assert.Len(t, Collectors(), 4)
}

func counterValue(t *testing.T, write func(*dto.Metric) error) float64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, write(&metric))
	return metric.GetCounter().GetValue()
}
