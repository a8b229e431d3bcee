package procsync

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/srediag/procsync/internal/logging"
	internalshm "github.com/srediag/procsync/internal/shm"
	"github.com/srediag/procsync/pkg/ipcerr"
	"github.com/srediag/procsync/pkg/shm"
)

// Descriptor kinds of the shared structures.
const (
	KindMutex = "mutex"
	KindCond  = "cond"
)

const (
	unlocked  = 0
	locked    = 1
	contended = 2

	mutexMagic = 0x6d757478
)

var log = logging.New("procsync", nil)

// mutexState is the lock structure placed in shared memory.
//
// word is 0 when free, 1 when held, 2 when held and someone may sleep on it.
// magic is set by initialization and cleared by destruction.
type mutexState struct {
	word    internalshm.Word
	magic   internalshm.Word
	pshared PShared
}

// Mutex is a non-recursive lock usable from every process that holds a handle.
type Mutex struct {
	region *shm.Region[mutexState]
	owner  int
	closed atomic.Bool
}

// NewMutex creates a process-shared mutex owned by the calling process.
func NewMutex() (*Mutex, error) {
	var attr MutexAttr
	if err := attr.SetPShared(ProcessShared); err != nil {
		return nil, err
	}
	return NewMutexWithAttr(attr)
}

// NewMutexWithAttr creates a mutex configured by attr. A ProcessPrivate mutex
// only excludes threads of the calling process.
func NewMutexWithAttr(attr MutexAttr) (*Mutex, error) {
	region, err := shm.Allocate(mutexState{})
	if err != nil {
		return nil, err
	}
	if err := initMutex(region.Get(), attr); err != nil {
		_ = region.Close()
		return nil, err
	}
	return newMutexHandle(region, region.Owner()), nil
}

func newMutexHandle(region *shm.Region[mutexState], owner int) *Mutex {
	m := &Mutex{region: region, owner: owner}
	runtime.SetFinalizer(m, (*Mutex).finalize)
	return m
}

func initMutex(st *mutexState, attr MutexAttr) error {
	if st.magic.Load() == mutexMagic {
		return ipcerr.Check(ipcerr.KindInitialization, "mutex init", unix.EBUSY)
	}
	st.word.Store(unlocked)
	st.pshared = attr.pshared
	st.magic.Store(mutexMagic)
	return nil
}

// InheritMutex maps the index-th handle passed to fork.Start. The creator of
// the mutex stays its owner.
func InheritMutex(index int) (*Mutex, error) {
	d, err := shm.Inherited(index)
	if err != nil {
		return nil, err
	}
	if d.Kind != KindMutex {
		return nil, ipcerr.Check(ipcerr.KindAllocation, "inherit "+d.Kind+" as mutex", unix.EINVAL)
	}
	region, err := shm.Map[mutexState](d)
	if err != nil {
		return nil, err
	}
	if region.Get().magic.Load() != mutexMagic {
		_ = region.Close()
		return nil, ipcerr.Check(ipcerr.KindInitialization, "inherit mutex", unix.EINVAL)
	}
	return newMutexHandle(region, d.Owner), nil
}

func (m *Mutex) state(op string) (*mutexState, error) {
	st := m.region.Get()
	if st == nil || st.magic.Load() != mutexMagic {
		return nil, ipcerr.Check(ipcerr.KindOperation, op, unix.EINVAL)
	}
	return st, nil
}

// Lock blocks the calling thread until the mutex is free, then takes it.
// Errors are of kind ipcerr.KindOperation; contention is never an error.
func (m *Mutex) Lock() error {
	st, err := m.state("mutex lock")
	if err != nil {
		return err
	}
	defer runtime.KeepAlive(m)
	if st.word.CompareAndSwap(unlocked, locked) {
		mutexAcquisitions.Inc()
		return nil
	}
	return lockSlow(st)
}

func lockSlow(st *mutexState) error {
	mutexContended.Inc()
	shared := st.pshared == ProcessShared
	for st.word.Swap(contended) != unlocked {
		if err := st.word.Wait(contended, shared); err != nil {
			return ipcerr.Wrap(ipcerr.KindOperation, "mutex lock", err)
		}
		if st.magic.Load() != mutexMagic {
			return ipcerr.Check(ipcerr.KindOperation, "mutex lock", unix.EINVAL)
		}
	}
	mutexAcquisitions.Inc()
	return nil
}

// TryLock takes the mutex if it is free and reports whether it did.
func (m *Mutex) TryLock() (bool, error) {
	st, err := m.state("mutex trylock")
	if err != nil {
		return false, err
	}
	defer runtime.KeepAlive(m)
	if st.word.CompareAndSwap(unlocked, locked) {
		mutexAcquisitions.Inc()
		return true, nil
	}
	return false, nil
}

// Unlock releases the mutex. The caller must hold it; this is not checked.
func (m *Mutex) Unlock() error {
	st, err := m.state("mutex unlock")
	if err != nil {
		return err
	}
	defer runtime.KeepAlive(m)
	if st.word.Swap(unlocked) == contended {
		if _, err := st.word.Wake(1, st.pshared == ProcessShared); err != nil {
			return ipcerr.Wrap(ipcerr.KindOperation, "mutex unlock", err)
		}
	}
	return nil
}

// Owner is the pid of the process that created the mutex.
func (m *Mutex) Owner() int {
	return m.owner
}

// Descriptor describes the mutex for fork.Start.
func (m *Mutex) Descriptor() shm.Descriptor {
	d := m.region.Descriptor()
	d.Kind = KindMutex
	return d
}

// Close ends this handle. In the owner process it first destroys the lock
// structure, which fails with EBUSY while the mutex is held; in any other
// process it only releases the local view. Close is idempotent. A handle that
// becomes unreachable is closed automatically, and a failure there terminates
// the process.
func (m *Mutex) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	runtime.SetFinalizer(m, nil)
	var err error
	if unix.Getpid() == m.owner {
		err = destroyMutex(m.region.Get())
	} else {
		log.Tracef("mutex owned by pid %d, releasing local view only", m.owner)
	}
	if rerr := m.region.Close(); err == nil {
		err = rerr
	}
	return err
}

func (m *Mutex) finalize() {
	if err := m.Close(); err != nil {
		ipcerr.Fatal(err)
	}
}

func destroyMutex(st *mutexState) error {
	if st == nil || st.magic.Load() != mutexMagic {
		return ipcerr.Check(ipcerr.KindDeallocation, "mutex destroy", unix.EINVAL)
	}
	if st.word.Load() != unlocked {
		return ipcerr.Check(ipcerr.KindDeallocation, "mutex destroy", unix.EBUSY)
	}
	st.magic.Store(0)
	return nil
}
