package procsync

import (
	"math"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	internalshm "github.com/srediag/procsync/internal/shm"
	"github.com/srediag/procsync/pkg/ipcerr"
	"github.com/srediag/procsync/pkg/shm"
)

const condMagic = 0x636f6e64

// condState is the wait/notify structure placed in shared memory.
//
// counts packs the number of threads inside Wait (high half) with the
// wakeups granted to them and not yet taken (low half); pending never
// exceeds waiters. A waiter leaves only by taking a wakeup, so one Signal
// releases one thread however often the futex returns early.
//
// seq is bumped after every grant and is the futex word. A waiter takes a
// wakeup only once seq moved past the value it read on entry, so a thread
// arriving after a notify cannot steal it.
type condState struct {
	counts  internalshm.Word64
	seq     internalshm.Word
	magic   internalshm.Word
	pshared PShared
}

func splitCounts(c uint64) (waiters, pending uint32) {
	return uint32(c >> 32), uint32(c)
}

func joinCounts(waiters, pending uint32) uint64 {
	return uint64(waiters)<<32 | uint64(pending)
}

func (st *condState) waiters() uint32 {
	w, _ := splitCounts(st.counts.Load())
	return w
}

func (st *condState) pending() uint32 {
	_, p := splitCounts(st.counts.Load())
	return p
}

func (st *condState) enter() {
	for {
		c := st.counts.Load()
		w, p := splitCounts(c)
		if st.counts.CompareAndSwap(c, joinCounts(w+1, p)) {
			return
		}
	}
}

// take consumes a pending wakeup and leaves in one step.
func (st *condState) take() bool {
	for {
		c := st.counts.Load()
		w, p := splitCounts(c)
		if p == 0 {
			return false
		}
		if st.counts.CompareAndSwap(c, joinCounts(w-1, p-1)) {
			return true
		}
	}
}

// leave removes a waiter that gives up without a wakeup.
func (st *condState) leave() {
	for {
		c := st.counts.Load()
		w, p := splitCounts(c)
		w--
		if p > w {
			p = w
		}
		if st.counts.CompareAndSwap(c, joinCounts(w, p)) {
			return
		}
	}
}

// grant hands out up to n wakeups to waiters that have none yet and reports
// whether it handed out any.
func (st *condState) grant(n uint32) bool {
	for {
		c := st.counts.Load()
		w, p := splitCounts(c)
		if p >= w {
			return false
		}
		np := w
		if w-p > n {
			np = p + n
		}
		if st.counts.CompareAndSwap(c, joinCounts(w, np)) {
			return true
		}
	}
}

// Cond is a condition variable usable from every process holding a handle.
// It is always used together with one Mutex, passed to each Wait.
type Cond struct {
	region *shm.Region[condState]
	owner  int
	closed atomic.Bool
}

// NewCond creates a process-shared condition variable owned by the calling
// process.
func NewCond() (*Cond, error) {
	var attr CondAttr
	if err := attr.SetPShared(ProcessShared); err != nil {
		return nil, err
	}
	return NewCondWithAttr(attr)
}

// NewCondWithAttr creates a condition variable configured by attr. A
// ProcessPrivate one only works between threads of the calling process.
func NewCondWithAttr(attr CondAttr) (*Cond, error) {
	region, err := shm.Allocate(condState{})
	if err != nil {
		return nil, err
	}
	if err := initCond(region.Get(), attr); err != nil {
		_ = region.Close()
		return nil, err
	}
	return newCondHandle(region, region.Owner()), nil
}

func newCondHandle(region *shm.Region[condState], owner int) *Cond {
	c := &Cond{region: region, owner: owner}
	runtime.SetFinalizer(c, (*Cond).finalize)
	return c
}

func initCond(st *condState, attr CondAttr) error {
	if st.magic.Load() == condMagic {
		return ipcerr.Check(ipcerr.KindInitialization, "cond init", unix.EBUSY)
	}
	st.counts.Store(0)
	st.seq.Store(0)
	st.pshared = attr.pshared
	st.magic.Store(condMagic)
	return nil
}

// InheritCond maps the index-th handle passed to fork.Start.
func InheritCond(index int) (*Cond, error) {
	d, err := shm.Inherited(index)
	if err != nil {
		return nil, err
	}
	if d.Kind != KindCond {
		return nil, ipcerr.Check(ipcerr.KindAllocation, "inherit "+d.Kind+" as cond", unix.EINVAL)
	}
	region, err := shm.Map[condState](d)
	if err != nil {
		return nil, err
	}
	if region.Get().magic.Load() != condMagic {
		_ = region.Close()
		return nil, ipcerr.Check(ipcerr.KindInitialization, "inherit cond", unix.EINVAL)
	}
	return newCondHandle(region, d.Owner), nil
}

func (c *Cond) state(op string) (*condState, error) {
	st := c.region.Get()
	if st == nil || st.magic.Load() != condMagic {
		return nil, ipcerr.Check(ipcerr.KindOperation, op, unix.EINVAL)
	}
	return st, nil
}

// Wait releases m, which the caller must hold, sleeps until Signal or
// Broadcast is called on c by any process, and takes m again before
// returning. Interrupted sleeps are resumed; Wait returns only for a notify
// issued after it started.
//
// On error the state of m is unspecified: an error from releasing m leaves
// it held, an error while sleeping leaves it released.
func (c *Cond) Wait(m *Mutex) error {
	st, err := c.state("cond wait")
	if err != nil {
		return err
	}
	defer runtime.KeepAlive(c)
	shared := st.pshared == ProcessShared

	start := st.seq.Load()
	st.enter()
	if err := m.Unlock(); err != nil {
		st.leave()
		return err
	}
	condWaits.Inc()
	for {
		seq := st.seq.Load()
		if seq != start && st.take() {
			break
		}
		if err := st.seq.Wait(seq, shared); err != nil {
			st.leave()
			return ipcerr.Wrap(ipcerr.KindOperation, "cond wait", err)
		}
		if st.magic.Load() != condMagic {
			st.leave()
			return ipcerr.Check(ipcerr.KindOperation, "cond wait", unix.EINVAL)
		}
	}
	return m.Lock()
}

// Signal releases exactly one thread waiting on c, chosen by the kernel.
// Without waiters it does nothing.
func (c *Cond) Signal() error {
	return c.notify("cond signal", "one", 1, 1)
}

// Broadcast releases every thread waiting on c.
func (c *Cond) Broadcast() error {
	return c.notify("cond broadcast", "all", math.MaxUint32, math.MaxInt32)
}

func (c *Cond) notify(op, mode string, n uint32, wake int) error {
	st, err := c.state(op)
	if err != nil {
		return err
	}
	defer runtime.KeepAlive(c)
	condNotifies.WithLabelValues(mode).Inc()
	if !st.grant(n) {
		return nil
	}
	st.seq.Add(1)
	if _, err := st.seq.Wake(wake, st.pshared == ProcessShared); err != nil {
		return ipcerr.Wrap(ipcerr.KindOperation, op, err)
	}
	return nil
}

// Owner is the pid of the process that created the condition variable.
func (c *Cond) Owner() int {
	return c.owner
}

// Descriptor describes the condition variable for fork.Start.
func (c *Cond) Descriptor() shm.Descriptor {
	d := c.region.Descriptor()
	d.Kind = KindCond
	return d
}

// Close ends this handle. Only the owner destroys the shared structure, which
// fails with EBUSY while threads are waiting. Close is idempotent. A handle
// that becomes unreachable is closed automatically, and a failure there
// terminates the process.
func (c *Cond) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	runtime.SetFinalizer(c, nil)
	var err error
	if unix.Getpid() == c.owner {
		err = destroyCond(c.region.Get())
	} else {
		log.Tracef("cond owned by pid %d, releasing local view only", c.owner)
	}
	if rerr := c.region.Close(); err == nil {
		err = rerr
	}
	return err
}

func (c *Cond) finalize() {
	if err := c.Close(); err != nil {
		ipcerr.Fatal(err)
	}
}

func destroyCond(st *condState) error {
	if st == nil || st.magic.Load() != condMagic {
		return ipcerr.Check(ipcerr.KindDeallocation, "cond destroy", unix.EINVAL)
	}
	if st.waiters() != 0 {
		return ipcerr.Check(ipcerr.KindDeallocation, "cond destroy", unix.EBUSY)
	}
	st.magic.Store(0)
	return nil
}
