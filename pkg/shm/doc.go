// Package shm provides Region, a single value of a fixed-layout type placed in
// anonymous shared memory that survives process duplication.
//
// A Region is created by exactly one process. Processes started from it with
// fork.Start inherit the backing memory file and map the same pages; a process
// started any other way cannot attach. Every process releases only its own
// view with Close, so the value stays alive for the others.
//
// Region does no synchronization. Order concurrent access with a
// procsync.Mutex (or atomics on the payload) before touching the value from
// more than one process.
//
// Example usage:
//
//	counter, err := shm.Allocate(uint64(0))
//	if err != nil {
//	  return err
//	}
//	defer counter.Close()
//	child, err := fork.Start(ctx, "worker", counter)
//	// ...
//
// and in the "worker" entry point:
//
//	counter, err := shm.Inherit[uint64](0)
package shm
