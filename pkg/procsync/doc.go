// Package procsync provides a mutex and a condition variable shared by a
// process and the processes it duplicates with fork.Start.
//
// Both live in a shm.Region and are built on futex words, so a thread in any
// process holding a handle may lock, wait or notify. The process that created
// an object is its owner: only the owner's Close destroys the shared
// structure, every other process's Close just releases its own view.
//
// Neither type tracks who holds a lock. Unlocking a mutex the caller does not
// hold, relocking a held mutex, or closing the owner's handle while another
// process still uses the object are undefined, exactly as with the POSIX
// primitives they mirror.
//
// Example:
//
//	mu, _ := procsync.NewMutex()
//	cond, _ := procsync.NewCond()
//	child, _ := fork.Start(ctx, "waiter", mu, cond)
//
//	// in the "waiter" entry point
//	mu, _ := procsync.InheritMutex(0)
//	cond, _ := procsync.InheritCond(1)
//	_ = mu.Lock()
//	_ = cond.Wait(mu)
//	_ = mu.Unlock()
package procsync
