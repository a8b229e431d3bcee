package shm

import "testing"

// FakeMemory turns on debug checks and reports avail bytes of available
// memory until the test ends.
func FakeMemory(t testing.TB, avail uint64) {
	savedDebug, savedAvail := debugMode, availableMemory
	t.Cleanup(func() {
		debugMode, availableMemory = savedDebug, savedAvail
	})
	debugMode = func() bool { return true }
	availableMemory = func() (uint64, error) { return avail, nil }
}
