package shm_test

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/srediag/procsync/pkg/fork"
	"github.com/srediag/procsync/pkg/shm"
)

func init() {
	fork.Register("example-increment", func(context.Context) error {
		counter, err := shm.Inherit[uint64](0)
		if err != nil {
			return err
		}
		atomic.AddUint64(counter.Get(), 1)
		return counter.Close()
	})
}

func ExampleAllocate() {
	counter, err := shm.Allocate(uint64(41))
	if err != nil {
		fmt.Println("allocate:", err)
		return
	}
	defer counter.Close()

	child, err := fork.Start(context.Background(), "example-increment", counter)
	if err != nil {
		fmt.Println("start:", err)
		return
	}
	if err := child.Wait(); err != nil {
		fmt.Println("child:", err)
		return
	}
	fmt.Println(atomic.LoadUint64(counter.Get()))
	// Output: 42
}
