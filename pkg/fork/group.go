package fork

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/heptiolabs/healthcheck"
	"github.com/panjf2000/ants/v2"
)

// Group starts several children and waits for all of them.
type Group struct {
	cfg  Config
	pool *ants.Pool

	mu       sync.Mutex
	children []*Child
}

// NewGroup returns a group whose Wait watches at most size children at a
// time.
func NewGroup(cfg Config, size int) (*Group, error) {
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("fork group: %w", err)
	}
	return &Group{cfg: cfg, pool: pool}, nil
}

// Start is StartWithConfig with the group's config; the child joins the group.
func (g *Group) Start(ctx context.Context, name string, objects ...Inheritable) (*Child, error) {
	c, err := StartWithConfig(ctx, g.cfg, name, objects...)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.children = append(g.children, c)
	g.mu.Unlock()
	return c, nil
}

// Children returns the children started so far.
func (g *Group) Children() []*Child {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Child(nil), g.children...)
}

// Wait blocks until every child has exited and joins their errors.
func (g *Group) Wait() error {
	children := g.Children()
	errs := make([]error, len(children))
	var wg sync.WaitGroup
	for i, c := range children {
		wg.Add(1)
		err := g.pool.Submit(func() {
			defer wg.Done()
			if err := c.Wait(); err != nil {
				errs[i] = fmt.Errorf("%s (pid %d): %w", c.Name(), c.Pid(), err)
			}
		})
		if err != nil {
			wg.Done()
			errs[i] = err
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

// LivenessCheck fails once any child has exited with an error.
func (g *Group) LivenessCheck() healthcheck.Check {
	return func() error {
		for _, c := range g.Children() {
			if exited, err := c.Exited(); exited && err != nil {
				return fmt.Errorf("%s (pid %d): %w", c.Name(), c.Pid(), err)
			}
		}
		return nil
	}
}

// Release frees the group's worker pool. Children keep running.
func (g *Group) Release() {
	g.pool.Release()
}
