package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"netcoord/internal/config"
	"netcoord/internal/message"
	"netcoord/internal/snapshot"
)

// ErrOverlap reports two nodes inside their critical sections at once.
var ErrOverlap = errors.New("critical sections overlapped")

// CountApplied is an apply function counting application messages.
func CountApplied(state any, _ message.Message) any {
	n, _ := state.(int)
	return n + 1
}

// SnapshotScenario has every node send perNode application messages round
// robin to its neighbors while initiator takes a snapshot halfway through.
func (c *Cluster) SnapshotScenario(ctx context.Context, initiator message.ID, perNode int) (snapshot.Global, error) {
	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		sendErr error
	)
	half := make(chan struct{})
	var halfOnce sync.Once

	for _, n := range c.nodes {
		n := n
		neighbors := c.net.NeighborsOf(n.ID())
		if len(neighbors) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perNode; i++ {
				if i == perNode/2 && n.ID() == initiator {
					halfOnce.Do(func() { close(half) })
				}
				to := neighbors[i%len(neighbors)]
				if err := n.Send(ctx, to, fmt.Sprintf("%d#%d", n.ID(), i)); err != nil {
					errMu.Lock()
					sendErr = errors.Join(sendErr, err)
					errMu.Unlock()
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		halfOnce.Do(func() { close(half) })
	}()

	select {
	case <-half:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	g, err := c.Snapshot(ctx, initiator)
	wg.Wait()
	if err != nil {
		return g, err
	}
	if sendErr != nil {
		return g, sendErr
	}
	return g, c.Settle(ctx)
}

// MutexScenario has every node enter and leave its critical section rounds
// times concurrently. It returns the order of entries.
func (c *Cluster) MutexScenario(ctx context.Context, rounds int) ([]message.ID, error) {
	var (
		inside int32
		mu     sync.Mutex
		order  []message.ID
		errs   []error
		wg     sync.WaitGroup
	)
	for _, n := range c.nodes {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if err := n.RequestAccess(ctx); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("node %d request: %w", n.ID(), err))
					mu.Unlock()
					return
				}
				if atomic.AddInt32(&inside, 1) != 1 {
					mu.Lock()
					errs = append(errs, fmt.Errorf("%w: node %d entered", ErrOverlap, n.ID()))
					mu.Unlock()
				}
				mu.Lock()
				order = append(order, n.ID())
				mu.Unlock()
				atomic.AddInt32(&inside, -1)

				if err := n.LeaveCriticalSection(ctx); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("node %d leave: %w", n.ID(), err))
					mu.Unlock()
					return
				}
			}
		}()
	}

	if c.cfg.Mode != config.Manual {
		wg.Wait()
		return order, errors.Join(errs...)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	err := c.waitFor(ctx, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	})
	if err != nil {
		return order, err
	}
	return order, errors.Join(errs...)
}

// TerminationScenario starts a computation at root that activates every
// other node, lets each finish its task, and waits for the root to detect
// termination.
func (c *Cluster) TerminationScenario(ctx context.Context, root message.ID) error {
	r, err := c.Node(root)
	if err != nil {
		return err
	}
	if err := r.StartComputation(ctx); err != nil {
		return err
	}
	for _, n := range c.nodes {
		if n.ID() == root {
			continue
		}
		if err := r.Activate(ctx, n.ID()); err != nil {
			return err
		}
	}
	if err := r.ProcessTask(ctx); err != nil {
		return err
	}
	if err := c.Settle(ctx); err != nil {
		return err
	}
	for _, n := range c.nodes {
		if n.ID() == root {
			continue
		}
		if err := n.ProcessTask(ctx); err != nil {
			return fmt.Errorf("node %d: %w", n.ID(), err)
		}
	}
	return c.WaitTerminated(ctx, root)
}
