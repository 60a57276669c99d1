package node

import (
	"context"
	"fmt"

	"netcoord/internal/clock"
	"netcoord/internal/message"
	"netcoord/internal/mutex"
	"netcoord/internal/snapshot"
	"netcoord/internal/termination"
)

// UpdateState replaces the application state.
func (n *Node) UpdateState(ctx context.Context, state any) error {
	return n.do(ctx, func() error {
		n.state = state
		n.localEvent()
		return nil
	})
}

// State returns the application state.
func (n *Node) State(ctx context.Context) (any, error) {
	var state any
	err := n.do(ctx, func() error {
		state = n.state
		return nil
	})
	return state, err
}

// Send delivers an application message to a neighbor.
func (n *Node) Send(ctx context.Context, to message.ID, body any) error {
	if !n.net.IsNeighbor(n.id, to) {
		return fmt.Errorf("%w: %d->%d", ErrNotNeighbor, n.id, to)
	}
	return n.do(ctx, func() error {
		return n.send(to, message.Application, body)
	})
}

// Sync returns once every message and command queued before it has been
// processed.
func (n *Node) Sync(ctx context.Context) error {
	return n.do(ctx, func() error { return nil })
}

// InitiateSnapshot starts a global snapshot at this node.
func (n *Node) InitiateSnapshot(ctx context.Context) error {
	return n.do(ctx, n.snap.Initiate)
}

// SnapshotRecord returns the local record, if the local state was captured,
// and the coordinator state.
func (n *Node) SnapshotRecord(ctx context.Context) (snapshot.Record, snapshot.State, error) {
	var (
		rec   snapshot.Record
		state snapshot.State
	)
	err := n.do(ctx, func() error {
		rec, _ = n.snap.Record()
		state = n.snap.State()
		return nil
	})
	return rec, state, err
}

// RequestAccess blocks until the node is inside its critical section.
// If ctx ends first the request stays in the protocol and the section is
// released as soon as it is granted.
func (n *Node) RequestAccess(ctx context.Context) error {
	w := &accessWaiter{entered: make(chan struct{})}
	err := n.do(ctx, func() error {
		if n.waiter != nil {
			return fmt.Errorf("%w: node %d", mutex.ErrAlreadyRequested, n.id)
		}
		n.waiter = w
		if err := n.mx.RequestAccess(); err != nil {
			if n.waiter == w {
				n.waiter = nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	select {
	case <-w.entered:
		return nil
	case <-ctx.Done():
	case <-n.stop:
		return ErrStopped
	}

	select {
	case <-w.entered:
		return nil
	default:
	}
	n.mb.post(func() {
		if n.waiter == w {
			w.abandoned = true
			return
		}
		// Granted after the caller gave up.
		n.leave()
	})
	return ctx.Err()
}

// LeaveCriticalSection releases the critical section.
func (n *Node) LeaveCriticalSection(ctx context.Context) error {
	return n.do(ctx, n.mx.LeaveCriticalSection)
}

// InCriticalSection reports whether the node is inside its critical section.
func (n *Node) InCriticalSection(ctx context.Context) (bool, error) {
	var in bool
	err := n.do(ctx, func() error {
		in = n.mx.InCriticalSection()
		return nil
	})
	return in, err
}

// StartComputation makes this node the root of a new diffusing computation.
func (n *Node) StartComputation(ctx context.Context) error {
	return n.do(ctx, n.term.Start)
}

// Activate hands work to another node on behalf of the computation.
func (n *Node) Activate(ctx context.Context, to message.ID) error {
	return n.do(ctx, func() error { return n.term.Activate(to) })
}

// ProcessTask completes this node's local work.
func (n *Node) ProcessTask(ctx context.Context) error {
	return n.do(ctx, func() error {
		if err := n.term.ProcessTask(); err != nil {
			return err
		}
		n.localEvent()
		return nil
	})
}

// Status is a point-in-time view of a node.
type Status struct {
	ID          message.ID
	State       any
	Vector      clock.Vector
	Neighbors   []message.ID
	Snapshot    snapshot.State
	Mutex       mutex.Status
	Termination termination.Status
	Err         error
}

// Status returns a consistent view of the node.
func (n *Node) Status(ctx context.Context) (Status, error) {
	var st Status
	err := n.do(ctx, func() error {
		st = Status{
			ID:          n.id,
			State:       n.state,
			Vector:      n.vc.Now(),
			Neighbors:   append([]message.ID(nil), n.neighbors...),
			Snapshot:    n.snap.State(),
			Mutex:       n.mx.Status(),
			Termination: n.term.Status(),
			Err:         n.Err(),
		}
		return nil
	})
	return st, err
}
