package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/op/go-logging"

	"netcoord/internal/clock"
	"netcoord/internal/config"
	"netcoord/internal/message"
	"netcoord/internal/mutex"
	"netcoord/internal/network"
	"netcoord/internal/snapshot"
	"netcoord/internal/termination"
)

var log = logging.MustGetLogger("node")

var (
	// ErrInvariant wraps protocol invariant violations.
	ErrInvariant = errors.New("protocol invariant violated")
	// ErrUnknownMessageKind is logged for messages no module handles.
	ErrUnknownMessageKind = errors.New("unknown message kind")
	// ErrNotNeighbor is returned when sending application data off the adjacency.
	ErrNotNeighbor = errors.New("destination is not a neighbor")
	// ErrStopped is returned by commands issued to a stopped node.
	ErrStopped = errors.New("node stopped")
)

// Transport delivers messages between nodes.
type Transport interface {
	Deliver(msg message.Message, to message.ID) error
	NeighborsOf(id message.ID) []message.ID
	InboundOf(id message.ID) []message.ID
	IsNeighbor(from, to message.ID) bool
}

// ApplyFunc folds an application message into the node state.
type ApplyFunc func(state any, msg message.Message) any

// Options configures a Node. Zero values select defaults.
type Options struct {
	// Participants is the number of nodes in the system.
	Participants int
	Discipline   config.Discipline
	// TreeParent is the neighbor toward the initial token holder. The
	// root passes its own id.
	TreeParent   message.ID
	InitialState any
	Apply        ApplyFunc

	OnSnapshot  func(snapshot.Record)
	OnTerminate func()
	OnEvent     func(Event)
	// OnInvariant receives invariant violations. The default panics.
	OnInvariant func(error)
}

// Node is one simulated process.
type Node struct {
	id        message.ID
	net       Transport
	neighbors []message.ID
	opts      Options
	mb        *mailbox

	// Owned by the processing loop.
	state   any
	vc      *clock.VectorClock
	fifo    *network.SequenceChecker
	appSent map[message.ID]uint64
	appRecv map[message.ID]uint64
	snap    *snapshot.Coordinator
	mx      mutex.Mutex
	term    *termination.Detector
	waiter  *accessWaiter
	// backlog holds messages, in send order, for destinations that have
	// not registered yet.
	backlog map[message.ID][]message.Message

	backlogged atomic.Int64

	errMu sync.Mutex
	err   error

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	life      context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type accessWaiter struct {
	entered   chan struct{}
	abandoned bool
}

// New creates a node. Call Start before delivering messages.
func New(id message.ID, net Transport, opts Options) *Node {
	if opts.Participants <= int(id) {
		opts.Participants = int(id) + 1
	}
	if opts.OnInvariant == nil {
		opts.OnInvariant = func(err error) { panic(err) }
	}

	n := &Node{
		id:        id,
		net:       net,
		neighbors: net.NeighborsOf(id),
		opts:      opts,
		mb:        newMailbox(),
		state:     opts.InitialState,
		vc:        clock.NewVectorClock(int(id), opts.Participants),
		fifo:      network.NewSequenceChecker(),
		appSent:   make(map[message.ID]uint64),
		appRecv:   make(map[message.ID]uint64),
		backlog:   make(map[message.ID][]message.Message),
		stop:      make(chan struct{}),
	}
	n.life, n.cancel = context.WithCancel(context.Background())

	out := outbox{n: n}
	n.snap = snapshot.NewCoordinator(id, net.InboundOf(id), n.neighbors, out, n.captureLocal)
	n.snap.OnRelease(n.apply)
	n.snap.OnFinish(func(r snapshot.Record) {
		if n.opts.OnSnapshot != nil {
			n.opts.OnSnapshot(r)
		}
	})

	switch opts.Discipline {
	case config.Voting:
		all := make([]message.ID, opts.Participants)
		for i := range all {
			all[i] = message.ID(i)
		}
		n.mx = mutex.NewVoting(id, all, out, n.onEnter)
	default:
		n.mx = mutex.NewTree(id, opts.TreeParent, out, n.onEnter)
	}

	n.term = termination.New(id, out)
	n.term.OnTerminate(func() {
		if n.opts.OnTerminate != nil {
			n.opts.OnTerminate()
		}
	})
	return n
}

// ID returns the node id.
func (n *Node) ID() message.ID {
	return n.id
}

// Start launches the processing loop.
func (n *Node) Start() {
	n.startOnce.Do(func() {
		n.wg.Add(1)
		go n.run()
	})
}

// Stop terminates the processing loop and waits for it to exit.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.cancel()
		close(n.stop)
		n.wg.Wait()
		n.mb.close()
	})
}

func (n *Node) run() {
	defer n.wg.Done()
	log.Debugf("[%d] node started", n.id)

	for {
		select {
		case <-n.stop:
			log.Debugf("[%d] node stopped", n.id)
			return
		case <-n.mb.notify:
			for _, t := range n.mb.take() {
				t.run()
			}
		}
	}
}

// Receive queues msg for processing. It implements network.Receiver.
func (n *Node) Receive(msg message.Message, done func()) {
	posted := n.mb.postTask(task{
		run: func() {
			defer done()
			n.handle(msg)
		},
		drop: done,
	})
	if !posted {
		done()
	}
}

// do runs f on the processing loop and waits for its result.
func (n *Node) do(ctx context.Context, f func() error) error {
	result := make(chan error, 1)
	if !n.mb.post(func() { result <- f() }) {
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stop:
		return ErrStopped
	}
}

func (n *Node) handle(msg message.Message) {
	if err := n.fifo.Check(msg); err != nil {
		n.invariant(err)
		return
	}
	if err := n.vc.Receive(msg.Vector); err != nil {
		n.invariant(fmt.Errorf("message %s: %w", msg, err))
		return
	}
	n.emit(EventReceive, msg)

	var err error
	switch msg.Kind {
	case message.Marker:
		err = n.snap.OnMarker(msg.From)
	case message.Application:
		n.appRecv[msg.From]++
		if n.snap.OnApplication(msg) {
			n.apply(msg)
		}
	case message.Request, message.Reply, message.Token:
		err = n.mx.Receive(msg)
	case message.TerminationSignal:
		err = n.term.Receive(msg)
	default:
		log.Warningf("[%d] dropping %s: %v", n.id, msg, ErrUnknownMessageKind)
		return
	}
	if err != nil {
		n.invariant(err)
	}
}

func (n *Node) apply(msg message.Message) {
	if n.opts.Apply == nil {
		return
	}
	n.state = n.opts.Apply(n.state, msg)
}

// invariant records the first violation and reports it.
func (n *Node) invariant(err error) {
	err = fmt.Errorf("%w: node %d: %w", ErrInvariant, n.id, err)
	log.Criticalf("%v", err)

	n.errMu.Lock()
	if n.err == nil {
		n.err = err
	}
	n.errMu.Unlock()
	n.opts.OnInvariant(err)
}

// Err returns the first invariant violation observed, if any.
func (n *Node) Err() error {
	n.errMu.Lock()
	defer n.errMu.Unlock()
	return n.err
}

// send stamps and delivers a protocol message.
func (n *Node) send(to message.ID, kind message.Kind, body any) error {
	msg := message.Message{
		Kind:   kind,
		From:   n.id,
		Vector: n.vc.Send(),
		Body:   body,
	}
	if kind == message.Application {
		n.appSent[to]++
		msg.Seq = n.appSent[to]
	}
	msg.To = to

	if q, ok := n.backlog[to]; ok {
		n.backlog[to] = append(q, msg)
		n.backlogged.Add(1)
		n.emit(EventSend, msg)
		return nil
	}

	err := n.net.Deliver(msg, to)
	if errors.Is(err, network.ErrUnknownNode) && int(to) >= 0 && int(to) < n.opts.Participants {
		log.Warningf("[%d] node %d is not registered yet, holding %s", n.id, to, kind)
		n.backlog[to] = []message.Message{msg}
		n.backlogged.Add(1)
		n.wg.Add(1)
		go n.redeliver(to)
		err = nil
	}
	if err != nil {
		if kind == message.Application {
			n.appSent[to]--
		}
		log.Errorf("[%d] delivery of %s to %d failed: %v", n.id, kind, to, err)
		return err
	}
	n.emit(EventSend, msg)
	return nil
}

// Backlog returns the number of messages held for unregistered
// destinations.
func (n *Node) Backlog() int {
	return int(n.backlogged.Load())
}

func (n *Node) redeliver(to message.ID) {
	defer n.wg.Done()

	b := network.NewBackoff(time.Millisecond, 50*time.Millisecond, int64(n.id))
	err := network.Redeliver(n.life, b, func() error {
		return n.do(n.life, func() error { return n.flushBacklog(to) })
	})
	if err != nil {
		log.Warningf("[%d] redelivery to %d abandoned: %v", n.id, to, err)
	}
}

// flushBacklog hands held messages for to to the network in order.
func (n *Node) flushBacklog(to message.ID) error {
	q := n.backlog[to]
	for len(q) > 0 {
		err := n.net.Deliver(q[0], to)
		if errors.Is(err, network.ErrUnknownNode) {
			n.backlog[to] = q
			return err
		}
		if err != nil {
			log.Errorf("[%d] dropping held %s to %d: %v", n.id, q[0].Kind, to, err)
		}
		q = q[1:]
		n.backlogged.Add(-1)
	}
	delete(n.backlog, to)
	log.Infof("[%d] delivered held messages to %d", n.id, to)
	return nil
}

type outbox struct {
	n *Node
}

func (o outbox) Send(to message.ID, kind message.Kind, body any) error {
	return o.n.send(to, kind, body)
}

func (n *Node) captureLocal() snapshot.Local {
	return snapshot.Local{
		State:    n.state,
		Vector:   n.vc.Now(),
		Sent:     n.appSent,
		Received: n.appRecv,
	}
}

func (n *Node) onEnter() {
	w := n.waiter
	n.waiter = nil
	if w == nil {
		return
	}
	if w.abandoned {
		log.Infof("[%d] releasing critical section for abandoned request", n.id)
		n.mb.post(func() { n.leave() })
		return
	}
	close(w.entered)
}

func (n *Node) leave() {
	if !n.mx.InCriticalSection() {
		return
	}
	if err := n.mx.LeaveCriticalSection(); err != nil {
		log.Errorf("[%d] leave critical section: %v", n.id, err)
	}
}

func (n *Node) localEvent() {
	n.vc.Tick()
	n.emit(EventLocal, message.Message{From: n.id, To: n.id})
}
