// Package termination implements Dijkstra-Scholten termination detection.
// Work spreads from a root as a tree of activations: the first node to
// activate an idle node becomes its parent. Every activation owes the sender
// one completion signal, so a node reports to its parent only once it is
// passive and every activation it issued has been acknowledged. The root
// observes termination of the whole computation when the same holds for it.
package termination

import (
	"errors"
	"fmt"
	"sort"

	logging "github.com/op/go-logging"

	"netcoord/internal/message"
)

var log = logging.MustGetLogger("termination")

var (
	// ErrNotActive is returned when a passive node tries to do work.
	ErrNotActive = errors.New("node is not active")
	// ErrAlreadyEngaged is returned by Start on a node that is part of a computation.
	ErrAlreadyEngaged = errors.New("node already engaged in a computation")
	// ErrUnknownChild reports a completion from a node owing no signal.
	ErrUnknownChild = errors.New("completion from node with no outstanding activation")
)

// Sender emits protocol messages on behalf of the owning node.
type Sender interface {
	Send(to message.ID, kind message.Kind, body any) error
}

// Detector tracks one node's part in the activation tree. It is not safe for
// concurrent use; the node calls it from its processing loop.
type Detector struct {
	self       message.ID
	parent     message.ID
	hasParent  bool
	children   map[message.ID]int
	active     bool
	root       bool
	terminated bool

	out         Sender
	onTerminate func()
}

// New creates a passive detector.
func New(self message.ID, out Sender) *Detector {
	return &Detector{
		self:     self,
		children: make(map[message.ID]int),
		out:      out,
	}
}

// OnTerminate registers the callback fired at the root when the computation ends.
func (d *Detector) OnTerminate(f func()) {
	d.onTerminate = f
}

// Start makes this node the active root of a new computation.
func (d *Detector) Start() error {
	if d.engaged() {
		return fmt.Errorf("%w: node %d", ErrAlreadyEngaged, d.self)
	}
	d.root = true
	d.active = true
	d.terminated = false
	log.Infof("[%d] computation started", d.self)
	return nil
}

// Activate hands work to another node. Only an active node may do so.
func (d *Detector) Activate(to message.ID) error {
	if !d.active {
		return fmt.Errorf("%w: node %d", ErrNotActive, d.self)
	}
	d.children[to]++
	if err := d.out.Send(to, message.TerminationSignal, message.TerminationBody{Phase: message.Activate}); err != nil {
		d.dropCredit(to)
		return fmt.Errorf("activate %d: %w", to, err)
	}
	return nil
}

// ProcessTask finishes the local work and becomes passive.
func (d *Detector) ProcessTask() error {
	if !d.active {
		return fmt.Errorf("%w: node %d", ErrNotActive, d.self)
	}
	d.active = false
	return d.checkTermination()
}

// Receive handles a TerminationSignal.
func (d *Detector) Receive(msg message.Message) error {
	body, ok := msg.Body.(message.TerminationBody)
	if !ok {
		return fmt.Errorf("termination signal from %d without phase", msg.From)
	}

	switch body.Phase {
	case message.Activate:
		if d.engaged() {
			d.active = true
			return d.signal(msg.From)
		}
		d.parent = msg.From
		d.hasParent = true
		d.active = true
		log.Debugf("[%d] activated by %d", d.self, msg.From)
		return nil
	case message.Complete:
		if d.children[msg.From] == 0 {
			return fmt.Errorf("%w: %d at node %d", ErrUnknownChild, msg.From, d.self)
		}
		d.dropCredit(msg.From)
		return d.checkTermination()
	default:
		return fmt.Errorf("unknown termination phase %v from %d", body.Phase, msg.From)
	}
}

// checkTermination reports to the parent, or concludes at the root, once
// the node is passive with no outstanding activations.
func (d *Detector) checkTermination() error {
	if d.active || len(d.children) > 0 {
		return nil
	}
	if d.hasParent {
		parent := d.parent
		d.hasParent = false
		log.Debugf("[%d] subtree done, signalling %d", d.self, parent)
		return d.signal(parent)
	}
	if d.root {
		d.root = false
		d.terminated = true
		log.Infof("[%d] computation terminated", d.self)
		if d.onTerminate != nil {
			d.onTerminate()
		}
	}
	return nil
}

func (d *Detector) signal(to message.ID) error {
	if err := d.out.Send(to, message.TerminationSignal, message.TerminationBody{Phase: message.Complete}); err != nil {
		return fmt.Errorf("complete to %d: %w", to, err)
	}
	return nil
}

func (d *Detector) dropCredit(id message.ID) {
	d.children[id]--
	if d.children[id] <= 0 {
		delete(d.children, id)
	}
}

func (d *Detector) engaged() bool {
	return d.active || d.hasParent || d.root || len(d.children) > 0
}

// Status is a read-only view of a detector.
type Status struct {
	Active     bool
	Root       bool
	Terminated bool
	Parent     message.ID
	HasParent  bool
	Children   []message.ID
}

// Status describes the current state.
func (d *Detector) Status() Status {
	children := make([]message.ID, 0, len(d.children))
	for id := range d.children {
		children = append(children, id)
	}
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	return Status{
		Active:     d.active,
		Root:       d.root,
		Terminated: d.terminated,
		Parent:     d.parent,
		HasParent:  d.hasParent,
		Children:   children,
	}
}

// Terminated reports whether the computation rooted here has ended.
func (d *Detector) Terminated() bool {
	return d.terminated
}
