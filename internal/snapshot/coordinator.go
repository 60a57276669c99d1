package snapshot

import (
	"errors"
	"fmt"

	logging "github.com/op/go-logging"

	"netcoord/internal/clock"
	"netcoord/internal/message"
)

var log = logging.MustGetLogger("snapshot")

var (
	// ErrSnapshotInProgress is returned by Initiate once a snapshot has started.
	ErrSnapshotInProgress = errors.New("snapshot already started")
	// ErrUnexpectedMarker reports a marker from a node with no link to us.
	ErrUnexpectedMarker = errors.New("marker from unknown incoming link")
)

// State is the coordinator state.
type State int

const (
	// NoSnapshot means the local state has not been captured.
	NoSnapshot State = iota
	// Recording means the local state is captured and some incoming
	// channels are still open.
	Recording
	// Done means every incoming channel has delivered its marker.
	Done
)

func (s State) String() string {
	switch s {
	case NoSnapshot:
		return "no-snapshot"
	case Recording:
		return "recording"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sender emits protocol messages on behalf of the owning node.
type Sender interface {
	Send(to message.ID, kind message.Kind, body any) error
}

// Local is the node state captured when the snapshot is taken.
type Local struct {
	State    any
	Vector   clock.Vector
	Sent     map[message.ID]uint64
	Received map[message.ID]uint64
}

// Coordinator runs the snapshot protocol for one node. It is not safe for
// concurrent use; the node calls it from its processing loop.
type Coordinator struct {
	self     message.ID
	inbound  []message.ID
	outbound []message.ID
	out      Sender
	capture  func() Local

	state     State
	record    Record
	closed    map[message.ID]bool
	onFinish  func(Record)
	onRelease func(message.Message)
}

// NewCoordinator creates a coordinator. capture is called exactly once, at
// the moment the local snapshot is taken.
func NewCoordinator(self message.ID, inbound, outbound []message.ID, out Sender, capture func() Local) *Coordinator {
	return &Coordinator{
		self:     self,
		inbound:  append([]message.ID(nil), inbound...),
		outbound: append([]message.ID(nil), outbound...),
		out:      out,
		capture:  capture,
		closed:   make(map[message.ID]bool),
	}
}

// OnFinish registers a callback invoked once when the coordinator reaches Done.
func (c *Coordinator) OnFinish(f func(Record)) {
	c.onFinish = f
}

// OnRelease registers a callback receiving, in link order, the messages
// held back on a channel once that channel's marker arrives.
func (c *Coordinator) OnRelease(f func(message.Message)) {
	c.onRelease = f
}

// State returns the current state.
func (c *Coordinator) State() State {
	return c.state
}

// Complete reports whether every incoming channel is closed.
func (c *Coordinator) Complete() bool {
	return c.state == Done
}

// Record returns a copy of the record once the local state is captured.
func (c *Coordinator) Record() (Record, bool) {
	if c.state == NoSnapshot {
		return Record{}, false
	}
	return c.record.Copy(), true
}

// Initiate starts a snapshot at this node.
func (c *Coordinator) Initiate() error {
	if c.state != NoSnapshot {
		return fmt.Errorf("%w: node %d is %s", ErrSnapshotInProgress, c.self, c.state)
	}
	log.Infof("[%d] initiating snapshot", c.self)
	return c.takeLocal()
}

// OnMarker handles a marker received from an incoming neighbor.
func (c *Coordinator) OnMarker(from message.ID) error {
	if !c.isInbound(from) {
		return fmt.Errorf("%w: %d->%d", ErrUnexpectedMarker, from, c.self)
	}

	if c.state == NoSnapshot {
		if err := c.takeLocal(); err != nil {
			return err
		}
		c.closeChannel(from)
		return nil
	}

	if c.closed[from] {
		log.Debugf("[%d] duplicate marker from %d ignored", c.self, from)
		return nil
	}
	c.closeChannel(from)
	return nil
}

// OnApplication decides the fate of an application message. It returns true
// if the message should be applied to the node state now, false if it was
// diverted into the channel record. Diverted messages are handed to the
// release callback when the channel closes.
func (c *Coordinator) OnApplication(msg message.Message) bool {
	if c.state != Recording || c.closed[msg.From] || !c.isInbound(msg.From) {
		return true
	}
	c.record.Channels[msg.From] = append(c.record.Channels[msg.From], msg)
	return false
}

func (c *Coordinator) takeLocal() error {
	local := c.capture()
	c.record = Record{
		Node:     c.self,
		State:    local.State,
		Vector:   local.Vector.Copy(),
		Sent:     copyCounts(local.Sent),
		Received: copyCounts(local.Received),
		Channels: make(map[message.ID][]message.Message, len(c.inbound)),
	}
	for _, id := range c.inbound {
		c.record.Channels[id] = []message.Message{}
	}
	c.state = Recording

	var errs []error
	for _, to := range c.outbound {
		if err := c.out.Send(to, message.Marker, nil); err != nil {
			errs = append(errs, fmt.Errorf("marker to %d: %w", to, err))
		}
	}
	c.maybeFinish()
	return errors.Join(errs...)
}

func (c *Coordinator) closeChannel(from message.ID) {
	c.closed[from] = true
	held := c.record.Channels[from]
	log.Debugf("[%d] channel %d closed with %d message(s)", c.self, from, len(held))
	if c.onRelease != nil {
		for _, m := range held {
			c.onRelease(m)
		}
	}
	c.maybeFinish()
}

func (c *Coordinator) maybeFinish() {
	if c.state != Recording {
		return
	}
	for _, id := range c.inbound {
		if !c.closed[id] {
			return
		}
	}
	c.state = Done
	log.Infof("[%d] snapshot complete", c.self)
	if c.onFinish != nil {
		c.onFinish(c.record.Copy())
	}
}

func (c *Coordinator) isInbound(id message.ID) bool {
	for _, in := range c.inbound {
		if in == id {
			return true
		}
	}
	return false
}

func copyCounts(m map[message.ID]uint64) map[message.ID]uint64 {
	out := make(map[message.ID]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
