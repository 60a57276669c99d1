package mutex

import (
	"fmt"

	"netcoord/internal/message"
)

// Tree is Raymond's token algorithm. holder always points at the tree
// neighbor in the direction of the token, or at self when the node holds it.
// Each node keeps a FIFO queue of neighbors (and possibly itself) waiting for
// the token and has at most one request outstanding toward holder.
type Tree struct {
	self    message.ID
	holder  message.ID
	using   bool
	asked   bool
	queue   []message.ID
	out     Sender
	onEnter func()
}

// NewTree creates the tree discipline for self. parent is the neighbor toward
// the initial token holder; the root passes its own id.
func NewTree(self, parent message.ID, out Sender, onEnter func()) *Tree {
	return &Tree{
		self:    self,
		holder:  parent,
		out:     out,
		onEnter: onEnter,
	}
}

// RequestAccess queues self and either enters or asks toward the token.
func (t *Tree) RequestAccess() error {
	if t.using || t.queued(t.self) {
		return fmt.Errorf("%w: node %d", ErrAlreadyRequested, t.self)
	}
	t.queue = append(t.queue, t.self)
	return t.advance()
}

// Receive handles Request and Token messages.
func (t *Tree) Receive(msg message.Message) error {
	switch msg.Kind {
	case message.Request:
		if !t.queued(msg.From) {
			t.queue = append(t.queue, msg.From)
		}
		return t.advance()
	case message.Token:
		if t.holder == t.self {
			return fmt.Errorf("%w: node %d from %d", ErrDuplicateToken, t.self, msg.From)
		}
		if len(t.queue) == 0 {
			return fmt.Errorf("%w: node %d from %d", ErrOutOfOrderToken, t.self, msg.From)
		}
		log.Debugf("[%d] token received from %d", t.self, msg.From)
		t.holder = t.self
		return t.advance()
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Kind)
	}
}

// LeaveCriticalSection passes the token to the next waiter, if any.
func (t *Tree) LeaveCriticalSection() error {
	if !t.using {
		return fmt.Errorf("%w: node %d", ErrNotInCriticalSection, t.self)
	}
	t.using = false
	log.Debugf("[%d] left critical section", t.self)
	return t.advance()
}

// InCriticalSection reports whether the node is using the token.
func (t *Tree) InCriticalSection() bool {
	return t.using
}

// HoldsToken reports whether the token is at this node.
func (t *Tree) HoldsToken() bool {
	return t.holder == t.self
}

// Status describes the current state.
func (t *Tree) Status() Status {
	return Status{
		Discipline: "tree",
		InCS:       t.using,
		Requesting: t.queued(t.self),
		HoldsToken: t.holder == t.self,
		Holder:     t.holder,
		Queue:      append([]message.ID{}, t.queue...),
	}
}

func (t *Tree) advance() error {
	t.assignPrivilege()
	return t.makeRequest()
}

// assignPrivilege hands the idle token to the head of the queue.
func (t *Tree) assignPrivilege() {
	if t.holder != t.self || t.using || len(t.queue) == 0 {
		return
	}
	head := t.queue[0]
	t.queue = t.queue[1:]
	t.asked = false

	if head == t.self {
		t.using = true
		log.Infof("[%d] entered critical section", t.self)
		if t.onEnter != nil {
			t.onEnter()
		}
		return
	}

	t.holder = head
	if err := t.out.Send(head, message.Token, nil); err != nil {
		log.Errorf("[%d] failed to pass token to %d: %v", t.self, head, err)
	}
}

// makeRequest asks holder for the token on behalf of the queue.
func (t *Tree) makeRequest() error {
	if t.holder == t.self || len(t.queue) == 0 || t.asked {
		return nil
	}
	t.asked = true
	if err := t.out.Send(t.holder, message.Request, message.RequestBody{}); err != nil {
		return fmt.Errorf("request to %d: %w", t.holder, err)
	}
	return nil
}

func (t *Tree) queued(id message.ID) bool {
	for _, q := range t.queue {
		if q == id {
			return true
		}
	}
	return false
}
