package mutex

import (
	"fmt"
	"sort"

	"netcoord/internal/clock"
	"netcoord/internal/message"
)

type request struct {
	ts int64
	id message.ID
}

func (r request) less(o request) bool {
	return clock.TotalOrderLess(r.ts, int(r.id), o.ts, int(o.id))
}

// Voting is the Ricart-Agrawala algorithm. A node replies to a request at
// once unless its own pending request is ordered first, in which case the
// reply is withheld until it leaves the critical section.
type Voting struct {
	self         message.ID
	participants []message.ID
	clock        clock.Lamport
	queue        []request
	pending      *request
	replies      int
	inCS         bool
	withheld     map[message.ID]bool
	out          Sender
	onEnter      func()
}

// NewVoting creates the voting discipline for self among participants,
// which must include self.
func NewVoting(self message.ID, participants []message.ID, out Sender, onEnter func()) *Voting {
	return &Voting{
		self:         self,
		participants: append([]message.ID(nil), participants...),
		withheld:     make(map[message.ID]bool),
		out:          out,
		onEnter:      onEnter,
	}
}

// RequestAccess timestamps a request and broadcasts it to every other participant.
func (v *Voting) RequestAccess() error {
	if v.pending != nil {
		return fmt.Errorf("%w: node %d", ErrAlreadyRequested, v.self)
	}

	own := request{ts: v.clock.Tick(), id: v.self}
	v.insert(own)
	v.pending = &own
	v.replies = 0
	log.Debugf("[%d] requesting access at ts=%d", v.self, own.ts)

	if len(v.participants) <= 1 {
		v.enter()
		return nil
	}

	var firstErr error
	for _, p := range v.participants {
		if p == v.self {
			continue
		}
		if err := v.out.Send(p, message.Request, message.RequestBody{Timestamp: own.ts}); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("request to %d: %w", p, err)
		}
	}
	return firstErr
}

// Receive handles Request and Reply messages.
func (v *Voting) Receive(msg message.Message) error {
	switch msg.Kind {
	case message.Request:
		body, ok := msg.Body.(message.RequestBody)
		if !ok {
			return fmt.Errorf("%w: request without timestamp from %d", ErrUnexpectedMessage, msg.From)
		}
		return v.receiveRequest(request{ts: body.Timestamp, id: msg.From})
	case message.Reply:
		return v.receiveReply(msg.From)
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Kind)
	}
}

func (v *Voting) receiveRequest(r request) error {
	v.clock.Receive(r.ts)
	v.insert(r)

	if v.inCS || (v.pending != nil && v.pending.less(r)) {
		log.Debugf("[%d] withholding reply to %d (ts=%d)", v.self, r.id, r.ts)
		v.withheld[r.id] = true
		return nil
	}
	v.remove(r.id)
	return v.reply(r.id)
}

func (v *Voting) receiveReply(from message.ID) error {
	if v.pending == nil || v.inCS {
		return fmt.Errorf("%w: node %d from %d", ErrUnexpectedReply, v.self, from)
	}
	v.replies++
	if v.replies == len(v.participants)-1 {
		v.enter()
	}
	return nil
}

// LeaveCriticalSection releases the section and sends every withheld reply
// in queue order.
func (v *Voting) LeaveCriticalSection() error {
	if !v.inCS {
		return fmt.Errorf("%w: node %d", ErrNotInCriticalSection, v.self)
	}
	v.inCS = false
	v.replies = 0
	v.pending = nil
	v.remove(v.self)
	log.Debugf("[%d] left critical section", v.self)

	var firstErr error
	for len(v.queue) > 0 {
		head := v.queue[0]
		if !v.withheld[head.id] {
			break
		}
		v.queue = v.queue[1:]
		delete(v.withheld, head.id)
		if err := v.reply(head.id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// InCriticalSection reports whether the node is inside its critical section.
func (v *Voting) InCriticalSection() bool {
	return v.inCS
}

// Status describes the current state.
func (v *Voting) Status() Status {
	queue := make([]message.ID, 0, len(v.queue))
	for _, r := range v.queue {
		queue = append(queue, r.id)
	}
	return Status{
		Discipline: "voting",
		InCS:       v.inCS,
		Requesting: v.pending != nil,
		Queue:      queue,
		Clock:      v.clock.Value(),
		Replies:    v.replies,
	}
}

func (v *Voting) enter() {
	v.inCS = true
	log.Infof("[%d] entered critical section", v.self)
	if v.onEnter != nil {
		v.onEnter()
	}
}

func (v *Voting) reply(to message.ID) error {
	if err := v.out.Send(to, message.Reply, nil); err != nil {
		return fmt.Errorf("reply to %d: %w", to, err)
	}
	return nil
}

// insert keeps the queue sorted by (timestamp, id), one entry per node.
func (v *Voting) insert(r request) {
	v.remove(r.id)
	i := sort.Search(len(v.queue), func(i int) bool { return r.less(v.queue[i]) })
	v.queue = append(v.queue, request{})
	copy(v.queue[i+1:], v.queue[i:])
	v.queue[i] = r
}

func (v *Voting) remove(id message.ID) {
	for i, r := range v.queue {
		if r.id == id {
			v.queue = append(v.queue[:i], v.queue[i+1:]...)
			return
		}
	}
}
