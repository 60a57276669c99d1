package snapshot

import (
	"errors"
	"fmt"
	"sort"

	"netcoord/internal/clock"
	"netcoord/internal/message"
)

// ErrInconsistent is wrapped by every Verify failure.
var ErrInconsistent = errors.New("inconsistent snapshot")

// Record is one node's share of a global snapshot.
type Record struct {
	Node   message.ID
	State  any
	Vector clock.Vector
	// Sent and Received count application messages per link at capture time.
	Sent     map[message.ID]uint64
	Received map[message.ID]uint64
	// Channels holds, per incoming link, the messages that were in flight.
	Channels map[message.ID][]message.Message
}

// Copy returns a deep copy. Application state is treated as a value.
func (r Record) Copy() Record {
	out := r
	out.Vector = r.Vector.Copy()
	out.Sent = copyCounts(r.Sent)
	out.Received = copyCounts(r.Received)
	out.Channels = make(map[message.ID][]message.Message, len(r.Channels))
	for k, msgs := range r.Channels {
		out.Channels[k] = append([]message.Message{}, msgs...)
	}
	return out
}

// InFlight returns the total number of recorded channel messages.
func (r Record) InFlight() int {
	n := 0
	for _, msgs := range r.Channels {
		n += len(msgs)
	}
	return n
}

// Global is the union of every node's record.
type Global map[message.ID]Record

// Nodes returns the ids in ascending order.
func (g Global) Nodes() []message.ID {
	ids := make([]message.ID, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Verify checks that the snapshot is a consistent cut: no message is
// received before the cut but sent after it, and every channel record holds
// exactly the messages sent before the sender's cut and received after the
// receiver's, in order.
func (g Global) Verify() error {
	for _, rid := range g.Nodes() {
		r := g[rid]
		senders := make([]message.ID, 0, len(r.Channels))
		for sid := range r.Channels {
			senders = append(senders, sid)
		}
		sort.Slice(senders, func(i, j int) bool { return senders[i] < senders[j] })

		for _, sid := range senders {
			s, ok := g[sid]
			if !ok {
				return fmt.Errorf("%w: missing record for node %d", ErrInconsistent, sid)
			}
			sent, recv := s.Sent[rid], r.Received[sid]
			if recv > sent {
				return fmt.Errorf("%w: link %d->%d received %d but sender recorded %d sent",
					ErrInconsistent, sid, rid, recv, sent)
			}
			ch := r.Channels[sid]
			if uint64(len(ch)) != sent-recv {
				return fmt.Errorf("%w: link %d->%d channel holds %d message(s), expected %d",
					ErrInconsistent, sid, rid, len(ch), sent-recv)
			}
			for i, m := range ch {
				if want := recv + uint64(i) + 1; m.Seq != want {
					return fmt.Errorf("%w: link %d->%d channel position %d has seq %d, expected %d",
						ErrInconsistent, sid, rid, i, m.Seq, want)
				}
				if s.Vector.HappenedBefore(m.Vector) {
					return fmt.Errorf("%w: link %d->%d seq %d was sent after the sender's cut %v",
						ErrInconsistent, sid, rid, m.Seq, s.Vector)
				}
			}
		}
	}
	return nil
}
