package node

import (
	"netcoord/internal/clock"
	"netcoord/internal/message"
)

// EventKind classifies an observed event.
type EventKind int

const (
	// EventLocal is a local state change.
	EventLocal EventKind = iota
	// EventSend is a message handed to the network.
	EventSend
	// EventReceive is a message taken from the network.
	EventReceive
)

// Event is reported to Options.OnEvent from the processing loop, after the
// vector clock has been updated.
type Event struct {
	Node    message.ID
	Kind    EventKind
	Message message.Message
	Vector  clock.Vector
}

func (n *Node) emit(kind EventKind, msg message.Message) {
	if n.opts.OnEvent == nil {
		return
	}
	n.opts.OnEvent(Event{Node: n.id, Kind: kind, Message: msg, Vector: n.vc.Now()})
}
