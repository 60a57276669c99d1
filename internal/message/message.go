package message

import (
	"fmt"

	"netcoord/internal/clock"
)

// ID identifies a node. Valid ids are 0..n-1.
type ID int

// Kind tags the payload a message carries.
type Kind int

const (
	// Marker is a snapshot marker.
	Marker Kind = iota + 1
	// Application is ordinary application traffic.
	Application
	// Request asks for the critical section.
	Request
	// Reply grants permission in the voting discipline.
	Reply
	// Token transfers the privilege in the tree discipline.
	Token
	// TerminationSignal carries termination detection control traffic.
	TerminationSignal
)

func (k Kind) String() string {
	switch k {
	case Marker:
		return "MARKER"
	case Application:
		return "APPLICATION"
	case Request:
		return "REQUEST"
	case Reply:
		return "REPLY"
	case Token:
		return "TOKEN"
	case TerminationSignal:
		return "TERMINATION"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Message is the unit delivered over a link.
type Message struct {
	Kind   Kind
	From   ID
	To     ID
	Vector clock.Vector
	// Seq numbers application messages per (From, To) link starting at 1.
	Seq uint64
	// LinkSeq is stamped by the network on every message of a link.
	LinkSeq uint64
	Body    any
}

func (m Message) String() string {
	return fmt.Sprintf("%s %d->%d seq=%d vc=%v", m.Kind, m.From, m.To, m.LinkSeq, m.Vector)
}

// RequestBody is carried by Request messages. Timestamp is the requester's
// Lamport time and is zero in the tree discipline.
type RequestBody struct {
	Timestamp int64
}

// Phase distinguishes the two termination signals.
type Phase int

const (
	// Activate hands work to the recipient.
	Activate Phase = iota + 1
	// Complete reports a finished subtree to the parent.
	Complete
)

func (p Phase) String() string {
	switch p {
	case Activate:
		return "activate"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// TerminationBody is carried by TerminationSignal messages.
type TerminationBody struct {
	Phase Phase
}
