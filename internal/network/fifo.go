package network

import (
	"fmt"

	"netcoord/internal/message"
)

// SequenceChecker verifies on the receiving side that each inbound link
// delivers consecutive link sequence numbers. It is not safe for concurrent
// use; a node calls it from its own processing loop.
type SequenceChecker struct {
	last map[message.ID]uint64
}

// NewSequenceChecker creates an empty checker.
func NewSequenceChecker() *SequenceChecker {
	return &SequenceChecker{last: make(map[message.ID]uint64)}
}

// Check accepts msg if it is the next message on its link.
func (c *SequenceChecker) Check(msg message.Message) error {
	want := c.last[msg.From] + 1
	if msg.LinkSeq != want {
		return fmt.Errorf("%w: link %d->%d expected seq %d, got %d",
			ErrFIFOViolation, msg.From, msg.To, want, msg.LinkSeq)
	}
	c.last[msg.From] = msg.LinkSeq
	return nil
}
