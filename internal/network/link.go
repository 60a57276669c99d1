package network

import (
	"sync"

	"netcoord/internal/message"
)

// link is the FIFO queue for one ordered pair of nodes.
type link struct {
	from, to message.ID
	receiver Receiver

	mu    sync.Mutex
	seq   uint64
	queue []message.Message
	wake  chan struct{}
}

func newLink(from, to message.ID, r Receiver) *link {
	return &link{
		from:     from,
		to:       to,
		receiver: r,
		wake:     make(chan struct{}, 1),
	}
}

// push stamps the link sequence and enqueues msg.
func (l *link) push(msg message.Message) {
	l.mu.Lock()
	l.seq++
	msg.LinkSeq = l.seq
	l.queue = append(l.queue, msg)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *link) pop() (message.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return message.Message{}, false
	}
	msg := l.queue[0]
	l.queue[0] = message.Message{}
	l.queue = l.queue[1:]
	return msg, true
}

func (l *link) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
