package node

import "sync"

// task is one queued closure. drop, if set, runs instead of run when the
// mailbox closes before the task is taken.
type task struct {
	run  func()
	drop func()
}

// mailbox is an unbounded FIFO of closures. Posting never blocks so the
// network can hand off messages from its link goroutines.
type mailbox struct {
	mu     sync.Mutex
	queue  []task
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// post enqueues run. It reports false once the mailbox is closed.
func (m *mailbox) post(run func()) bool {
	return m.postTask(task{run: run})
}

func (m *mailbox) postTask(t task) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, t)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// take removes every queued task.
func (m *mailbox) take() []task {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.queue
	m.queue = nil
	return ts
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// close rejects further posts and runs the drop hook of every task still
// queued.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	ts := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, t := range ts {
		if t.drop != nil {
			t.drop()
		}
	}
}
