package mutex

import (
	"errors"

	logging "github.com/op/go-logging"

	"netcoord/internal/message"
)

var log = logging.MustGetLogger("mutex")

var (
	// ErrDuplicateToken reports a token arriving at a node that already holds one.
	ErrDuplicateToken = errors.New("token received while already holding it")
	// ErrOutOfOrderToken reports a token granted to a node with no queued request.
	ErrOutOfOrderToken = errors.New("token received with no pending request")
	// ErrUnexpectedReply reports a reply with no matching pending request.
	ErrUnexpectedReply = errors.New("reply received with no pending request")
	// ErrNotInCriticalSection is returned by LeaveCriticalSection outside the section.
	ErrNotInCriticalSection = errors.New("not in critical section")
	// ErrAlreadyRequested is returned when a node requests access twice.
	ErrAlreadyRequested = errors.New("access already requested")
	// ErrUnexpectedMessage reports a message kind the discipline does not handle.
	ErrUnexpectedMessage = errors.New("unexpected message for mutex")
)

// Sender emits protocol messages on behalf of the owning node.
type Sender interface {
	Send(to message.ID, kind message.Kind, body any) error
}

// Mutex is the capability set shared by both disciplines. Implementations
// are not safe for concurrent use; the node calls them from its processing
// loop.
type Mutex interface {
	// RequestAccess asks for the critical section. Entry is signalled
	// through the callback given at construction, possibly before
	// RequestAccess returns.
	RequestAccess() error
	// Receive handles a Request, Reply or Token message.
	Receive(msg message.Message) error
	// LeaveCriticalSection releases the critical section.
	LeaveCriticalSection() error
	// InCriticalSection reports whether the node is inside its critical section.
	InCriticalSection() bool
	// Status describes the current state.
	Status() Status
}

// Status is a read-only view of a mutex.
type Status struct {
	Discipline string
	InCS       bool
	Requesting bool
	// HoldsToken and Holder are set by the tree discipline.
	HoldsToken bool
	Holder     message.ID
	Queue      []message.ID
	// Clock and Replies are set by the voting discipline.
	Clock   int64
	Replies int
}
