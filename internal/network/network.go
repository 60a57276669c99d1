package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"netcoord/internal/message"
)

var log = logging.MustGetLogger("network")

var (
	// ErrUnknownNode is returned when delivering to an unregistered node.
	ErrUnknownNode = errors.New("unknown node")
	// ErrDuplicateNode is returned when registering an id twice.
	ErrDuplicateNode = errors.New("node already registered")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("network closed")
	// ErrFIFOViolation reports a message observed out of link order.
	ErrFIFOViolation = errors.New("fifo violation")
)

// Receiver is a registered endpoint. Receive must not block; the receiver
// calls done once it has fully processed msg.
type Receiver interface {
	ID() message.ID
	Receive(msg message.Message, done func())
}

// Option configures a Network.
type Option func(*Network)

// WithDelay sets the asynchronous per-message delay range.
func WithDelay(min, max time.Duration) Option {
	return func(n *Network) {
		n.minDelay = min
		n.maxDelay = max
	}
}

// WithManualDelivery holds messages on their links until Step or Drain.
func WithManualDelivery() Option {
	return func(n *Network) { n.manual = true }
}

// WithSeed fixes the random source used for delays and Drain scheduling.
func WithSeed(seed int64) Option {
	return func(n *Network) { n.rng = rand.New(rand.NewSource(seed)) }
}

type linkKey struct {
	from, to message.ID
}

// Network routes messages between registered receivers.
type Network struct {
	mu        sync.Mutex
	nodes     map[message.ID]Receiver
	neighbors map[message.ID][]message.ID
	inbound   map[message.ID][]message.ID
	links     map[linkKey]*link

	manual   bool
	minDelay time.Duration
	maxDelay time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	// pending counts messages accepted by Deliver whose receiver has not
	// finished processing them.
	pending int64
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// New creates a network with a fixed outgoing adjacency.
func New(neighbors map[message.ID][]message.ID, opts ...Option) *Network {
	n := &Network{
		nodes:     make(map[message.ID]Receiver),
		neighbors: make(map[message.ID][]message.ID, len(neighbors)),
		inbound:   make(map[message.ID][]message.ID),
		links:     make(map[linkKey]*link),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		closing:   make(chan struct{}),
	}
	for from, list := range neighbors {
		n.neighbors[from] = append([]message.ID(nil), list...)
		for _, to := range list {
			n.inbound[to] = append(n.inbound[to], from)
		}
	}
	for id := range n.inbound {
		sort.Slice(n.inbound[id], func(i, j int) bool { return n.inbound[id][i] < n.inbound[id][j] })
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Register adds a receiver.
func (n *Network) Register(r Receiver) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if _, exists := n.nodes[r.ID()]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateNode, r.ID())
	}
	n.nodes[r.ID()] = r
	return nil
}

// NeighborsOf returns the outgoing adjacency of id.
func (n *Network) NeighborsOf(id message.ID) []message.ID {
	return append([]message.ID(nil), n.neighbors[id]...)
}

// InboundOf returns the nodes with a link into id, in ascending order.
func (n *Network) InboundOf(id message.ID) []message.ID {
	return append([]message.ID(nil), n.inbound[id]...)
}

// IsNeighbor reports whether from has an outgoing link to to.
func (n *Network) IsNeighbor(from, to message.ID) bool {
	for _, id := range n.neighbors[from] {
		if id == to {
			return true
		}
	}
	return false
}

// Deliver appends msg to the link msg.From -> to.
func (n *Network) Deliver(msg message.Message, to message.ID) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	r, ok := n.nodes[to]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownNode, to)
	}
	l := n.linkLocked(msg.From, to, r)
	n.pending++
	n.mu.Unlock()

	msg.To = to
	l.push(msg)
	return nil
}

func (n *Network) linkLocked(from, to message.ID, r Receiver) *link {
	key := linkKey{from: from, to: to}
	l, ok := n.links[key]
	if ok {
		return l
	}
	l = newLink(from, to, r)
	n.links[key] = l
	if !n.manual {
		n.wg.Add(1)
		go n.runLink(l)
	}
	return l
}

// runLink hands messages of one link to its receiver in order.
func (n *Network) runLink(l *link) {
	defer n.wg.Done()

	for {
		msg, ok := l.pop()
		if !ok {
			select {
			case <-l.wake:
				continue
			case <-n.closing:
				return
			}
		}

		if d := n.delay(); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-n.closing:
				t.Stop()
				return
			}
		}
		n.handOff(l, msg)
	}
}

func (n *Network) handOff(l *link, msg message.Message) {
	log.Debugf("[%d] deliver %s", l.to, msg)
	l.receiver.Receive(msg, n.processed)
}

func (n *Network) processed() {
	n.mu.Lock()
	n.pending--
	n.mu.Unlock()
}

func (n *Network) delay() time.Duration {
	if n.maxDelay <= 0 {
		return 0
	}
	span := int64(n.maxDelay - n.minDelay)
	if span <= 0 {
		return n.minDelay
	}
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.minDelay + time.Duration(n.rng.Int63n(span+1))
}

// Pending returns the number of messages not yet processed by their receiver.
func (n *Network) Pending() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pending
}

// Quiesce waits until every delivered message has been processed.
// In manual mode only messages already handed off are waited for.
func (n *Network) Quiesce(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		if n.settled() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("network did not quiesce (%d pending): %w", n.Pending(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (n *Network) settled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.manual {
		return n.pending == 0
	}
	var queued int64
	for _, l := range n.links {
		queued += int64(l.len())
	}
	return n.pending == queued
}

// Step hands the oldest message on from -> to to its receiver. It reports
// false if the link is empty. Only meaningful in manual mode.
func (n *Network) Step(from, to message.ID) bool {
	n.mu.Lock()
	l, ok := n.links[linkKey{from: from, to: to}]
	n.mu.Unlock()
	if !ok {
		return false
	}
	msg, ok := l.pop()
	if !ok {
		return false
	}
	n.handOff(l, msg)
	return true
}

// Queued returns the number of messages waiting on from -> to.
func (n *Network) Queued(from, to message.ID) int {
	n.mu.Lock()
	l, ok := n.links[linkKey{from: from, to: to}]
	n.mu.Unlock()
	if !ok {
		return 0
	}
	return l.len()
}

// Drain delivers every queued message, one at a time from a randomly chosen
// non-empty link, waiting for each to be processed before choosing the
// next, until the network is idle.
func (n *Network) Drain(ctx context.Context) error {
	for {
		if err := n.Quiesce(ctx); err != nil {
			return err
		}
		ready := n.nonEmptyLinks()
		if len(ready) == 0 {
			return nil
		}
		n.rngMu.Lock()
		k := ready[n.rng.Intn(len(ready))]
		n.rngMu.Unlock()
		n.Step(k.from, k.to)
	}
}

func (n *Network) nonEmptyLinks() []linkKey {
	n.mu.Lock()
	defer n.mu.Unlock()

	keys := make([]linkKey, 0, len(n.links))
	for k, l := range n.links {
		if l.len() > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].from != keys[j].from {
			return keys[i].from < keys[j].from
		}
		return keys[i].to < keys[j].to
	})
	return keys
}

// Close stops all link goroutines. Undelivered messages are discarded.
func (n *Network) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.closing)
	n.mu.Unlock()

	n.wg.Wait()
}
