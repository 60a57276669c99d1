package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"netcoord/internal/config"
	"netcoord/internal/message"
	"netcoord/internal/network"
	"netcoord/internal/node"
	"netcoord/internal/snapshot"
)

var log = logging.MustGetLogger("cluster")

// ErrUnknownNode is returned for ids outside the cluster.
var ErrUnknownNode = errors.New("unknown node")

// Option customizes a Cluster.
type Option func(*Cluster)

// WithApply sets how nodes fold application messages into their state.
func WithApply(f node.ApplyFunc) Option {
	return func(c *Cluster) { c.apply = f }
}

// WithInitialState sets each node's initial application state.
func WithInitialState(f func(id message.ID) any) Option {
	return func(c *Cluster) { c.initial = f }
}

// WithInvariantHandler replaces the default panic on invariant violations.
func WithInvariantHandler(f func(error)) Option {
	return func(c *Cluster) { c.onInvariant = f }
}

// WithSeed fixes the network's random source.
func WithSeed(seed int64) Option {
	return func(c *Cluster) { c.seed = &seed }
}

// Cluster owns the network and every node of a simulation.
type Cluster struct {
	cfg     *config.Config
	net     *network.Network
	nodes   []*node.Node
	archive *snapshot.Archive
	started time.Time

	apply       node.ApplyFunc
	initial     func(id message.ID) any
	onInvariant func(error)
	seed        *int64

	tokenRoot message.ID

	mu           sync.Mutex
	joined       []bool
	terminations []message.ID
	stopOnce     sync.Once
}

// New validates cfg and builds the cluster. Nodes are not running until Start.
func New(cfg *config.Config, opts ...Option) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Cluster{
		cfg:     cfg,
		archive: snapshot.NewArchive(),
	}
	for _, opt := range opts {
		opt(c)
	}

	netOpts := []network.Option{network.WithDelay(cfg.MinDelay, cfg.MaxDelay)}
	if cfg.Mode == config.Manual {
		netOpts = append(netOpts, network.WithManualDelivery())
	}
	if c.seed != nil {
		netOpts = append(netOpts, network.WithSeed(*c.seed))
	}
	c.net = network.New(cfg.Neighbors, netOpts...)

	parents := cfg.TreeParents()
	for i := 0; i < cfg.Nodes; i++ {
		id := message.ID(i)
		parent, ok := parents[id]
		if !ok {
			parent = id
		}
		var initial any
		if c.initial != nil {
			initial = c.initial(id)
		}

		n := node.New(id, c.net, node.Options{
			Participants: cfg.Nodes,
			Discipline:   cfg.Discipline,
			TreeParent:   parent,
			InitialState: initial,
			Apply:        c.apply,
			OnSnapshot:   c.archive.Put,
			OnTerminate:  func() { c.recordTermination(id) },
			OnInvariant:  c.onInvariant,
		})
		c.nodes = append(c.nodes, n)
	}
	c.joined = make([]bool, len(c.nodes))
	if cfg.Discipline == config.Tree {
		c.tokenRoot = config.Root(cfg.Nodes, parents)
		log.Debugf("token tree rooted at %d", c.tokenRoot)
	}
	return c, nil
}

// StartNode registers one node with the network and launches it. Messages
// other nodes send it before that are held by the senders and redelivered.
func (c *Cluster) StartNode(id message.ID) error {
	n, err := c.Node(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined[id] {
		return nil
	}
	if c.started.IsZero() {
		c.started = time.Now()
	}
	if err := c.net.Register(n); err != nil {
		return fmt.Errorf("failed to register node %d: %w", id, err)
	}
	n.Start()
	c.joined[id] = true
	return nil
}

// Start registers and launches the nodes not started yet, one at a time in
// id order.
func (c *Cluster) Start() {
	for _, n := range c.nodes {
		if err := c.StartNode(n.ID()); err != nil {
			log.Errorf("%v", err)
		}
	}
	log.Infof("started %d node(s), %s mutex, %s delivery", len(c.nodes), c.cfg.Discipline, c.cfg.Mode)
}

// TokenRoot returns the initial token holder of the tree discipline.
func (c *Cluster) TokenRoot() (message.ID, bool) {
	return c.tokenRoot, c.cfg.Discipline == config.Tree
}

// Stop shuts down the network and every node.
func (c *Cluster) Stop() {
	c.stopOnce.Do(func() {
		c.net.Close()
		for _, n := range c.nodes {
			n.Stop()
		}
		log.Infof("stopped")
	})
}

// Config returns the configuration the cluster was built from.
func (c *Cluster) Config() *config.Config {
	return c.cfg
}

// Network returns the underlying network.
func (c *Cluster) Network() *network.Network {
	return c.net
}

// Archive returns the snapshot archive.
func (c *Cluster) Archive() *snapshot.Archive {
	return c.archive
}

// Uptime returns the time since Start.
func (c *Cluster) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

// Size returns the number of nodes.
func (c *Cluster) Size() int {
	return len(c.nodes)
}

// Node returns a node by id.
func (c *Cluster) Node(id message.ID) (*node.Node, error) {
	if id < 0 || int(id) >= len(c.nodes) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return c.nodes[id], nil
}

// Nodes returns every node in id order.
func (c *Cluster) Nodes() []*node.Node {
	return append([]*node.Node(nil), c.nodes...)
}

// Settle waits until no message is pending or held for a node that has
// not started. In manual mode it delivers everything still queued.
func (c *Cluster) Settle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		if err := c.settleNetwork(ctx); err != nil {
			return err
		}
		if c.backlog() == 0 {
			// A last flush may have handed messages to the network.
			return c.settleNetwork(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Cluster) settleNetwork(ctx context.Context) error {
	if c.cfg.Mode == config.Manual {
		return c.net.Drain(ctx)
	}
	return c.net.Quiesce(ctx)
}

func (c *Cluster) backlog() int {
	total := 0
	for _, n := range c.nodes {
		total += n.Backlog()
	}
	return total
}

// Snapshot runs a global snapshot from initiator and returns the verified
// result once every node has finished recording.
func (c *Cluster) Snapshot(ctx context.Context, initiator message.ID) (snapshot.Global, error) {
	n, err := c.Node(initiator)
	if err != nil {
		return nil, err
	}
	if err := n.InitiateSnapshot(ctx); err != nil {
		return nil, err
	}
	if err := c.waitFor(ctx, func() bool { return c.archive.Len() == len(c.nodes) }); err != nil {
		return nil, fmt.Errorf("snapshot did not complete: %w", err)
	}

	g := c.archive.Global()
	if err := g.Verify(); err != nil {
		return g, err
	}
	return g, nil
}

// Terminations returns the roots whose computations have terminated, in order.
func (c *Cluster) Terminations() []message.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message.ID(nil), c.terminations...)
}

func (c *Cluster) recordTermination(id message.ID) {
	c.mu.Lock()
	c.terminations = append(c.terminations, id)
	c.mu.Unlock()
	log.Infof("computation rooted at %d terminated", id)
}

// WaitTerminated waits until the computation rooted at root has terminated.
func (c *Cluster) WaitTerminated(ctx context.Context, root message.ID) error {
	return c.waitFor(ctx, func() bool {
		for _, id := range c.Terminations() {
			if id == root {
				return true
			}
		}
		return false
	})
}

// waitFor polls cond, delivering queued messages between polls in manual mode.
func (c *Cluster) waitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		if c.cfg.Mode == config.Manual {
			if err := c.net.Drain(ctx); err != nil {
				return err
			}
		}
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Errors returns the first invariant violation of each node that saw one.
func (c *Cluster) Errors() []error {
	var errs []error
	for _, n := range c.nodes {
		if err := n.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
