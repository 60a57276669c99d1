package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"netcoord/internal/message"
)

// Discipline selects the mutual exclusion algorithm for a run.
type Discipline string

const (
	// Tree is token passing over a spanning tree.
	Tree Discipline = "tree"
	// Voting is timestamp-ordered unanimous consent.
	Voting Discipline = "voting"
)

// Mode selects how the network schedules delivery.
type Mode string

const (
	// Async delivers on per-link goroutines after a random delay.
	Async Mode = "async"
	// Manual holds messages until the caller steps a link.
	Manual Mode = "manual"
)

// ErrInvalidTopology is wrapped by every Validate failure.
var ErrInvalidTopology = errors.New("invalid topology")

// Config holds the simulation configuration.
type Config struct {
	Nodes      int
	Neighbors  map[message.ID][]message.ID
	Parents    map[message.ID]message.ID
	Discipline Discipline
	Mode       Mode
	MinDelay   time.Duration
	MaxDelay   time.Duration
	LogLevel   string
	// InspectAddr is the listen address of the inspector; empty disables it.
	InspectAddr string
}

// Default returns a 3-node ring using the tree discipline.
func Default() *Config {
	return &Config{
		Nodes:      3,
		Neighbors:  Ring(3),
		Discipline: Tree,
		Mode:       Async,
		MinDelay:   0,
		MaxDelay:   5 * time.Millisecond,
		LogLevel:   "INFO",
	}
}

// Load builds a configuration from defaults, an optional env file and the
// NETCOORD_* environment. A missing env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if v := os.Getenv("NETCOORD_NODES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid NETCOORD_NODES: %w", err)
		}
		cfg.Nodes = n
		cfg.Neighbors = Ring(n)
	}
	if v := os.Getenv("NETCOORD_TOPOLOGY"); v != "" {
		nb, err := ParseTopology(v, cfg.Nodes)
		if err != nil {
			return nil, err
		}
		cfg.Neighbors = nb
	}
	if v := os.Getenv("NETCOORD_PARENTS"); v != "" {
		p, err := ParseParents(v)
		if err != nil {
			return nil, err
		}
		cfg.Parents = p
	}
	if v := os.Getenv("NETCOORD_MUTEX"); v != "" {
		d, err := ParseDiscipline(v)
		if err != nil {
			return nil, err
		}
		cfg.Discipline = d
	}
	if v := os.Getenv("NETCOORD_MODE"); v != "" {
		m, err := ParseMode(v)
		if err != nil {
			return nil, err
		}
		cfg.Mode = m
	}
	for key, dst := range map[string]*time.Duration{
		"NETCOORD_MIN_DELAY": &cfg.MinDelay,
		"NETCOORD_MAX_DELAY": &cfg.MaxDelay,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}
	if v := os.Getenv("NETCOORD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("NETCOORD_INSPECT_ADDR"); v != "" {
		cfg.InspectAddr = v
	}
	return cfg, nil
}

// ParseTopology accepts "ring", "complete" or an explicit neighbor list.
func ParseTopology(s string, n int) (map[message.ID][]message.ID, error) {
	switch strings.TrimSpace(s) {
	case "ring":
		return Ring(n), nil
	case "complete":
		return Complete(n), nil
	default:
		return ParseNeighbors(s)
	}
}

// ParseNeighbors parses outgoing adjacency in the format:
// "0=1|2,1=2,2=0"
func ParseNeighbors(s string) (map[message.ID][]message.ID, error) {
	out := make(map[message.ID][]message.ID)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid neighbor format: %s (expected id=id|id)", part)
		}
		from, err := parseID(kv[0])
		if err != nil {
			return nil, fmt.Errorf("invalid neighbor entry %s: %w", part, err)
		}
		if _, dup := out[from]; dup {
			return nil, fmt.Errorf("duplicate neighbor entry for node %d", from)
		}

		list := []message.ID{}
		for _, t := range strings.Split(kv[1], "|") {
			if strings.TrimSpace(t) == "" {
				continue
			}
			to, err := parseID(t)
			if err != nil {
				return nil, fmt.Errorf("invalid neighbor entry %s: %w", part, err)
			}
			list = append(list, to)
		}
		out[from] = list
	}
	return out, nil
}

// ParseParents parses tree parent edges in the format "child=parent,...".
// The root is the node without an entry.
func ParseParents(s string) (map[message.ID]message.ID, error) {
	out := make(map[message.ID]message.ID)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid parent format: %s (expected child=parent)", part)
		}
		child, err := parseID(kv[0])
		if err != nil {
			return nil, fmt.Errorf("invalid parent entry %s: %w", part, err)
		}
		parent, err := parseID(kv[1])
		if err != nil {
			return nil, fmt.Errorf("invalid parent entry %s: %w", part, err)
		}
		if _, dup := out[child]; dup {
			return nil, fmt.Errorf("duplicate parent entry for node %d", child)
		}
		out[child] = parent
	}
	return out, nil
}

// ParseDiscipline parses "tree" or "voting".
func ParseDiscipline(s string) (Discipline, error) {
	switch d := Discipline(strings.ToLower(strings.TrimSpace(s))); d {
	case Tree, Voting:
		return d, nil
	default:
		return "", fmt.Errorf("unknown mutex discipline: %s (expected tree or voting)", s)
	}
}

// ParseMode parses "async" or "manual".
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case Async, Manual:
		return m, nil
	default:
		return "", fmt.Errorf("unknown network mode: %s (expected async or manual)", s)
	}
}

func parseID(s string) (message.ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("node ID cannot be empty")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("node ID must be an integer: %s", s)
	}
	return message.ID(n), nil
}

// Ring returns the unidirectional ring 0->1->...->n-1->0.
func Ring(n int) map[message.ID][]message.ID {
	out := make(map[message.ID][]message.ID, n)
	for i := 0; i < n; i++ {
		if n == 1 {
			out[message.ID(i)] = []message.ID{}
			continue
		}
		out[message.ID(i)] = []message.ID{message.ID((i + 1) % n)}
	}
	return out
}

// Complete returns the complete directed graph on n nodes.
func Complete(n int) map[message.ID][]message.ID {
	out := make(map[message.ID][]message.ID, n)
	for i := 0; i < n; i++ {
		list := make([]message.ID, 0, n-1)
		for j := 0; j < n; j++ {
			if i != j {
				list = append(list, message.ID(j))
			}
		}
		out[message.ID(i)] = list
	}
	return out
}

// TreeParents returns the configured parents, or a breadth-first spanning
// tree rooted at node 0 over the undirected adjacency when none are set.
// Nodes unreachable from 0 hang directly off the root.
func (c *Config) TreeParents() map[message.ID]message.ID {
	if len(c.Parents) > 0 {
		out := make(map[message.ID]message.ID, len(c.Parents))
		for k, v := range c.Parents {
			out[k] = v
		}
		return out
	}

	undirected := make(map[message.ID][]message.ID)
	for from, list := range c.Neighbors {
		for _, to := range list {
			undirected[from] = append(undirected[from], to)
			undirected[to] = append(undirected[to], from)
		}
	}
	for id := range undirected {
		sort.Slice(undirected[id], func(i, j int) bool { return undirected[id][i] < undirected[id][j] })
	}

	parents := make(map[message.ID]message.ID)
	if c.Nodes == 0 {
		return parents
	}
	seen := map[message.ID]bool{0: true}
	queue := []message.ID{0}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range undirected[cur] {
			if !seen[next] {
				seen[next] = true
				parents[next] = cur
				queue = append(queue, next)
			}
		}
	}
	for i := 1; i < c.Nodes; i++ {
		if !seen[message.ID(i)] {
			parents[message.ID(i)] = 0
		}
	}
	return parents
}

// Validate checks the configuration before any node is built.
func (c *Config) Validate() error {
	if c.Nodes < 1 {
		return fmt.Errorf("%w: need at least one node, got %d", ErrInvalidTopology, c.Nodes)
	}
	known := func(id message.ID) bool { return id >= 0 && int(id) < c.Nodes }

	for from, list := range c.Neighbors {
		if !known(from) {
			return fmt.Errorf("%w: unknown node %d in adjacency", ErrInvalidTopology, from)
		}
		seen := make(map[message.ID]bool, len(list))
		for _, to := range list {
			if to == from {
				return fmt.Errorf("%w: node %d is its own neighbor", ErrInvalidTopology, from)
			}
			if !known(to) {
				return fmt.Errorf("%w: node %d lists unknown neighbor %d", ErrInvalidTopology, from, to)
			}
			if seen[to] {
				return fmt.Errorf("%w: node %d lists neighbor %d twice", ErrInvalidTopology, from, to)
			}
			seen[to] = true
		}
	}

	if err := c.checkConnected(); err != nil {
		return err
	}

	switch c.Discipline {
	case Tree:
		if err := validateTree(c.Nodes, c.TreeParents()); err != nil {
			return err
		}
	case Voting:
	default:
		return fmt.Errorf("unknown mutex discipline: %q", c.Discipline)
	}

	switch c.Mode {
	case Async, Manual:
	default:
		return fmt.Errorf("unknown network mode: %q", c.Mode)
	}
	if c.MinDelay < 0 || c.MaxDelay < c.MinDelay {
		return fmt.Errorf("invalid delay range [%s, %s]", c.MinDelay, c.MaxDelay)
	}
	return nil
}

// validateTree requires exactly one root and no cycles among n nodes.
// checkConnected requires every node to reach, and be reached from, node 0
// over the links. Markers of a snapshot started anywhere then reach every
// node and close every incoming channel.
func (c *Config) checkConnected() error {
	reverse := make(map[message.ID][]message.ID)
	for from, list := range c.Neighbors {
		for _, to := range list {
			reverse[to] = append(reverse[to], from)
		}
	}
	if id, ok := unreached(c.Nodes, c.Neighbors); !ok {
		return fmt.Errorf("%w: node %d is not reachable from node 0", ErrInvalidTopology, id)
	}
	if id, ok := unreached(c.Nodes, reverse); !ok {
		return fmt.Errorf("%w: node %d cannot reach node 0", ErrInvalidTopology, id)
	}
	return nil
}

// unreached walks adj from node 0 and returns the lowest id it misses.
func unreached(n int, adj map[message.ID][]message.ID) (message.ID, bool) {
	seen := make([]bool, n)
	seen[0] = true
	stack := []message.ID{0}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[cur] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	for i, ok := range seen {
		if !ok {
			return message.ID(i), false
		}
	}
	return 0, true
}

func validateTree(n int, parents map[message.ID]message.ID) error {
	for child, parent := range parents {
		if child < 0 || int(child) >= n || parent < 0 || int(parent) >= n {
			return fmt.Errorf("%w: parent edge %d->%d references unknown node", ErrInvalidTopology, child, parent)
		}
		if child == parent {
			return fmt.Errorf("%w: node %d is its own parent", ErrInvalidTopology, child)
		}
	}
	if roots := n - len(parents); roots != 1 {
		return fmt.Errorf("%w: parent graph must have exactly one root, found %d", ErrInvalidTopology, roots)
	}

	for i := 0; i < n; i++ {
		cur := message.ID(i)
		for steps := 0; ; steps++ {
			p, ok := parents[cur]
			if !ok {
				break
			}
			if steps >= n {
				return fmt.Errorf("%w: parent graph has a cycle through node %d", ErrInvalidTopology, i)
			}
			cur = p
		}
	}
	return nil
}

// Root returns the node without a parent.
func Root(n int, parents map[message.ID]message.ID) message.ID {
	for i := 0; i < n; i++ {
		if _, ok := parents[message.ID(i)]; !ok {
			return message.ID(i)
		}
	}
	return 0
}
