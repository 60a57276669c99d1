package clock

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrLengthMismatch is returned when merging vectors of different sizes.
var ErrLengthMismatch = errors.New("vector length mismatch")

// Vector is a vector timestamp indexed by node id.
// Thread-safe operations should be handled by the caller.
type Vector []int64

// NewVector creates a zero vector for n nodes.
func NewVector(n int) Vector {
	return make(Vector, n)
}

// Get returns the counter for the given node, or 0 if out of range.
func (v Vector) Get(id int) int64 {
	if id < 0 || id >= len(v) {
		return 0
	}
	return v[id]
}

// Merge merges another vector into this one, taking the maximum
// counter per entry.
func (v Vector) Merge(other Vector) error {
	if len(v) != len(other) {
		return fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(v), len(other))
	}
	for i, c := range other {
		if v[i] < c {
			v[i] = c
		}
	}
	return nil
}

// Copy creates a deep copy of the vector.
func (v Vector) Copy() Vector {
	if v == nil {
		return nil
	}
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// CompareResult represents the result of comparing two vector timestamps.
type CompareResult int

const (
	// Before indicates this timestamp happened before the other.
	Before CompareResult = iota
	// After indicates this timestamp happened after the other.
	After
	// Concurrent indicates no causal relationship.
	Concurrent
	// Equal indicates the timestamps are equal.
	Equal
)

func (r CompareResult) String() string {
	switch r {
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	case Equal:
		return "equal"
	default:
		return fmt.Sprintf("CompareResult(%d)", int(r))
	}
}

// Compare compares two vectors and returns their relationship.
// Entries missing from the shorter vector count as zero.
//   - Equal: all counters are equal
//   - Before: all counters <=, at least one <
//   - After: all counters >=, at least one >
//   - Concurrent: neither dominates
func (v Vector) Compare(other Vector) CompareResult {
	n := len(v)
	if len(other) > n {
		n = len(other)
	}

	var thisLess, thisGreater bool
	for i := 0; i < n; i++ {
		a, b := v.Get(i), other.Get(i)
		if a < b {
			thisLess = true
		} else if a > b {
			thisGreater = true
		}
	}

	switch {
	case !thisLess && !thisGreater:
		return Equal
	case thisLess && !thisGreater:
		return Before
	case thisGreater && !thisLess:
		return After
	default:
		return Concurrent
	}
}

// Equal checks if two vectors are equal.
func (v Vector) Equal(other Vector) bool {
	return v.Compare(other) == Equal
}

// HappenedBefore reports whether v causally precedes other.
func (v Vector) HappenedBefore(other Vector) bool {
	return v.Compare(other) == Before
}

// String returns "[1 0 2]".
func (v Vector) String() string {
	parts := make([]string, len(v))
	for i, c := range v {
		parts[i] = fmt.Sprintf("%d", c)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// VectorClock is the vector clock owned by a single node.
type VectorClock struct {
	mu   sync.Mutex
	self int
	v    Vector
}

// NewVectorClock creates a clock for node self in a system of n nodes.
func NewVectorClock(self, n int) *VectorClock {
	return &VectorClock{self: self, v: NewVector(n)}
}

// Tick records a local event.
func (c *VectorClock) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v[c.self]++
}

// Send records a send event and returns the timestamp to attach.
func (c *VectorClock) Send() Vector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v[c.self]++
	return c.v.Copy()
}

// Receive merges a received timestamp and then records the receive event.
func (c *VectorClock) Receive(ts Vector) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.v.Merge(ts); err != nil {
		return err
	}
	c.v[c.self]++
	return nil
}

// Now returns a copy of the current timestamp.
func (c *VectorClock) Now() Vector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v.Copy()
}
