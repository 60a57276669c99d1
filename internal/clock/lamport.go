package clock

import "sync"

// Lamport is a scalar logical clock.
type Lamport struct {
	mu sync.Mutex
	t  int64
}

// Tick advances the clock for a local or send event and returns the new value.
func (l *Lamport) Tick() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t++
	return l.t
}

// Receive sets the clock to max(local, ts)+1 and returns the new value.
func (l *Lamport) Receive(ts int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ts > l.t {
		l.t = ts
	}
	l.t++
	return l.t
}

// Value returns the current value without advancing.
func (l *Lamport) Value() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.t
}

// TotalOrderLess orders (tsA, a) before (tsB, b) by timestamp, breaking ties
// by node id.
func TotalOrderLess(tsA int64, a int, tsB int64, b int) bool {
	if tsA != tsB {
		return tsA < tsB
	}
	return a < b
}
