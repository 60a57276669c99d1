package mutex

import (
	"math/rand"
	"sort"
	"testing"

	"netcoord/internal/message"
)

type linkKey struct{ from, to message.ID }

// bus is a FIFO-per-link message queue driven by the test.
type bus struct {
	links map[linkKey][]message.Message
	nodes map[message.ID]Mutex
}

func newBus() *bus {
	return &bus{
		links: make(map[linkKey][]message.Message),
		nodes: make(map[message.ID]Mutex),
	}
}

type busSender struct {
	b    *bus
	from message.ID
}

func (s busSender) Send(to message.ID, kind message.Kind, body any) error {
	k := linkKey{s.from, to}
	s.b.links[k] = append(s.b.links[k], message.Message{Kind: kind, From: s.from, To: to, Body: body})
	return nil
}

func (b *bus) sender(from message.ID) Sender {
	return busSender{b: b, from: from}
}

func (b *bus) ready() []linkKey {
	keys := make([]linkKey, 0, len(b.links))
	for k, q := range b.links {
		if len(q) > 0 {
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

func (b *bus) inFlight(kind message.Kind) int {
	n := 0
	for _, q := range b.links {
		for _, m := range q {
			if m.Kind == kind {
				n++
			}
		}
	}
	return n
}

// step delivers the head of link k.
func (b *bus) step(t *testing.T, k linkKey) {
	t.Helper()
	q := b.links[k]
	msg := q[0]
	b.links[k] = q[1:]
	if err := b.nodes[k.to].Receive(msg); err != nil {
		t.Fatalf("node %d failed to handle %s: %v", k.to, msg, err)
	}
}

// stepRandom delivers one message from a random non-empty link.
func (b *bus) stepRandom(t *testing.T, rng *rand.Rand) bool {
	ready := b.ready()
	if len(ready) == 0 {
		return false
	}
	b.step(t, ready[rng.Intn(len(ready))])
	return true
}

func (b *bus) drain(t *testing.T) {
	for {
		ready := b.ready()
		if len(ready) == 0 {
			return
		}
		b.step(t, ready[0])
	}
}
