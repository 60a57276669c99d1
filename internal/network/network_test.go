package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netcoord/internal/message"
)

// recorder processes messages on its own goroutine like a node would.
type recorder struct {
	id    message.ID
	mu    sync.Mutex
	got   []message.Message
	inbox chan func()
	on    func(message.Message)
}

func newRecorder(id message.ID) *recorder {
	r := &recorder{id: id, inbox: make(chan func(), 1024)}
	go func() {
		for f := range r.inbox {
			f()
		}
	}()
	return r
}

func (r *recorder) ID() message.ID { return r.id }

func (r *recorder) Receive(msg message.Message, done func()) {
	r.inbox <- func() {
		r.mu.Lock()
		r.got = append(r.got, msg)
		on := r.on
		r.mu.Unlock()
		if on != nil {
			on(msg)
		}
		done()
	}
}

func (r *recorder) messages() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Message(nil), r.got...)
}

func TestNetwork_UnknownNode(t *testing.T) {
	n := New(nil, WithManualDelivery())
	defer n.Close()

	err := n.Deliver(message.Message{Kind: message.Application, From: 0}, 9)
	assert.True(t, errors.Is(err, ErrUnknownNode), "got %v", err)
	assert.Zero(t, n.Pending())
}

func TestNetwork_DuplicateRegister(t *testing.T) {
	n := New(nil)
	defer n.Close()

	require.NoError(t, n.Register(newRecorder(1)))
	assert.True(t, errors.Is(n.Register(newRecorder(1)), ErrDuplicateNode))
}

func TestNetwork_Adjacency(t *testing.T) {
	n := New(map[message.ID][]message.ID{0: {1, 2}, 1: {2}, 2: {}})
	defer n.Close()

	assert.Equal(t, []message.ID{1, 2}, n.NeighborsOf(0))
	assert.Equal(t, []message.ID{0, 1}, n.InboundOf(2))
	assert.True(t, n.IsNeighbor(1, 2))
	assert.False(t, n.IsNeighbor(2, 1))

	nb := n.NeighborsOf(0)
	nb[0] = 7
	assert.Equal(t, []message.ID{1, 2}, n.NeighborsOf(0), "adjacency must not be mutable through results")
}

func TestNetwork_AsyncFIFOPerLink(t *testing.T) {
	n := New(nil, WithDelay(0, 200*time.Microsecond), WithSeed(7))
	defer n.Close()

	dst := newRecorder(2)
	require.NoError(t, n.Register(dst))

	const perSender = 100
	var wg sync.WaitGroup
	for from := message.ID(0); from < 2; from++ {
		wg.Add(1)
		go func(from message.ID) {
			defer wg.Done()
			for i := 1; i <= perSender; i++ {
				assert.NoError(t, n.Deliver(message.Message{Kind: message.Application, From: from, Seq: uint64(i)}, 2))
			}
		}(from)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Quiesce(ctx))

	checker := NewSequenceChecker()
	next := map[message.ID]uint64{0: 1, 1: 1}
	got := dst.messages()
	require.Len(t, got, 2*perSender)
	for _, m := range got {
		require.NoError(t, checker.Check(m))
		assert.Equal(t, next[m.From], m.Seq)
		assert.Equal(t, message.ID(2), m.To)
		next[m.From]++
	}
}

func TestNetwork_ManualStep(t *testing.T) {
	n := New(nil, WithManualDelivery())
	defer n.Close()

	a, b := newRecorder(0), newRecorder(1)
	require.NoError(t, n.Register(a))
	require.NoError(t, n.Register(b))

	require.NoError(t, n.Deliver(message.Message{Kind: message.Application, From: 0, Seq: 1}, 1))
	require.NoError(t, n.Deliver(message.Message{Kind: message.Application, From: 0, Seq: 2}, 1))
	assert.Equal(t, 2, n.Queued(0, 1))
	assert.False(t, n.Step(1, 0), "empty link")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, n.Quiesce(ctx), "queued messages do not block quiescence in manual mode")

	require.True(t, n.Step(0, 1))
	require.NoError(t, n.Quiesce(ctx))
	got := b.messages()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, 1, n.Queued(0, 1))
}

func TestNetwork_DrainFollowsReplies(t *testing.T) {
	n := New(nil, WithManualDelivery(), WithSeed(1))
	defer n.Close()

	a, b := newRecorder(0), newRecorder(1)
	b.on = func(m message.Message) {
		if m.Seq < 5 {
			_ = n.Deliver(message.Message{Kind: message.Application, From: 1, Seq: m.Seq + 1}, 0)
		}
	}
	a.on = func(m message.Message) {
		if m.Seq < 5 {
			_ = n.Deliver(message.Message{Kind: message.Application, From: 0, Seq: m.Seq + 1}, 1)
		}
	}
	require.NoError(t, n.Register(a))
	require.NoError(t, n.Register(b))

	require.NoError(t, n.Deliver(message.Message{Kind: message.Application, From: 0, Seq: 1}, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Drain(ctx))

	assert.Len(t, b.messages(), 3)
	assert.Len(t, a.messages(), 2)
	assert.Zero(t, n.Pending())
}

func TestNetwork_DeliverAfterClose(t *testing.T) {
	n := New(nil)
	require.NoError(t, n.Register(newRecorder(0)))
	n.Close()
	n.Close()
	assert.True(t, errors.Is(n.Deliver(message.Message{}, 0), ErrClosed))
}

func TestSequenceChecker(t *testing.T) {
	c := NewSequenceChecker()
	require.NoError(t, c.Check(message.Message{From: 1, LinkSeq: 1}))
	require.NoError(t, c.Check(message.Message{From: 2, LinkSeq: 1}))
	err := c.Check(message.Message{From: 1, LinkSeq: 3})
	assert.True(t, errors.Is(err, ErrFIFOViolation))
}

func TestRedeliver_WaitsForRegistration(t *testing.T) {
	n := New(nil)
	defer n.Close()

	late := newRecorder(3)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = n.Register(late)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	attempts := 0
	err := Redeliver(ctx, NewBackoff(time.Millisecond, 5*time.Millisecond, 1), func() error {
		attempts++
		return n.Deliver(message.Message{Kind: message.Application, From: 0}, 3)
	})
	require.NoError(t, err)
	require.NoError(t, n.Quiesce(ctx))
	assert.Len(t, late.messages(), 1)
	assert.Greater(t, attempts, 1)
}

func TestRedeliver_StopsOnOtherErrors(t *testing.T) {
	n := New(nil)
	n.Close()

	calls := 0
	err := Redeliver(context.Background(), NewBackoff(time.Microsecond, 0, 1), func() error {
		calls++
		return n.Deliver(message.Message{}, 0)
	})
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Equal(t, 1, calls)
}

func TestRedeliver_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Redeliver(ctx, NewBackoff(time.Hour, 0, 1), func() error { calls++; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestBackoff_GrowsWithinCap(t *testing.T) {
	b := NewBackoff(time.Millisecond, 8*time.Millisecond, 42)
	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, prev, "waits never shrink")
		assert.LessOrEqual(t, d, 8*time.Millisecond)
		prev = d
	}
	assert.Equal(t, time.Millisecond, NewBackoff(0, 0, 1).Next())
}
