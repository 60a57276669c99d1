package termination

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netcoord/internal/message"
)

// harness queues signals per link and delivers them on demand.
type harness struct {
	t         *testing.T
	detectors map[message.ID]*Detector
	queue     []message.Message
}

type sender struct {
	h    *harness
	from message.ID
}

func (s sender) Send(to message.ID, kind message.Kind, body any) error {
	s.h.queue = append(s.h.queue, message.Message{Kind: kind, From: s.from, To: to, Body: body})
	return nil
}

func newHarness(t *testing.T, n int) *harness {
	h := &harness{t: t, detectors: make(map[message.ID]*Detector)}
	for i := 0; i < n; i++ {
		id := message.ID(i)
		h.detectors[id] = New(id, sender{h: h, from: id})
	}
	return h
}

func (h *harness) drain() {
	h.t.Helper()
	for len(h.queue) > 0 {
		msg := h.queue[0]
		h.queue = h.queue[1:]
		require.NoError(h.t, h.detectors[msg.To].Receive(msg))
	}
}

func TestDetector_RootWithTwoChildren(t *testing.T) {
	h := newHarness(t, 3)
	root := h.detectors[0]
	terminated := 0
	root.OnTerminate(func() { terminated++ })

	require.NoError(t, root.Start())
	require.NoError(t, root.Activate(1))
	require.NoError(t, root.Activate(2))
	h.drain()

	assert.Equal(t, []message.ID{1, 2}, root.Status().Children)
	assert.True(t, h.detectors[1].Status().Active)
	assert.Equal(t, message.ID(0), h.detectors[1].Status().Parent)

	require.NoError(t, root.ProcessTask())
	assert.False(t, root.Terminated(), "children still active")

	require.NoError(t, h.detectors[1].ProcessTask())
	h.drain()
	assert.False(t, root.Terminated())

	require.NoError(t, h.detectors[2].ProcessTask())
	h.drain()
	assert.True(t, root.Terminated())
	assert.Equal(t, 1, terminated)
}

func TestDetector_GrandchildDelaysTermination(t *testing.T) {
	h := newHarness(t, 3)
	root := h.detectors[0]

	require.NoError(t, root.Start())
	require.NoError(t, root.Activate(1))
	require.NoError(t, root.ProcessTask())
	h.drain()

	child := h.detectors[1]
	require.NoError(t, child.Activate(2))
	require.NoError(t, child.ProcessTask())
	h.drain()
	assert.False(t, root.Terminated(), "grandchild has not reported")
	assert.True(t, child.Status().HasParent)

	require.NoError(t, h.detectors[2].ProcessTask())
	h.drain()
	assert.True(t, root.Terminated())
	assert.False(t, child.Status().HasParent)
}

func TestDetector_EngagedNodeAcknowledgesImmediately(t *testing.T) {
	h := newHarness(t, 3)
	require.NoError(t, h.detectors[0].Start())
	require.NoError(t, h.detectors[0].Activate(1))
	require.NoError(t, h.detectors[0].Activate(2))
	h.drain()

	// 2 already has parent 0; work from 1 is acknowledged at once.
	require.NoError(t, h.detectors[1].Activate(2))
	h.drain()
	assert.Empty(t, h.detectors[1].Status().Children)
	assert.Equal(t, message.ID(0), h.detectors[2].Status().Parent)

	for _, id := range []message.ID{1, 2, 0} {
		require.NoError(t, h.detectors[id].ProcessTask())
		h.drain()
	}
	assert.True(t, h.detectors[0].Terminated())
}

func TestDetector_RepeatedActivationCredits(t *testing.T) {
	h := newHarness(t, 2)
	root := h.detectors[0]
	require.NoError(t, root.Start())
	require.NoError(t, root.Activate(1))
	require.NoError(t, root.Activate(1))
	h.drain()
	require.NoError(t, root.ProcessTask())

	// Second activation was acknowledged immediately; one credit remains.
	assert.Equal(t, []message.ID{1}, root.Status().Children)
	assert.False(t, root.Terminated())

	require.NoError(t, h.detectors[1].ProcessTask())
	h.drain()
	assert.True(t, root.Terminated())
}

func TestDetector_Errors(t *testing.T) {
	h := newHarness(t, 2)
	d := h.detectors[0]

	assert.True(t, errors.Is(d.Activate(1), ErrNotActive))
	assert.True(t, errors.Is(d.ProcessTask(), ErrNotActive))

	require.NoError(t, d.Start())
	assert.True(t, errors.Is(d.Start(), ErrAlreadyEngaged))

	err := d.Receive(message.Message{
		Kind: message.TerminationSignal, From: 1,
		Body: message.TerminationBody{Phase: message.Complete},
	})
	assert.True(t, errors.Is(err, ErrUnknownChild))

	assert.Error(t, d.Receive(message.Message{Kind: message.TerminationSignal, From: 1}))
}

func TestDetector_SoloRootTerminates(t *testing.T) {
	h := newHarness(t, 1)
	d := h.detectors[0]
	require.NoError(t, d.Start())
	require.NoError(t, d.ProcessTask())
	assert.True(t, d.Terminated())

	require.NoError(t, d.Start(), "a new computation may start after termination")
	assert.False(t, d.Terminated())
}
