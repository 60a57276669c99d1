package mutex

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netcoord/internal/message"
)

func newVotingCluster(n int) (*bus, map[message.ID]*Voting, *[]message.ID) {
	b := newBus()
	all := make([]message.ID, n)
	for i := range all {
		all[i] = message.ID(i)
	}
	nodes := make(map[message.ID]*Voting, n)
	var entries []message.ID
	for _, id := range all {
		id := id
		nodes[id] = NewVoting(id, all, b.sender(id), func() { entries = append(entries, id) })
		b.nodes[id] = nodes[id]
	}
	return b, nodes, &entries
}

func TestVoting_ThreeNodesOneRequester(t *testing.T) {
	b, nodes, entries := newVotingCluster(3)

	require.NoError(t, nodes[0].RequestAccess())
	assert.Equal(t, 2, b.inFlight(message.Request))

	b.drain(t)
	assert.Equal(t, 2, nodes[0].Status().Replies)
	assert.Equal(t, []message.ID{0}, *entries, "exactly one entry event")
	assert.True(t, nodes[0].InCriticalSection())

	// A later request is withheld until 0 leaves.
	require.NoError(t, nodes[1].RequestAccess())
	b.drain(t)
	assert.False(t, nodes[1].InCriticalSection())
	assert.Equal(t, 1, nodes[1].Status().Replies)

	require.NoError(t, nodes[0].LeaveCriticalSection())
	b.drain(t)
	assert.True(t, nodes[1].InCriticalSection())
	assert.Equal(t, []message.ID{0, 1}, *entries)
}

func TestVoting_TieBrokenByID(t *testing.T) {
	b, nodes, entries := newVotingCluster(2)

	require.NoError(t, nodes[1].RequestAccess())
	require.NoError(t, nodes[0].RequestAccess())
	assert.Equal(t, int64(1), nodes[0].Status().Clock)
	assert.Equal(t, int64(1), nodes[1].Status().Clock)

	b.drain(t)
	assert.Equal(t, []message.ID{0}, *entries, "(1,0) precedes (1,1)")

	require.NoError(t, nodes[0].LeaveCriticalSection())
	b.drain(t)
	assert.Equal(t, []message.ID{0, 1}, *entries)
}

func TestVoting_SingleParticipant(t *testing.T) {
	_, nodes, entries := newVotingCluster(1)
	require.NoError(t, nodes[0].RequestAccess())
	assert.True(t, nodes[0].InCriticalSection())
	assert.Equal(t, []message.ID{0}, *entries)
}

func TestVoting_ClockMerge(t *testing.T) {
	b, nodes, _ := newVotingCluster(2)
	for i := 0; i < 3; i++ {
		require.NoError(t, nodes[0].RequestAccess())
		b.drain(t)
		require.NoError(t, nodes[0].LeaveCriticalSection())
		b.drain(t)
	}
	assert.Equal(t, int64(3), nodes[0].Status().Clock)
	assert.Equal(t, int64(4), nodes[1].Status().Clock, "max(1,3)+1")
}

func TestVoting_Errors(t *testing.T) {
	_, nodes, _ := newVotingCluster(2)

	err := nodes[0].Receive(message.Message{Kind: message.Reply, From: 1})
	assert.True(t, errors.Is(err, ErrUnexpectedReply))

	err = nodes[0].Receive(message.Message{Kind: message.Request, From: 1})
	assert.True(t, errors.Is(err, ErrUnexpectedMessage), "request without a timestamp body")

	assert.True(t, errors.Is(nodes[0].LeaveCriticalSection(), ErrNotInCriticalSection))

	require.NoError(t, nodes[0].RequestAccess())
	assert.True(t, errors.Is(nodes[0].RequestAccess(), ErrAlreadyRequested))
}
