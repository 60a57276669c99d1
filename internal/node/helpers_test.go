package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"netcoord/internal/config"
	"netcoord/internal/message"
	"netcoord/internal/network"
	"netcoord/internal/snapshot"
)

type testCluster struct {
	t     *testing.T
	net   *network.Network
	nodes []*Node

	mu        sync.Mutex
	records   map[message.ID]snapshot.Record
	events    []Event
	violation []error
}

type clusterOpts struct {
	neighbors  map[message.ID][]message.ID
	discipline config.Discipline
	parents    map[message.ID]message.ID
	netOpts    []network.Option
	state      func(id message.ID) any
	apply      ApplyFunc
}

func newTestCluster(t *testing.T, n int, o clusterOpts) *testCluster {
	t.Helper()
	if o.neighbors == nil {
		o.neighbors = config.Ring(n)
	}
	if o.discipline == "" {
		o.discipline = config.Tree
	}
	if o.parents == nil {
		cfg := &config.Config{Nodes: n, Neighbors: o.neighbors}
		o.parents = cfg.TreeParents()
	}

	tc := &testCluster{
		t:       t,
		net:     network.New(o.neighbors, o.netOpts...),
		records: make(map[message.ID]snapshot.Record),
	}
	for i := 0; i < n; i++ {
		id := message.ID(i)
		parent, ok := o.parents[id]
		if !ok {
			parent = id
		}
		var initial any
		if o.state != nil {
			initial = o.state(id)
		}
		nd := New(id, tc.net, Options{
			Participants: n,
			Discipline:   o.discipline,
			TreeParent:   parent,
			InitialState: initial,
			Apply:        o.apply,
			OnSnapshot: func(r snapshot.Record) {
				tc.mu.Lock()
				tc.records[r.Node] = r
				tc.mu.Unlock()
			},
			OnEvent: func(e Event) {
				tc.mu.Lock()
				tc.events = append(tc.events, e)
				tc.mu.Unlock()
			},
			OnInvariant: func(err error) {
				tc.mu.Lock()
				tc.violation = append(tc.violation, err)
				tc.mu.Unlock()
			},
		})
		require.NoError(t, tc.net.Register(nd))
		nd.Start()
		tc.nodes = append(tc.nodes, nd)
	}
	t.Cleanup(tc.stop)
	return tc
}

func (tc *testCluster) stop() {
	tc.net.Close()
	for _, n := range tc.nodes {
		n.Stop()
	}
}

func (tc *testCluster) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	tc.t.Cleanup(cancel)
	return ctx
}

// step delivers one message on from->to and waits for it to be processed.
func (tc *testCluster) step(from, to message.ID) {
	tc.t.Helper()
	require.True(tc.t, tc.net.Step(from, to), "link %d->%d is empty", from, to)
	require.NoError(tc.t, tc.net.Quiesce(tc.ctx()))
}

func (tc *testCluster) global() snapshot.Global {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	g := make(snapshot.Global, len(tc.records))
	for id, r := range tc.records {
		g[id] = r
	}
	return g
}

func (tc *testCluster) violations() []error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]error(nil), tc.violation...)
}

func (tc *testCluster) allEvents() []Event {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]Event(nil), tc.events...)
}

// eventually polls cond like the cluster harness waits for readiness.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", msg)
		}
		<-ticker.C
	}
}
