package inspect

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"netcoord/internal/cluster"
	"netcoord/internal/config"
	"netcoord/internal/message"
	"netcoord/internal/snapshot"
)

func startInspector(t *testing.T) (*cluster.Cluster, *Client) {
	t.Helper()

	c, err := cluster.New(config.Default(),
		cluster.WithApply(cluster.CountApplied),
		cluster.WithInitialState(func(message.ID) any { return 0 }),
	)
	require.NoError(t, err)
	c.Start()
	t.Cleanup(c.Stop)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Serve(ctx, lis, c)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return c, client
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestInspector_Health(t *testing.T) {
	_, client := startInspector(t)

	resp, err := client.Health(testCtx(t))
	require.NoError(t, err)

	fields := resp.GetFields()
	assert.Equal(t, "OK", fields["status"].GetStringValue())
	assert.Equal(t, float64(3), fields["nodes"].GetNumberValue())
	assert.Equal(t, "tree", fields["discipline"].GetStringValue())
	assert.Equal(t, "async", fields["mode"].GetStringValue())
	assert.Equal(t, float64(0), fields["token_root"].GetNumberValue())
	assert.Contains(t, fields, "token_root")
}

func TestInspector_GetNode(t *testing.T) {
	_, client := startInspector(t)
	ctx := testCtx(t)

	resp, err := client.GetNode(ctx, 1)
	require.NoError(t, err)
	fields := resp.GetFields()
	assert.Equal(t, float64(1), fields["id"].GetNumberValue())
	assert.Equal(t, "0", fields["state"].GetStringValue())
	assert.Len(t, fields["vector"].GetListValue().GetValues(), 3)
	assert.Equal(t, "tree", fields["mutex"].GetStructValue().GetFields()["discipline"].GetStringValue())

	_, err = client.GetNode(ctx, 9)
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestInspector_GetSnapshot(t *testing.T) {
	c, client := startInspector(t)
	ctx := testCtx(t)

	resp, err := client.GetSnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, resp.GetFields()["complete"].GetBoolValue())

	_, err = c.SnapshotScenario(ctx, 0, 10)
	require.NoError(t, err)

	resp, err = client.GetSnapshot(ctx)
	require.NoError(t, err)
	fields := resp.GetFields()
	assert.True(t, fields["complete"].GetBoolValue())
	assert.True(t, fields["consistent"].GetBoolValue())
	assert.Len(t, fields["records"].GetStructValue().GetFields(), 3)
}

func TestGlobalStruct_ReportsInconsistency(t *testing.T) {
	g := snapshot.Global{
		0: {
			Node:     0,
			State:    1,
			Vector:   []int64{1, 0},
			Sent:     map[message.ID]uint64{1: 0},
			Received: map[message.ID]uint64{1: 0},
		},
		1: {
			Node:     1,
			State:    1,
			Vector:   []int64{0, 1},
			Sent:     map[message.ID]uint64{0: 0},
			Received: map[message.ID]uint64{0: 2},
			Channels: map[message.ID][]message.Message{0: nil},
		},
	}

	s, err := GlobalStruct(g, 2)
	require.NoError(t, err)
	fields := s.GetFields()
	assert.True(t, fields["complete"].GetBoolValue())
	assert.False(t, fields["consistent"].GetBoolValue())
	assert.NotEmpty(t, fields["error"].GetStringValue())

	out, err := MarshalJSON(s)
	require.NoError(t, err)
	var back structpb.Struct
	require.NoError(t, protojson.Unmarshal(out, &back))
	assert.False(t, back.GetFields()["consistent"].GetBoolValue())
	assert.Equal(t, fields["error"].GetStringValue(), back.GetFields()["error"].GetStringValue())
}
