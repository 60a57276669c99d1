package inspect

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls the Inspector service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to an inspector at addr over an insecure channel.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Health calls Inspector.Health.
func (c *Client) Health(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, healthMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetNode calls Inspector.GetNode.
func (c *Client) GetNode(ctx context.Context, id int32) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, getNodeMethod, wrapperspb.Int32(id), out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSnapshot calls Inspector.GetSnapshot.
func (c *Client) GetSnapshot(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, getSnapshotMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
