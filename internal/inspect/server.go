package inspect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	logging "github.com/op/go-logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"netcoord/internal/config"
	"netcoord/internal/message"
	"netcoord/internal/node"
	"netcoord/internal/snapshot"
)

var log = logging.MustGetLogger("inspect")

// Source is the simulation being inspected.
type Source interface {
	Config() *config.Config
	Size() int
	Uptime() time.Duration
	Node(id message.ID) (*node.Node, error)
	Archive() *snapshot.Archive
	TokenRoot() (message.ID, bool)
}

// Server implements the Inspector gRPC service.
type Server struct {
	src Source
}

// NewServer creates an inspector for src.
func NewServer(src Source) *Server {
	return &Server{src: src}
}

// Health returns the cluster shape and uptime.
func (s *Server) Health(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	cfg := s.src.Config()
	m := map[string]any{
		"status":         "OK",
		"nodes":          s.src.Size(),
		"discipline":     string(cfg.Discipline),
		"mode":           string(cfg.Mode),
		"uptime_seconds": s.src.Uptime().Seconds(),
	}
	if root, ok := s.src.TokenRoot(); ok {
		m["token_root"] = int64(root)
	}
	return toStruct(m)
}

// GetNode returns the status of one node.
func (s *Server) GetNode(ctx context.Context, req *wrapperspb.Int32Value) (*structpb.Struct, error) {
	n, err := s.src.Node(message.ID(req.GetValue()))
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	st, err := n.Status(ctx)
	if err != nil {
		if errors.Is(err, node.ErrStopped) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.FromContextError(err).Err()
	}
	return toStruct(nodeStatusMap(st))
}

// GetSnapshot returns the archived records and whether they form a
// consistent cut.
func (s *Server) GetSnapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return GlobalStruct(s.src.Archive().Global(), s.src.Size())
}

// Serve registers the inspector on a new gRPC server and serves lis until
// ctx is cancelled.
func Serve(ctx context.Context, lis net.Listener, src Source) error {
	gs := grpc.NewServer()
	RegisterInspectorServer(gs, NewServer(src))

	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	log.Infof("inspector listening on %s", lis.Addr())
	if err := gs.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}
