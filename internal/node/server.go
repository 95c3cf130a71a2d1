package node

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"phonon/internal/logging"
	"phonon/internal/storage"
)

const serviceName = "phonon.cachenode.v1.CacheNode"

// cacheNodeServer is the server API of the CacheNode service.
type cacheNodeServer interface {
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Set(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetNX(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompareAndDelete(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var cacheNodeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*cacheNodeServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Get", cacheNodeServer.Get),
		unaryMethod("Set", cacheNodeServer.Set),
		unaryMethod("SetNX", cacheNodeServer.SetNX),
		unaryMethod("Delete", cacheNodeServer.Delete),
		unaryMethod("CompareAndDelete", cacheNodeServer.CompareAndDelete),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "phonon/cachenode.proto",
}

func unaryMethod(name string, call func(cacheNodeServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(cacheNodeServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(cacheNodeServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Server exposes a storage.Store as a gRPC cache node.
type Server struct {
	nodeID     string
	listenAddr string
	store      storage.Store
	grpcServer *grpc.Server
	logger     *zap.Logger
}

var _ cacheNodeServer = (*Server)(nil)

// NewServer creates a new cache-node server instance.
func NewServer(nodeID, listenAddr string, store storage.Store, logger *zap.Logger) *Server {
	if store == nil {
		store = storage.NewInMemoryStore()
	}
	s := &Server{
		nodeID:     nodeID,
		listenAddr: listenAddr,
		store:      store,
		grpcServer: grpc.NewServer(),
		logger:     logging.OrNop(logger).Named("cachenode").With(zap.String("node", nodeID)),
	}
	s.Register(s.grpcServer)

	// Enable gRPC reflection for grpcurl
	reflection.Register(s.grpcServer)

	return s
}

// Register registers the CacheNode service on gs. NewServer already does
// this for its own grpc.Server; use it to mount the service elsewhere.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&cacheNodeServiceDesc, s)
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	return s.Serve(lis)
}

// Serve serves the CacheNode service on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("starting cache node", zap.String("addr", lis.Addr().String()))

	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop gracefully stops the node.
func (s *Server) Stop() {
	s.logger.Info("stopping cache node")
	s.grpcServer.GracefulStop()
}

// Get handles Get requests.
func (s *Server) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key := stringField(req, fieldKey)
	s.logger.Debug("Get", zap.String("key", key))
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "key cannot be empty")
	}

	e := s.store.Get(key)
	if e == nil {
		return newMessage(map[string]any{fieldFound: false})
	}
	return newMessage(map[string]any{fieldFound: true, fieldValue: e.Value})
}

// Set handles Set requests.
func (s *Server) Set(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key := stringField(req, fieldKey)
	s.logger.Debug("Set", zap.String("key", key))
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "key cannot be empty")
	}

	value, err := bytesField(req, fieldValue)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.store.Set(key, value, durationField(req, fieldTTL))
	return newMessage(map[string]any{fieldOK: true})
}

// SetNX handles SetNX requests.
func (s *Server) SetNX(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key := stringField(req, fieldKey)
	s.logger.Debug("SetNX", zap.String("key", key))
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "key cannot be empty")
	}

	value, err := bytesField(req, fieldValue)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ok := s.store.SetNX(key, value, durationField(req, fieldTTL))
	return newMessage(map[string]any{fieldOK: ok})
}

// Delete handles Delete requests.
func (s *Server) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key := stringField(req, fieldKey)
	s.logger.Debug("Delete", zap.String("key", key))
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "key cannot be empty")
	}

	ok := s.store.Delete(key)
	return newMessage(map[string]any{fieldOK: ok})
}

// CompareAndDelete handles CompareAndDelete requests.
func (s *Server) CompareAndDelete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key := stringField(req, fieldKey)
	s.logger.Debug("CompareAndDelete", zap.String("key", key))
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "key cannot be empty")
	}

	expected, err := bytesField(req, fieldExpected)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ok := s.store.CompareAndDelete(key, expected)
	return newMessage(map[string]any{fieldOK: ok})
}
