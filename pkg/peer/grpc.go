package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/raidcfg/pkg/log"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const exchangeMethod = "/raidcfg.peer.Peer/Exchange"

// peerServer is the server side of the Peer service. Messages travel as
// JSON inside a BytesValue so the service needs no generated code.
type peerServer interface {
	Exchange(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: "raidcfg.peer.Peer",
	HandlerType: (*peerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exchange", Handler: exchangeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "peer.proto",
}

func exchangeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerServer).Exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: exchangeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(peerServer).Exchange(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCTransport carries peer messages over a single unary gRPC method. It
// serves requests on its listener and dials the peer lazily.
type GRPCTransport struct {
	server   *grpc.Server
	lis      net.Listener
	target   string
	dialOpts []grpc.DialOption
	logger   zerolog.Logger

	mu      sync.Mutex
	handler Handler
	conn    *grpc.ClientConn
	serving bool
}

// NewGRPCTransport serves on lis and sends to target. Extra dial options
// are appended to the insecure default credentials.
func NewGRPCTransport(lis net.Listener, target string, dialOpts ...grpc.DialOption) *GRPCTransport {
	t := &GRPCTransport{
		lis:    lis,
		target: target,
		dialOpts: append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		}, dialOpts...),
		logger: log.WithComponent("peer-grpc"),
	}
	t.server = grpc.NewServer(grpc.UnaryInterceptor(t.logErrors))
	t.server.RegisterService(&peerServiceDesc, t)
	return t
}

// Listen opens a TCP listener and returns a transport serving on it
func Listen(addr, target string) (*GRPCTransport, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return NewGRPCTransport(lis, target), nil
}

// Addr returns the address the transport serves on
func (t *GRPCTransport) Addr() net.Addr {
	return t.lis.Addr()
}

// Serve installs h and starts the gRPC server on first call
func (t *GRPCTransport) Serve(h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
	if t.serving {
		return nil
	}
	t.serving = true
	go func() {
		if err := t.server.Serve(t.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.logger.Error().Err(err).Msg("Peer server stopped")
		}
	}()
	t.logger.Info().Str("addr", t.lis.Addr().String()).Msg("Peer link listening")
	return nil
}

// Exchange implements the server side of the Peer service
func (t *GRPCTransport) Exchange(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		return nil, status.Error(codes.Unavailable, "peer link not ready")
	}

	msg, err := decodeMessage(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := h(ctx, msg)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	data, err := encodeMessage(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(data), nil
}

func (t *GRPCTransport) Send(ctx context.Context, msg Message) (Message, error) {
	conn, err := t.client()
	if err != nil {
		return Message{}, err
	}
	data, err := encodeMessage(msg)
	if err != nil {
		return Message{}, err
	}

	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, exchangeMethod, wrapperspb.Bytes(data), out); err != nil {
		switch status.Code(err) {
		case codes.Unavailable:
			return Message{}, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
		case codes.DeadlineExceeded:
			return Message{}, context.DeadlineExceeded
		case codes.Canceled:
			return Message{}, context.Canceled
		}
		return Message{}, fmt.Errorf("peer exchange failed: %w", err)
	}
	return decodeMessage(out.GetValue())
}

func (t *GRPCTransport) client() (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}
	conn, err := grpc.NewClient(t.target, t.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to peer: %w", err)
	}
	t.conn = conn
	return conn, nil
}

func (t *GRPCTransport) Close() error {
	t.server.GracefulStop()
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.serving {
		_ = t.lis.Close()
	}
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

func (t *GRPCTransport) logErrors(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		t.logger.Debug().Err(err).Str("method", info.FullMethod).Msg("Peer request failed")
	}
	return resp, err
}
