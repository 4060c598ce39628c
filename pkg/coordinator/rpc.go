// ABOUTME: In-process gRPC transport for the coordinator's leader/follower RPC bus.
// ABOUTME: Hand-written service descriptor and JSON codec, no protobuf code generation.
package coordinator

import (
	"context"
	"encoding/json"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/test/bufconn"

	"github.com/leiko57/SikioDB/internal/logger"
	"github.com/leiko57/SikioDB/internal/metrics"
	"github.com/leiko57/SikioDB/internal/server"
)

// Request and Response are the RPC-shaped envelopes of spec §4.G:
// `{ req_id, client_id, method, args }` / `{ req_id, client_id, ok | err }`.
type Request struct {
	ReqID    string          `json:"req_id"`
	ClientID string          `json:"client_id"`
	Method   string          `json:"method"`
	Args     json.RawMessage `json:"args"`
}

type Response struct {
	ReqID    string          `json:"req_id"`
	ClientID string          `json:"client_id"`
	Ok       bool            `json:"ok"`
	Result   json.RawMessage `json:"result,omitempty"`
	Err      string          `json:"err,omitempty"`
}

// jsonCodec is the gRPC wire codec: no protobuf-generated stubs are
// available in this exercise, so requests and responses travel as JSON
// instead, the same approach SimonWaldherr-tinySQL's gRPC server uses.
type jsonCodec struct{}

func (jsonCodec) Name() string                        { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)        { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error   { return json.Unmarshal(data, v) }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// rpcServer is the gRPC-facing type the in-process server dispatches to.
type rpcServer interface {
	Invoke(context.Context, *Request) (*Response, error)
}

const fullInvokeMethod = "/skdb.coordinator.Coordinator/Invoke"

func registerCoordinatorServer(s *grpc.Server, srv rpcServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "skdb.coordinator.Coordinator",
		HandlerType: (*rpcServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Invoke", Handler: invokeHandler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "coordinator",
	}, srv)
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rpcServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullInvokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(rpcServer).Invoke(ctx, req.(*Request))
	}
	return interceptor(ctx, in, info, handler)
}

// leaderHub is the leader-side gRPC server bound to an in-process bufconn
// listener, the idiomatic-Go analogue of a browser BroadcastChannel: every
// client lives in the same process, so the wire is an in-memory pipe rather
// than a TCP socket.
type leaderHub struct {
	listener *bufconn.Listener
	server   *grpc.Server
}

func startLeaderHub(c *Coordinator) *leaderHub {
	lis := bufconn.Listen(1024 * 1024)
	interceptor := server.GrpcMetricsInterceptor(metrics.GetGlobalMetrics(), logger.GetGlobalLogger())
	s := grpc.NewServer(grpc.UnaryInterceptor(interceptor))
	registerCoordinatorServer(s, &rpcImpl{c: c})
	go s.Serve(lis)
	return &leaderHub{listener: lis, server: s}
}

func (h *leaderHub) stop() {
	h.server.Stop()
}

func (h *leaderHub) dial() (*grpc.ClientConn, error) {
	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return h.listener.DialContext(ctx)
	}
	return grpc.NewClient("passthrough:///skdb-bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
}

// rpcImpl adapts a Coordinator's registered handler to the rpcServer
// interface the gRPC service descriptor dispatches into.
type rpcImpl struct {
	c *Coordinator
}

func (r *rpcImpl) Invoke(ctx context.Context, req *Request) (*Response, error) {
	r.c.mu.Lock()
	handler := r.c.handler
	r.c.mu.Unlock()

	resp := &Response{ReqID: req.ReqID, ClientID: req.ClientID}
	if handler == nil {
		resp.Ok = false
		resp.Err = "no handler registered on leader"
		return resp, nil
	}
	result, err := handler(req.Method, req.Args)
	if err != nil {
		resp.Ok = false
		resp.Err = err.Error()
		return resp, nil
	}
	resp.Ok = true
	resp.Result = result
	return resp, nil
}
