package mgmt

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// jsonCodec swaps gRPC's default protobuf wire codec for plain JSON, the
// same trick the teacher's cmd/server/main.go uses to drive a grpc.Server
// without a protoc-generated stub: Snapshot/TaskInfo are ordinary Go
// structs, not protobuf messages, so there is nothing to generate code
// from.
type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)       { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error  { return json.Unmarshal(data, v) }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// startTaskRequest/Response and stopTaskRequest/Response are the gRPC
// wire types for the task-control RPCs; Snapshot itself doubles as the
// wire type for GetSnapshot since it is already a plain JSON-able struct.
type startTaskRequest struct {
	Name        string `json:"name"`
	CommandLine string `json:"commandLine"`
	TimeoutMs   int64  `json:"timeoutMs"`
}
type startTaskResponse struct {
	Error string `json:"error,omitempty"`
}

type stopTaskRequest struct {
	Name string `json:"name"`
}
type stopTaskResponse struct {
	Error string `json:"error,omitempty"`
}

type queryTaskRequest struct {
	Name string `json:"name"`
}
type queryTaskResponse struct {
	Info  TaskInfo `json:"info"`
	Found bool     `json:"found"`
}

type emptyRequest struct{}

// Server implements the management gRPC service: a snapshot getter plus
// the task-control RPCs, backed by a Service and a Runner.
type Server interface {
	GetSnapshot(context.Context, *emptyRequest) (*Snapshot, error)
	StartTask(context.Context, *startTaskRequest) (*startTaskResponse, error)
	StopTask(context.Context, *stopTaskRequest) (*stopTaskResponse, error)
	QueryTask(context.Context, *queryTaskRequest) (*queryTaskResponse, error)
}

// server wires a Service and Runner into the Server interface above.
type server struct {
	svc    *Service
	runner *Runner
}

// NewServer constructs the gRPC-facing Server, backed by svc for
// snapshots and runner for task control.
func NewServer(svc *Service, runner *Runner) Server {
	return &server{svc: svc, runner: runner}
}

func (s *server) GetSnapshot(ctx context.Context, _ *emptyRequest) (*Snapshot, error) {
	snap := s.svc.Snapshot()
	return &snap, nil
}

func (s *server) StartTask(ctx context.Context, req *startTaskRequest) (*startTaskResponse, error) {
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	err := s.runner.Start(req.Name, req.CommandLine, timeout)
	resp := &startTaskResponse{}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp, nil
}

func (s *server) StopTask(ctx context.Context, req *stopTaskRequest) (*stopTaskResponse, error) {
	resp := &stopTaskResponse{}
	if err := s.runner.Stop(req.Name); err != nil {
		resp.Error = err.Error()
	}
	return resp, nil
}

func (s *server) QueryTask(ctx context.Context, req *queryTaskRequest) (*queryTaskResponse, error) {
	info, found := s.runner.Query(req.Name)
	return &queryTaskResponse{Info: info, Found: found}, nil
}

// registerServer wires Server into a *grpc.Server, hand-writing the
// grpc.ServiceDesc the way the teacher's registerTinySQLServer does
// rather than depending on protoc-generated registration code.
func registerServer(gs *grpc.Server, srv Server) {
	gs.RegisterService(&grpc.ServiceDesc{
		ServiceName: "persistitgo.Management",
		HandlerType: (*Server)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "GetSnapshot", Handler: snapshotHandler},
			{MethodName: "StartTask", Handler: startTaskHandler},
			{MethodName: "StopTask", Handler: stopTaskHandler},
			{MethodName: "QueryTask", Handler: queryTaskHandler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "persistitgo/mgmt",
	}, srv)
}

func snapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).GetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/persistitgo.Management/GetSnapshot"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(Server).GetSnapshot(ctx, req.(*emptyRequest)) }
	return interceptor(ctx, in, info, handler)
}

func startTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(startTaskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).StartTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/persistitgo.Management/StartTask"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(Server).StartTask(ctx, req.(*startTaskRequest)) }
	return interceptor(ctx, in, info, handler)
}

func stopTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(stopTaskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).StopTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/persistitgo.Management/StopTask"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(Server).StopTask(ctx, req.(*stopTaskRequest)) }
	return interceptor(ctx, in, info, handler)
}

func queryTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(queryTaskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).QueryTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/persistitgo.Management/QueryTask"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(Server).QueryTask(ctx, req.(*queryTaskRequest)) }
	return interceptor(ctx, in, info, handler)
}

// Listen starts a gRPC listener at addr serving svc/runner, returning the
// running *grpc.Server so the caller can GracefulStop it, grounded on the
// teacher's inline goroutine in cmd/server/main.go's main().
func Listen(addr string, svc *Service, runner *Runner) (*grpc.Server, net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	gs := grpc.NewServer()
	registerServer(gs, NewServer(svc, runner))
	go func() { _ = gs.Serve(lis) }()
	return gs, lis, nil
}
