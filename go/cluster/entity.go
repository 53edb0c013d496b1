// Package cluster turns a standalone go/server.Engine into an addressable
// entity in a sharding fabric (spec.md §4.4.3): each document is owned by
// exactly one node at a time, and every operation spec.md §4.4 defines on
// ServerDocument is exposed as a gRPC entity RPC so a gateway node that
// does not own a document can still forward work to the node that does.
package cluster

import (
	"context"
	"fmt"
	"sync"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"

	"github.com/docsync/engine/go/cluster/jsoncodec"
	"github.com/docsync/engine/go/presence"
	"github.com/docsync/engine/go/schema"
	"github.com/docsync/engine/go/server"
	"github.com/docsync/engine/go/wire"
)

// SubmitRequest / SubmitReply mirror server.ServerDocument.Submit over RPC.
type SubmitRequest struct {
	DocumentID  string                    `json:"documentId"`
	Transaction wire.EncodedTransaction   `json:"transaction"`
}

type SubmitReply struct {
	Success bool   `json:"success"`
	Version int64  `json:"version"`
	Reason  string `json:"reason,omitempty"`
}

type GetSnapshotRequest struct {
	DocumentID string `json:"documentId"`
}

type GetSnapshotReply struct {
	State   schema.Value `json:"state"`
	Version int64        `json:"version"`
}

type TouchRequest struct {
	DocumentID string `json:"documentId"`
}

type TouchReply struct{}

type SetPresenceRequest struct {
	DocumentID string       `json:"documentId"`
	ConnID     string       `json:"connId"`
	UserID     string       `json:"userId"`
	Data       schema.Value `json:"data"`
}

type SetPresenceReply struct{}

type RemovePresenceRequest struct {
	DocumentID string `json:"documentId"`
	ConnID     string `json:"connId"`
}

type RemovePresenceReply struct{}

type GetPresenceSnapshotRequest struct {
	DocumentID string `json:"documentId"`
}

type GetPresenceSnapshotReply struct {
	Presences map[string]wire.PresenceEntryWire `json:"presences"`
}

// EntityServer is the RPC surface a cluster node exposes for documents it
// owns. Every method takes documentId so a single service instance fronts
// every document the node currently owns.
type EntityServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitReply, error)
	GetSnapshot(context.Context, *GetSnapshotRequest) (*GetSnapshotReply, error)
	Touch(context.Context, *TouchRequest) (*TouchReply, error)
	SetPresence(context.Context, *SetPresenceRequest) (*SetPresenceReply, error)
	RemovePresence(context.Context, *RemovePresenceRequest) (*RemovePresenceReply, error)
	GetPresenceSnapshot(context.Context, *GetPresenceSnapshotRequest) (*GetPresenceSnapshotReply, error)
}

// EntityService adapts a local *server.Engine to EntityServer, rejecting
// any documentId this node does not currently own per its Fabric. Presence
// is tracked per document with its own presence.Channel; cluster RPCs only
// read/write the ephemeral state (no broadcast fan-out over RPC — live
// push delivery happens at the websocket edge that owns the connection,
// see DESIGN.md's go/cluster judgment call).
type EntityService struct {
	engine *server.Engine
	fabric *Fabric

	presenceSchema schema.Primitive
	presenceTTL    int64 // seconds; 0 disables

	mu        sync.Mutex
	presences map[string]*presence.Channel
}

// NewEntityService builds an EntityService backed by engine, gated by
// fabric ownership checks.
func NewEntityService(engine *server.Engine, fabric *Fabric, presenceSchema schema.Primitive) *EntityService {
	return &EntityService{
		engine:         engine,
		fabric:         fabric,
		presenceSchema: presenceSchema,
		presences:      map[string]*presence.Channel{},
	}
}

func (e *EntityService) ensureOwned(ctx context.Context, documentID string) error {
	if e.fabric == nil {
		return nil
	}
	var owned, err = e.fabric.EnsureOwner(ctx, documentID)
	if err != nil {
		return fmt.Errorf("cluster: checking ownership of %q: %w", documentID, err)
	}
	if !owned {
		return fmt.Errorf("cluster: this node does not own document %q", documentID)
	}
	return nil
}

func (e *EntityService) channelFor(documentID string) *presence.Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ch, ok = e.presences[documentID]
	if !ok {
		ch = presence.New(e.presenceSchema, 0)
		e.presences[documentID] = ch
	}
	return ch
}

func (e *EntityService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitReply, error) {
	if err := e.ensureOwned(ctx, req.DocumentID); err != nil {
		return nil, err
	}
	var result, err = e.engine.Submit(ctx, req.DocumentID, wire.Decode(req.Transaction))
	if err != nil {
		return nil, fmt.Errorf("cluster: submit to %q: %w", req.DocumentID, err)
	}
	return &SubmitReply{Success: result.Success, Version: result.Version, Reason: result.Reason}, nil
}

func (e *EntityService) GetSnapshot(ctx context.Context, req *GetSnapshotRequest) (*GetSnapshotReply, error) {
	if err := e.ensureOwned(ctx, req.DocumentID); err != nil {
		return nil, err
	}
	var instance, err = e.engine.GetOrCreate(ctx, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("cluster: get_or_create %q: %w", req.DocumentID, err)
	}
	var state, version, serr = instance.GetSnapshot()
	if serr != nil {
		return nil, fmt.Errorf("cluster: snapshot %q: %w", req.DocumentID, serr)
	}
	return &GetSnapshotReply{State: state, Version: version}, nil
}

func (e *EntityService) Touch(ctx context.Context, req *TouchRequest) (*TouchReply, error) {
	if err := e.ensureOwned(ctx, req.DocumentID); err != nil {
		return nil, err
	}
	if _, err := e.engine.GetOrCreate(ctx, req.DocumentID); err != nil {
		return nil, fmt.Errorf("cluster: touch %q: %w", req.DocumentID, err)
	}
	return &TouchReply{}, nil
}

func (e *EntityService) SetPresence(ctx context.Context, req *SetPresenceRequest) (*SetPresenceReply, error) {
	if err := e.ensureOwned(ctx, req.DocumentID); err != nil {
		return nil, err
	}
	var ch = e.channelFor(req.DocumentID)
	ch.Join(req.ConnID, req.UserID, func([]byte) error { return nil })
	if err := ch.Set(req.ConnID, req.Data); err != nil {
		return nil, fmt.Errorf("cluster: set_presence %q/%q: %w", req.DocumentID, req.ConnID, err)
	}
	return &SetPresenceReply{}, nil
}

func (e *EntityService) RemovePresence(ctx context.Context, req *RemovePresenceRequest) (*RemovePresenceReply, error) {
	if err := e.ensureOwned(ctx, req.DocumentID); err != nil {
		return nil, err
	}
	e.channelFor(req.DocumentID).Leave(req.ConnID)
	return &RemovePresenceReply{}, nil
}

func (e *EntityService) GetPresenceSnapshot(ctx context.Context, req *GetPresenceSnapshotRequest) (*GetPresenceSnapshotReply, error) {
	if err := e.ensureOwned(ctx, req.DocumentID); err != nil {
		return nil, err
	}
	var snapshot = e.channelFor(req.DocumentID).Join("__snapshot_probe__", "", func([]byte) error { return nil })
	e.channelFor(req.DocumentID).Leave("__snapshot_probe__")
	return &GetPresenceSnapshotReply{Presences: snapshot}, nil
}

// serviceDesc is the hand-written grpc.ServiceDesc for EntityServer: there
// is no .proto file (payloads are dynamic JSON, see go/cluster/jsoncodec),
// so the method table is built directly rather than by protoc-gen-go-grpc.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "docsync.cluster.Entity",
	HandlerType: (*EntityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "GetSnapshot", Handler: getSnapshotHandler},
		{MethodName: "Touch", Handler: touchHandler},
		{MethodName: "SetPresence", Handler: setPresenceHandler},
		{MethodName: "RemovePresence", Handler: removePresenceHandler},
		{MethodName: "GetPresenceSnapshot", Handler: getPresenceSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "docsync/cluster/entity.proto",
}

// RegisterEntityServer registers srv's methods on s under the
// jsoncodec-compatible service descriptor.
func RegisterEntityServer(s *grpc.Server, srv EntityServer) {
	s.RegisterService(&serviceDesc, srv)
}

// NewGRPCServer builds a *grpc.Server with grpc_prometheus's unary/stream
// interceptors wired in, mirroring the teacher's bindings/task_service.go
// use of the same package on the client side. Call grpc_prometheus.Register
// on the result once every service is registered, so the histogram/counter
// series cover the final method set.
func NewGRPCServer(extra ...grpc.ServerOption) *grpc.Server {
	var opts = append([]grpc.ServerOption{
		grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}, extra...)
	return grpc.NewServer(opts...)
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var in = new(SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EntityServer).Submit(ctx, in)
	}
	var info = &grpc.UnaryServerInfo{Server: srv, FullMethod: "/docsync.cluster.Entity/Submit"}
	var handler = func(ctx context.Context, req any) (any, error) {
		return srv.(EntityServer).Submit(ctx, req.(*SubmitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var in = new(GetSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EntityServer).GetSnapshot(ctx, in)
	}
	var info = &grpc.UnaryServerInfo{Server: srv, FullMethod: "/docsync.cluster.Entity/GetSnapshot"}
	var handler = func(ctx context.Context, req any) (any, error) {
		return srv.(EntityServer).GetSnapshot(ctx, req.(*GetSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func touchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var in = new(TouchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EntityServer).Touch(ctx, in)
	}
	var info = &grpc.UnaryServerInfo{Server: srv, FullMethod: "/docsync.cluster.Entity/Touch"}
	var handler = func(ctx context.Context, req any) (any, error) {
		return srv.(EntityServer).Touch(ctx, req.(*TouchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func setPresenceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var in = new(SetPresenceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EntityServer).SetPresence(ctx, in)
	}
	var info = &grpc.UnaryServerInfo{Server: srv, FullMethod: "/docsync.cluster.Entity/SetPresence"}
	var handler = func(ctx context.Context, req any) (any, error) {
		return srv.(EntityServer).SetPresence(ctx, req.(*SetPresenceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func removePresenceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var in = new(RemovePresenceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EntityServer).RemovePresence(ctx, in)
	}
	var info = &grpc.UnaryServerInfo{Server: srv, FullMethod: "/docsync.cluster.Entity/RemovePresence"}
	var handler = func(ctx context.Context, req any) (any, error) {
		return srv.(EntityServer).RemovePresence(ctx, req.(*RemovePresenceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getPresenceSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var in = new(GetPresenceSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EntityServer).GetPresenceSnapshot(ctx, in)
	}
	var info = &grpc.UnaryServerInfo{Server: srv, FullMethod: "/docsync.cluster.Entity/GetPresenceSnapshot"}
	var handler = func(ctx context.Context, req any) (any, error) {
		return srv.(EntityServer).GetPresenceSnapshot(ctx, req.(*GetPresenceSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// DialEntity opens a client connection to a cluster node's entity service,
// configured to use jsoncodec for every call and to record grpc_prometheus
// client metrics (the same package the teacher's bindings/task_service.go
// wires into its own task-service dial options).
func DialEntity(ctx context.Context, target string, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	var opts = append([]grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsoncodec.Name)),
		grpc.WithUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
		grpc.WithStreamInterceptor(grpc_prometheus.StreamClientInterceptor),
	}, extra...)
	var conn, err = grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, fmt.Errorf("cluster: dial %q: %w", target, err)
	}
	return conn, nil
}
