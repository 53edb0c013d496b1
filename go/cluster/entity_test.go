package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/docsync/engine/go/document"
	"github.com/docsync/engine/go/schema"
	"github.com/docsync/engine/go/server"
	"github.com/docsync/engine/go/wire"
)

func wireTx(id, title string) document.Transaction {
	return document.Transaction{ID: id, Ops: []schema.Operation{
		{Kind: "string.set", Path: schema.Path{"title"}, Payload: schema.VString(title)},
	}}
}

func entityTestSchema() schema.Primitive {
	return schema.NewStruct(map[string]schema.Primitive{
		"title": schema.NewString(),
	}, []string{"title"})
}

func newSeqIDGenCluster(prefix string) func() string {
	var n int
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

// startTestServer boots an in-process gRPC server (no fabric, so every
// document is served locally) over a loopback TCP listener and returns a
// dialed client connection using the json content-subtype.
func startTestServer(t *testing.T) *grpc.ClientConn {
	t.Helper()

	var engine = server.New(server.Config{
		SchemaFor: func(documentID string) (schema.Primitive, any) {
			return entityTestSchema(), nil
		},
		IDGen: newSeqIDGenCluster("e"),
		NowFn: func() int64 { return 0 },
	})
	t.Cleanup(func() { engine.Shutdown(context.Background()) })

	var svc = NewEntityService(engine, nil, nil)
	var grpcServer = grpc.NewServer()
	RegisterEntityServer(grpcServer, svc)

	var lis, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go grpcServer.Serve(lis)
	t.Cleanup(grpcServer.Stop)

	var ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var conn, derr = grpc.DialContext(ctx, lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
		grpc.WithBlock(),
	)
	require.NoError(t, derr)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEntitySubmitAndGetSnapshotRoundTrip(t *testing.T) {
	var conn = startTestServer(t)
	var ctx = context.Background()

	var submitReply SubmitReply
	require.NoError(t, conn.Invoke(ctx, "/docsync.cluster.Entity/Submit", &SubmitRequest{
		DocumentID: "doc-1",
		Transaction: wire.Encode(wireTx("tx-1", "hello")),
	}, &submitReply))
	require.True(t, submitReply.Success)
	require.Equal(t, int64(1), submitReply.Version)

	var snapReply GetSnapshotReply
	require.NoError(t, conn.Invoke(ctx, "/docsync.cluster.Entity/GetSnapshot", &GetSnapshotRequest{
		DocumentID: "doc-1",
	}, &snapReply))
	require.Equal(t, int64(1), snapReply.Version)
	var title, _ = snapReply.State.Field("title").AsString()
	require.Equal(t, "hello", title)
}

func TestEntityPresenceSetAndSnapshot(t *testing.T) {
	var conn = startTestServer(t)
	var ctx = context.Background()

	var setReply SetPresenceReply
	require.NoError(t, conn.Invoke(ctx, "/docsync.cluster.Entity/SetPresence", &SetPresenceRequest{
		DocumentID: "doc-2", ConnID: "conn-1", UserID: "alice",
		Data: schema.VObject(map[string]schema.Value{"cursor": schema.VNumber(3)}),
	}, &setReply))

	var snapReply GetPresenceSnapshotReply
	require.NoError(t, conn.Invoke(ctx, "/docsync.cluster.Entity/GetPresenceSnapshot", &GetPresenceSnapshotRequest{
		DocumentID: "doc-2",
	}, &snapReply))
	require.Contains(t, snapReply.Presences, "conn-1")
	require.Equal(t, "alice", snapReply.Presences["conn-1"].UserID)
}
