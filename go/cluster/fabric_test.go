package cluster

import (
	"context"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"github.com/stretchr/testify/require"
)

// dialTestEtcd connects to a local etcd instance for integration testing.
// These tests require `etcd` reachable at localhost:2379 (the teacher's
// own etcd-backed tests rely on a similar externally-provisioned cluster);
// they skip rather than fail when none is running.
func dialTestEtcd(t *testing.T) *clientv3.Client {
	t.Helper()
	var client, err = clientv3.New(clientv3.Config{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Skip("no local etcd available:", err)
	}
	var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.Get(ctx, "docsync-fabric-test-probe"); err != nil {
		t.Skip("no local etcd available:", err)
	}
	return client
}

func TestEnsureOwnerClaimsThenIsIdempotent(t *testing.T) {
	var client = dialTestEtcd(t)
	defer client.Close()
	var ctx = context.Background()

	var fabric, err = NewFabric(ctx, client, "node-a")
	require.NoError(t, err)

	var owned, oerr = fabric.EnsureOwner(ctx, "doc-fabric-1")
	require.NoError(t, oerr)
	require.True(t, owned)

	// Calling again is a cheap local-map hit, still true.
	owned, oerr = fabric.EnsureOwner(ctx, "doc-fabric-1")
	require.NoError(t, oerr)
	require.True(t, owned)

	require.NoError(t, fabric.Release(ctx, "doc-fabric-1"))
}

func TestEnsureOwnerSecondNodeLosesClaim(t *testing.T) {
	var client = dialTestEtcd(t)
	defer client.Close()
	var ctx = context.Background()

	var a, aerr = NewFabric(ctx, client, "node-a")
	require.NoError(t, aerr)
	var b, berr = NewFabric(ctx, client, "node-b")
	require.NoError(t, berr)

	var ownedA, _ = a.EnsureOwner(ctx, "doc-fabric-2")
	require.True(t, ownedA)

	var ownedB, _ = b.EnsureOwner(ctx, "doc-fabric-2")
	require.False(t, ownedB)

	require.NoError(t, a.Release(ctx, "doc-fabric-2"))
}
