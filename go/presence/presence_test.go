package presence

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/docsync/engine/go/schema"
	"github.com/docsync/engine/go/wire"
)

type capturingSink struct {
	mu  sync.Mutex
	msg [][]byte
}

func (s *capturingSink) send(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msg = append(s.msg, raw)
	return nil
}

func (s *capturingSink) last() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out map[string]any
	_ = json.Unmarshal(s.msg[len(s.msg)-1], &out)
	return out
}

func TestSetBroadcastsToOthersNotSelf(t *testing.T) {
	var ch = New(nil, 0)
	var a, b = &capturingSink{}, &capturingSink{}

	ch.Join("conn-a", "user-a", a.send)
	ch.Join("conn-b", "user-b", b.send)

	require.NoError(t, ch.Set("conn-a", schema.VString("typing")))

	require.Len(t, a.msg, 0)
	require.Len(t, b.msg, 1)
	var last = b.last()
	require.Equal(t, string(wire.TypePresenceUpdate), last["type"])
	require.Equal(t, "conn-a", last["id"])
}

func TestJoinReturnsExistingSnapshot(t *testing.T) {
	var ch = New(nil, 0)
	var a = &capturingSink{}
	ch.Join("conn-a", "user-a", a.send)
	require.NoError(t, ch.Set("conn-a", schema.VString("hi")))

	var b = &capturingSink{}
	var snap = ch.Join("conn-b", "user-b", b.send)
	require.Contains(t, snap, "conn-a")
}

func TestLeaveBroadcastsRemove(t *testing.T) {
	var ch = New(nil, 0)
	var a, b = &capturingSink{}, &capturingSink{}
	ch.Join("conn-a", "user-a", a.send)
	ch.Join("conn-b", "user-b", b.send)

	ch.Leave("conn-a")
	require.Equal(t, 1, ch.Count())
	require.Len(t, b.msg, 1)
	var last = b.last()
	require.Equal(t, string(wire.TypePresenceRemove), last["type"])
}

func TestSetRejectsInvalidSchema(t *testing.T) {
	var presenceSchema = schema.NewString()
	var ch = New(presenceSchema, 0)
	var a = &capturingSink{}
	ch.Join("conn-a", "user-a", a.send)

	var err = ch.Set("conn-a", schema.VNumber(5))
	require.Error(t, err)
}

func TestTTLSweepEvictsQuietConnection(t *testing.T) {
	var ch = New(nil, 20*time.Millisecond)
	var a, b = &capturingSink{}, &capturingSink{}
	ch.Join("conn-a", "user-a", a.send)
	ch.Join("conn-b", "user-b", b.send)
	require.NoError(t, ch.Set("conn-a", schema.VString("hi")))

	require.Eventually(t, func() bool {
		return ch.Count() == 1
	}, time.Second, 5*time.Millisecond)
}
