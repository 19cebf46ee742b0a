package dht_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardmesh/internal/dht"
)

func TestSimDHTPutThenGetRoundTrips(t *testing.T) {
	d := dht.NewSimDHT("peerA")
	ctx := context.Background()

	require.NoError(t, d.PutRecord(ctx, "/cluster/c/shard/0", []byte("hello"), time.Minute))
	val, err := d.GetRecord(ctx, "/cluster/c/shard/0")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(val))
}

func TestSimDHTGetRecordMissingReturnsNotFound(t *testing.T) {
	d := dht.NewSimDHT("peerA")
	_, err := d.GetRecord(context.Background(), "/cluster/c/shard/99")
	assert.ErrorIs(t, err, dht.ErrNotFound)
}

func TestSimDHTRecordExpiresAfterTTL(t *testing.T) {
	d := dht.NewSimDHT("peerA")
	ctx := context.Background()

	require.NoError(t, d.PutRecord(ctx, "/cluster/c/shard/1", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := d.GetRecord(ctx, "/cluster/c/shard/1")
	assert.ErrorIs(t, err, dht.ErrNotFound)
}

func TestSimDHTGetClosestPeersOrdersByXORDistance(t *testing.T) {
	d := dht.NewSimDHT("peerA")
	d.AddPeer("peerB")
	d.AddPeer("peerC")
	d.AddPeer("peerD")

	peers, err := d.GetClosestPeers(context.Background(), "peerB", 2)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(peers), 2)
	if len(peers) > 0 {
		assert.Contains(t, []string{"peerB", "peerC", "peerD"}, peers[0])
	}
}

func TestSimDHTAddPeerIgnoresSelf(t *testing.T) {
	d := dht.NewSimDHT("peerA")
	d.AddPeer("peerA")
	peers, err := d.GetClosestPeers(context.Background(), "peerA", 10)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestSimDHTBootstrapEmitsCompletionEvent(t *testing.T) {
	d := dht.NewSimDHT("peerA")
	require.NoError(t, d.Bootstrap(context.Background()))

	select {
	case ev := <-d.Events():
		assert.Equal(t, dht.EventQueryCompleted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a bootstrap progress event")
	}
}

func TestSimDHTPutRecordEmitsQueryCompletedEvent(t *testing.T) {
	d := dht.NewSimDHT("peerA")
	require.NoError(t, d.PutRecord(context.Background(), "/cluster/c/shard/0", []byte("v"), time.Minute))

	select {
	case ev := <-d.Events():
		assert.Equal(t, dht.EventQueryCompleted, ev.Kind)
		assert.Equal(t, "/cluster/c/shard/0", ev.Key)
	case <-time.After(time.Second):
		t.Fatal("expected a put-record progress event")
	}
}
