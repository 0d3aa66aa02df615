package zmqbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/parley/internal/broadcast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSub struct {
	id string

	mu     sync.Mutex
	frames [][]byte
}

func (c *countingSub) ID() string { return c.id }

func (c *countingSub) Deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return true
}

func (c *countingSub) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *countingSub) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

type node struct {
	bus *Bus
	sub *countingSub
}

func startNode(t *testing.T, nodeID string, peers ...string) node {
	t.Helper()
	reg := broadcast.NewRegistry()
	sub := &countingSub{id: nodeID + "-session"}
	reg.Join(7, sub)

	b, err := New(context.Background(), Config{
		NodeID:       nodeID,
		Bind:         "tcp://127.0.0.1:*",
		Peers:        peers,
		PollInterval: 20 * time.Millisecond,
	}, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return node{bus: b, sub: sub}
}

func TestBus_RelaysToPeers(t *testing.T) {
	origin := startNode(t, "node-a")
	peer := startNode(t, "node-b", origin.bus.endpoint)
	// Same node id as the origin, so everything it hears is its own.
	twin := startNode(t, "node-a", origin.bus.endpoint)

	ctx := context.Background()
	published := 0
	// SUB connections are asynchronous; keep publishing until the peer hears one.
	require.Eventually(t, func() bool {
		err := origin.bus.Publish(ctx, broadcast.Event{ChatID: 7, Payload: []byte("hello")})
		published++
		return err == nil && peer.sub.count() > 0
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, []byte("hello"), peer.sub.last())
	assert.Equal(t, published, origin.sub.count())

	// Give in-flight envelopes time to land, then make sure nothing looped back.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, published, origin.sub.count())
	assert.Equal(t, 0, twin.sub.count())
}

func TestBus_ExcludeAppliesLocally(t *testing.T) {
	origin := startNode(t, "node-a")

	err := origin.bus.Publish(context.Background(), broadcast.Event{
		ChatID:  7,
		Payload: []byte("x"),
		Exclude: origin.sub.ID(),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, origin.sub.count())
}

func TestBus_HandleDropsOwnEnvelopes(t *testing.T) {
	n := startNode(t, "node-a")

	own, err := encodeEnvelope(envelope{Node: "node-a", ChatID: 7, Payload: []byte("mine")})
	require.NoError(t, err)
	other, err := encodeEnvelope(envelope{Node: "node-b", ChatID: 7, Payload: []byte("theirs")})
	require.NoError(t, err)

	n.bus.handle([][]byte{[]byte(topicFor(7)), own})
	assert.Equal(t, 0, n.sub.count())

	n.bus.handle([][]byte{[]byte(topicFor(7)), []byte("not protobuf")})
	n.bus.handle([][]byte{[]byte(topicFor(7))})
	assert.Equal(t, 0, n.sub.count())

	n.bus.handle([][]byte{[]byte(topicFor(7)), other})
	assert.Equal(t, 1, n.sub.count())
	assert.Equal(t, []byte("theirs"), n.sub.last())
}

func TestBus_CloseReturns(t *testing.T) {
	n := startNode(t, "node-a")

	done := make(chan error, 1)
	go func() { done <- n.bus.Close() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.NoError(t, n.bus.Close())
}
