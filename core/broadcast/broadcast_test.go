package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/o-hill/gossip-glomers/core/protocol"
	"github.com/o-hill/gossip-glomers/core/server"
	"github.com/o-hill/gossip-glomers/io/simnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (f *fakeSender) Send(msg protocol.Message) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return uint64(len(f.sent)), nil
}

func (f *fakeSender) Reply(req protocol.Message, p protocol.Payload) error {
	reply, err := req.Reply(p)
	if err != nil {
		return err
	}
	_, err = f.Send(reply)
	return err
}

func (f *fakeSender) take() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

func message(t *testing.T, src string, id *uint64, p protocol.Payload) server.Event {
	t.Helper()
	msg, err := protocol.NewMessage(src, "n1", p)
	require.NoError(t, err)
	msg.Body.ID = id
	return server.Event{Kind: server.KindMessage, Message: msg}
}

func idPtr(v uint64) *uint64 { return &v }

func TestStep_ClientBroadcastIsAcknowledged(t *testing.T) {
	net := &fakeSender{}
	n := New("n1", []string{"n1", "n2", "n3"}, net, 10)
	ctx := context.Background()

	require.NoError(t, n.Step(ctx, message(t, "c1", idPtr(7), Broadcast{Message: 5})))
	sent := net.take()
	require.Len(t, sent, 1)
	require.Equal(t, TypeBroadcastOk, sent[0].Body.Type)
	require.Equal(t, "c1", sent[0].Dst)
	require.Equal(t, uint64(7), *sent[0].Body.InReplyTo)

	require.NoError(t, n.Step(ctx, message(t, "c1", idPtr(8), Read{})))
	sent = net.take()
	require.Len(t, sent, 1)
	var read ReadOk
	require.NoError(t, sent[0].Decode(&read))
	require.Equal(t, []int{5}, read.Messages)
}

func TestStep_PeerBroadcastIsNotAcknowledged(t *testing.T) {
	net := &fakeSender{}
	n := New("n1", []string{"n1", "n2"}, net, 10)

	require.NoError(t, n.Step(context.Background(), message(t, "n2", idPtr(1), Broadcast{Message: 3})))
	require.NoError(t, n.Step(context.Background(), message(t, "c1", nil, Broadcast{Message: 4})))
	require.Empty(t, net.take())
	require.Equal(t, []int{3, 4}, n.Seen())
}

func TestStep_EmptyReadIsAnArray(t *testing.T) {
	net := &fakeSender{}
	n := New("n1", []string{"n1"}, net, 10)

	require.NoError(t, n.Step(context.Background(), message(t, "c1", idPtr(1), Read{})))
	sent := net.take()
	require.Len(t, sent, 1)
	var read ReadOk
	require.NoError(t, sent[0].Decode(&read))
	require.NotNil(t, read.Messages)
	require.Empty(t, read.Messages)
}

func TestStep_GossipIsIdempotent(t *testing.T) {
	n := New("n1", []string{"n1", "n2"}, &fakeSender{}, 0)
	ctx := context.Background()

	ev := message(t, "n2", nil, Gossip{Seen: []int{1, 2, 3}})
	require.NoError(t, n.Step(ctx, ev))
	first := n.Seen()
	require.NoError(t, n.Step(ctx, ev))
	require.Equal(t, first, n.Seen())
	require.Equal(t, []int{1, 2, 3}, n.Seen())
}

func TestStep_GossipFromUnknownSender(t *testing.T) {
	n := New("n1", []string{"n1", "n2"}, &fakeSender{}, 0)
	require.NoError(t, n.Step(context.Background(), message(t, "n9", nil, Gossip{Seen: []int{42}})))
	require.Equal(t, []int{42}, n.Seen())
}

func TestStep_TopologyIsAcknowledged(t *testing.T) {
	net := &fakeSender{}
	n := New("n1", []string{"n1", "n2"}, net, 0)

	ev := message(t, "c1", idPtr(3), Topology{Topology: map[string][]string{"n1": {"n2"}}})
	require.NoError(t, n.Step(context.Background(), ev))
	sent := net.take()
	require.Len(t, sent, 1)
	require.Equal(t, TypeTopologyOk, sent[0].Body.Type)
}

func TestStep_UnsupportedMessage(t *testing.T) {
	n := New("n1", []string{"n1"}, &fakeSender{}, 0)
	require.Error(t, n.Step(context.Background(), message(t, "c1", idPtr(1), protocol.InitOk{})))
}

func TestGossip_SendsOnlyWhatNeighborLacks(t *testing.T) {
	net := &fakeSender{}
	n := New("n1", []string{"n1", "n2"}, net, 1)
	ctx := context.Background()
	tick := server.Event{Kind: server.KindInjected, Tick: TickGossip}

	// nothing to say yet
	require.NoError(t, n.Step(ctx, tick))
	require.Empty(t, net.take())

	for _, v := range []int{1, 2, 3} {
		require.NoError(t, n.Step(ctx, message(t, "c1", nil, Broadcast{Message: v})))
	}
	require.NoError(t, n.Step(ctx, message(t, "n2", nil, Gossip{Seen: []int{1, 2}})))

	require.NoError(t, n.Step(ctx, tick))
	sent := net.take()
	require.Len(t, sent, 1)
	require.Equal(t, "n2", sent[0].Dst)
	require.Equal(t, TypeGossip, sent[0].Body.Type)

	var g Gossip
	require.NoError(t, sent[0].Decode(&g))
	// 3 is new to n2, plus one of the values n2 already has
	require.Len(t, g.Seen, 2)
	require.Contains(t, g.Seen, 3)
}

func TestNeighborhood(t *testing.T) {
	ids := []string{"n1", "n2", "n3", "n4", "n5", "n6", "n7", "n8", "n9", "n10"}
	n := New("n1", ids, &fakeSender{}, 0)

	hood := n.Neighborhood()
	assert.Len(t, hood, 6)
	assert.NotContains(t, hood, "n1")

	small := New("n1", []string{"n1", "n2", "n3"}, &fakeSender{}, 0)
	assert.ElementsMatch(t, []string{"n2", "n3"}, small.Neighborhood())

	alone := New("n1", []string{"n1"}, &fakeSender{}, 0)
	assert.Empty(t, alone.Neighborhood())
}

func TestCluster_BroadcastConverges(t *testing.T) {
	cluster := simnet.New(simnet.WithDelay(3*time.Millisecond), simnet.WithDuplication(0.2))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conf := Config{GossipInterval: 10 * time.Millisecond, GossipJitter: 5 * time.Millisecond, GossipExtra: 10}
	require.NoError(t, cluster.Start(ctx, []string{"n1", "n2", "n3"}, Factory(conf)))
	defer func() { require.NoError(t, cluster.Close()) }()

	client := cluster.NewClient()
	reply, err := client.Call(ctx, "n1", Broadcast{Message: 5})
	require.NoError(t, err)
	require.Equal(t, TypeBroadcastOk, reply.Body.Type)

	require.Eventually(t, func() bool {
		reply, err := client.Call(ctx, "n3", Read{})
		if err != nil {
			return false
		}
		var read ReadOk
		if err := reply.Decode(&read); err != nil {
			return false
		}
		return len(read.Messages) == 1 && read.Messages[0] == 5
	}, 5*time.Second, 20*time.Millisecond)
}
