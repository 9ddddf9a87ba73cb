// Package broadcast spreads integer values to every node with periodic anti-entropy gossip.
package broadcast

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/o-hill/gossip-glomers/core/protocol"
	"github.com/o-hill/gossip-glomers/core/server"
	"github.com/o-hill/gossip-glomers/io/metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// TickGossip names the injected event that starts a gossip round.
const TickGossip = "gossip"

type Config struct {
	GossipInterval time.Duration
	GossipJitter   time.Duration
	// GossipExtra is how many values the neighbor already has that are resent anyway.
	GossipExtra int
}

type sender interface {
	Send(msg protocol.Message) (uint64, error)
	Reply(req protocol.Message, p protocol.Payload) error
}

type Node struct {
	id           string
	members      map[string]struct{}
	neighborhood []string
	net          sender
	extra        int
	log          *log.Entry

	mu    sync.RWMutex
	seen  map[int]struct{}
	known map[string]map[int]struct{}
}

// Factory builds broadcast nodes and schedules their gossip rounds.
func Factory(conf Config) server.Factory {
	return func(_ context.Context, rt *server.Runtime) (server.Node, error) {
		n := New(rt.NodeID, rt.NodeIDs, rt.Net, conf.GossipExtra)
		rt.Every(TickGossip, conf.GossipInterval, conf.GossipJitter)
		n.log.Infof("gossiping with %v", n.neighborhood)

		return n, nil
	}
}

func New(id string, nodeIDs []string, net sender, extra int) *Node {
	n := &Node{
		id:      id,
		members: make(map[string]struct{}, len(nodeIDs)),
		net:     net,
		extra:   extra,
		log:     log.WithField("node", id),
		seen:    make(map[int]struct{}),
		known:   make(map[string]map[int]struct{}, len(nodeIDs)),
	}

	others := make([]string, 0, len(nodeIDs))
	for _, peer := range nodeIDs {
		n.members[peer] = struct{}{}
		if peer != id {
			others = append(others, peer)
			n.known[peer] = make(map[int]struct{})
		}
	}
	n.neighborhood = pickNeighborhood(others, len(nodeIDs))

	return n
}

// pickNeighborhood returns a random subset of others with ceil(n/2)+1 members, capped at len(others).
func pickNeighborhood(others []string, n int) []string {
	size := (n+1)/2 + 1
	if size > len(others) {
		size = len(others)
	}

	shuffled := append([]string(nil), others...)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	return shuffled[:size]
}

func (n *Node) Step(_ context.Context, ev server.Event) error {
	switch ev.Kind {
	case server.KindInjected:
		if ev.Tick == TickGossip {
			n.gossip()
		}
		return nil
	case server.KindStorage:
		return nil
	}

	msg := ev.Message
	switch msg.Body.Type {
	case TypeBroadcast:
		var req Broadcast
		if err := msg.Decode(&req); err != nil {
			return err
		}

		n.mu.Lock()
		n.seen[req.Message] = struct{}{}
		n.mu.Unlock()

		// peers never wait for an acknowledgement
		if _, fromPeer := n.members[msg.Src]; fromPeer || msg.Body.ID == nil {
			return nil
		}
		return n.net.Reply(msg, BroadcastOk{})
	case TypeGossip:
		var req Gossip
		if err := msg.Decode(&req); err != nil {
			return err
		}
		n.merge(msg.Src, req.Seen)
		return nil
	case TypeRead:
		return n.net.Reply(msg, ReadOk{Messages: n.Seen()})
	case TypeTopology:
		return n.net.Reply(msg, TopologyOk{})
	case TypeBroadcastOk, TypeReadOk, TypeTopologyOk:
		return nil
	default:
		return errors.Errorf("unsupported message %s from %s", msg.Body.Type, msg.Src)
	}
}

// Seen returns every value this node knows about in ascending order.
func (n *Node) Seen() []int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return sortedKeys(n.seen)
}

func (n *Node) Neighborhood() []string {
	return n.neighborhood
}

func (n *Node) merge(src string, values []int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	known, ok := n.known[src]
	if !ok {
		known = make(map[int]struct{}, len(values))
		n.known[src] = known
	}
	for _, v := range values {
		n.seen[v] = struct{}{}
		known[v] = struct{}{}
	}
}

func (n *Node) gossip() {
	for _, neighbor := range n.neighborhood {
		values := n.pending(neighbor)
		if len(values) == 0 {
			continue
		}

		msg, err := protocol.NewMessage(n.id, neighbor, Gossip{Seen: values})
		if err != nil {
			n.log.Errorf("failed to build gossip for %s: %v", neighbor, err)
			continue
		}
		if _, err := n.net.Send(msg); err != nil {
			n.log.Warnf("failed to gossip to %s: %v", neighbor, err)
			continue
		}
		metrics.GossipSent.Inc()
	}
}

// pending returns the values neighbor is not known to have plus a few it does have,
// so the neighbor learns what we hold.
func (n *Node) pending(neighbor string) []int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	known := n.known[neighbor]
	values := make([]int, 0)
	extra := 0
	for v := range n.seen {
		if _, ok := known[v]; !ok {
			values = append(values, v)
			continue
		}
		if extra < n.extra {
			values = append(values, v)
			extra++
		}
	}
	sort.Ints(values)

	return values
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Ints(out)

	return out
}
