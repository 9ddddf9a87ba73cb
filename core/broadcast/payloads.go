package broadcast

const (
	TypeBroadcast   = "broadcast"
	TypeBroadcastOk = "broadcast_ok"
	TypeRead        = "read"
	TypeReadOk      = "read_ok"
	TypeTopology    = "topology"
	TypeTopologyOk  = "topology_ok"
	TypeGossip      = "gossip"
)

type Broadcast struct {
	Message int `json:"message"`
}

func (Broadcast) Type() string { return TypeBroadcast }

type BroadcastOk struct{}

func (BroadcastOk) Type() string { return TypeBroadcastOk }

type Read struct{}

func (Read) Type() string { return TypeRead }

type ReadOk struct {
	Messages []int `json:"messages"`
}

func (ReadOk) Type() string { return TypeReadOk }

type Topology struct {
	Topology map[string][]string `json:"topology"`
}

func (Topology) Type() string { return TypeTopology }

type TopologyOk struct{}

func (TopologyOk) Type() string { return TypeTopologyOk }

// Gossip carries values the sender has seen.
type Gossip struct {
	Seen []int `json:"seen"`
}

func (Gossip) Type() string { return TypeGossip }
