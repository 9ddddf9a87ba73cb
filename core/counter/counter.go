// Package counter keeps a grow-only counter in the sequentially consistent store.
package counter

import (
	"context"

	"github.com/o-hill/gossip-glomers/core/protocol"
	"github.com/o-hill/gossip-glomers/core/server"
	"github.com/o-hill/gossip-glomers/core/storage"
	"github.com/o-hill/gossip-glomers/io/metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/backoff"
)

// Key is where the counter lives in seq-kv.
const Key = "value"

const (
	TypeAdd    = "add"
	TypeAddOk  = "add_ok"
	TypeRead   = "read"
	TypeReadOk = "read_ok"
)

type Add struct {
	Delta int `json:"delta"`
}

func (Add) Type() string { return TypeAdd }

type AddOk struct{}

func (AddOk) Type() string { return TypeAddOk }

type Read struct{}

func (Read) Type() string { return TypeRead }

type ReadOk struct {
	Value int `json:"value"`
}

func (ReadOk) Type() string { return TypeReadOk }

type replier interface {
	Reply(req protocol.Message, p protocol.Payload) error
}

type Node struct {
	store storage.Store
	net   replier
	retry storage.Retry
	log   *log.Entry
}

func Factory(policy backoff.Config) server.Factory {
	return func(_ context.Context, rt *server.Runtime) (server.Node, error) {
		return New(rt.NodeID, storage.NewSeqKV(rt.NodeID, rt.Net), rt.Net, policy), nil
	}
}

func New(id string, store storage.Store, net replier, policy backoff.Config) *Node {
	return &Node{
		store: store,
		net:   net,
		retry: storage.Retry{
			Backoff: policy,
			OnConflict: func() {
				metrics.CasFailures.WithLabelValues("counter_add").Inc()
			},
		},
		log: log.WithField("node", id),
	}
}

func (n *Node) Step(ctx context.Context, ev server.Event) error {
	if ev.Kind != server.KindMessage {
		return nil
	}

	msg := ev.Message
	switch msg.Body.Type {
	case TypeAdd:
		var req Add
		if err := msg.Decode(&req); err != nil {
			return err
		}
		if err := n.add(ctx, req.Delta); err != nil {
			return errors.Wrapf(err, "add %d", req.Delta)
		}
		return n.net.Reply(msg, AddOk{})
	case TypeRead:
		var value int
		if err := storage.ReadOrCreate(ctx, n.store, Key, 0, &value); err != nil {
			return errors.Wrap(err, "read counter")
		}
		return n.net.Reply(msg, ReadOk{Value: value})
	case TypeAddOk, TypeReadOk:
		return nil
	default:
		return errors.Errorf("unsupported message %s from %s", msg.Body.Type, msg.Src)
	}
}

func (n *Node) add(ctx context.Context, delta int) error {
	return n.retry.Do(ctx, func(ctx context.Context) error {
		var current int
		if err := storage.ReadOrCreate(ctx, n.store, Key, 0, &current); err != nil {
			return err
		}

		n.log.Debugf("cas %d -> %d", current, current+delta)
		return n.store.CompareAndStore(ctx, Key, current, current+delta, false)
	})
}
