// Package network correlates outbound requests with the replies that answer them.
package network

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/o-hill/gossip-glomers/core/protocol"
	"github.com/o-hill/gossip-glomers/io/metrics"
	"github.com/pkg/errors"
)

// ErrClosed is returned to requests still waiting when the network shuts down.
var ErrClosed = errors.New("network closed")

type writer interface {
	Write(msg protocol.Message) error
}

// Network allocates message ids and keeps the table of requests awaiting a reply.
type Network struct {
	out    writer
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan protocol.Message

	done      chan struct{}
	closeOnce sync.Once
}

func New(out writer) *Network {
	return &Network{
		out:     out,
		pending: make(map[uint64]chan protocol.Message),
		done:    make(chan struct{}),
	}
}

func (n *Network) allocate(msg *protocol.Message) uint64 {
	id := n.nextID.Add(1)
	msg.Body.ID = &id

	return id
}

// Send stamps msg with a fresh id and writes it without waiting for an answer.
func (n *Network) Send(msg protocol.Message) (uint64, error) {
	id := n.allocate(&msg)
	if err := n.out.Write(msg); err != nil {
		return 0, errors.Wrapf(err, "send %s to %s", msg.Body.Type, msg.Dst)
	}

	return id, nil
}

// Reply answers req with the given payload.
func (n *Network) Reply(req protocol.Message, p protocol.Payload) error {
	reply, err := req.Reply(p)
	if err != nil {
		return err
	}

	if _, err := n.Send(reply); err != nil {
		return err
	}

	return nil
}

// Request writes msg and blocks until its reply arrives, ctx ends or the network closes.
func (n *Network) Request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	select {
	case <-n.done:
		return protocol.Message{}, ErrClosed
	default:
	}

	id := n.allocate(&msg)
	ch := make(chan protocol.Message, 1)

	// register before writing so a fast reply can't slip past
	n.mu.Lock()
	n.pending[id] = ch
	n.mu.Unlock()
	metrics.PendingRequests.Inc()

	if err := n.out.Write(msg); err != nil {
		n.forget(id)
		return protocol.Message{}, errors.Wrapf(err, "request %s to %s", msg.Body.Type, msg.Dst)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		n.forget(id)
		return protocol.Message{}, ctx.Err()
	case <-n.done:
		n.forget(id)
		return protocol.Message{}, ErrClosed
	}
}

// Resolve hands msg to the request it answers.
// It reports false when msg is not a reply or nobody is waiting for it any more.
func (n *Network) Resolve(msg protocol.Message) bool {
	if !msg.IsReply() {
		return false
	}

	id := *msg.Body.InReplyTo

	n.mu.Lock()
	ch, ok := n.pending[id]
	if ok {
		delete(n.pending, id)
	}
	n.mu.Unlock()

	if !ok {
		return false
	}

	metrics.PendingRequests.Dec()
	ch <- msg

	return true
}

func (n *Network) forget(id uint64) {
	n.mu.Lock()
	_, ok := n.pending[id]
	delete(n.pending, id)
	n.mu.Unlock()

	if ok {
		metrics.PendingRequests.Dec()
	}
}

// Pending returns the number of requests awaiting a reply.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.pending)
}

// Close fails every pending request with ErrClosed. Later requests fail immediately.
func (n *Network) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
	})
}
