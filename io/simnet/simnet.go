// Package simnet runs a cluster of nodes inside one process.
//
// Each node is served exactly as in production, over a pipe for its input and a
// router for its output. The router delivers records to other nodes, to test
// clients and to emulated seq-kv and lin-kv services.
package simnet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/o-hill/gossip-glomers/core/protocol"
	"github.com/o-hill/gossip-glomers/core/server"
	"github.com/o-hill/gossip-glomers/core/storage"
	"github.com/o-hill/gossip-glomers/io/transport"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Option func(*Cluster)

// WithDelay delays every delivery by a random duration up to max.
func WithDelay(max time.Duration) Option {
	return func(c *Cluster) {
		c.maxDelay = max
	}
}

// WithDuplication delivers a record twice with probability p.
func WithDuplication(p float64) Option {
	return func(c *Cluster) {
		c.duplicate = p
	}
}

type node struct {
	id   string
	mu   sync.Mutex
	in   *io.PipeWriter
	srv  *server.Server
	done chan error
}

type Cluster struct {
	maxDelay  time.Duration
	duplicate float64

	mu      sync.RWMutex
	nodes   map[string]*node
	clients map[string]*Client
	kv      map[string]*kvService

	clientSeq  atomic.Uint64
	deliveries sync.WaitGroup
	closed     atomic.Bool
}

func New(opts ...Option) *Cluster {
	c := &Cluster{
		nodes:   make(map[string]*node),
		clients: make(map[string]*Client),
		kv: map[string]*kvService{
			storage.SeqKV: newKVService(),
			storage.LinKV: newKVService(),
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start serves one node per id with the same factory and completes the init handshake.
func (c *Cluster) Start(ctx context.Context, ids []string, factory server.Factory) error {
	c.mu.Lock()
	for _, id := range ids {
		inR, inW := io.Pipe()
		n := &node{
			id:   id,
			in:   inW,
			srv:  server.New(transport.New(inR, &router{cluster: c, src: id})),
			done: make(chan error, 1),
		}
		c.nodes[id] = n

		go func() {
			n.done <- n.srv.Serve(context.Background(), factory)
		}()
	}
	c.mu.Unlock()

	admin := c.NewClient()
	for _, id := range ids {
		reply, err := admin.Call(ctx, id, protocol.Init{NodeID: id, NodeIDs: ids})
		if err != nil {
			return errors.Wrapf(err, "init %s", id)
		}
		if reply.Body.Type != protocol.TypeInitOk {
			return errors.Errorf("init %s: unexpected reply %s", id, reply.Body.Type)
		}
	}

	return nil
}

// Value returns the raw JSON stored under key by the given storage service.
func (c *Cluster) Value(addr, key string) (json.RawMessage, bool) {
	svc, ok := c.kv[addr]
	if !ok {
		return nil, false
	}

	return svc.get(key)
}

// Close ends the input of every node and waits for them to stop.
func (c *Cluster) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.RLock()
	nodes := make([]*node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.mu.RUnlock()

	var firstErr error
	for _, n := range nodes {
		_ = n.in.Close()

		if err := <-n.done; err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "node %s", n.id)
		}
	}
	c.deliveries.Wait()

	return firstErr
}

func (c *Cluster) route(msg protocol.Message) {
	copies := 1
	if c.duplicate > 0 && rand.Float64() < c.duplicate {
		copies = 2
	}

	for range copies {
		c.deliveries.Add(1)
		go func() {
			defer c.deliveries.Done()

			if c.maxDelay > 0 {
				time.Sleep(time.Duration(rand.Int63n(int64(c.maxDelay))))
			}
			c.deliver(msg)
		}()
	}
}

func (c *Cluster) deliver(msg protocol.Message) {
	if svc, ok := c.kv[msg.Dst]; ok {
		reply, err := msg.Reply(svc.handle(msg))
		if err != nil {
			log.Errorf("simnet: %s reply: %v", msg.Dst, err)
			return
		}
		c.route(reply)
		return
	}

	c.mu.RLock()
	n, isNode := c.nodes[msg.Dst]
	cl, isClient := c.clients[msg.Dst]
	c.mu.RUnlock()

	switch {
	case isNode:
		n.write(msg)
	case isClient:
		cl.receive(msg)
	default:
		log.Debugf("simnet: dropping %s for unknown %s", msg.Body.Type, msg.Dst)
	}
}

func (n *node) write(msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("simnet: encode for %s: %v", n.id, err)
		return
	}
	data = append(data, '\n')

	n.mu.Lock()
	defer n.mu.Unlock()

	// a closed pipe means the node is gone; the record is lost like on a real network
	_, _ = n.in.Write(data)
}

// router receives the output of one node.
type router struct {
	cluster *Cluster
	src     string
}

func (r *router) Write(p []byte) (int, error) {
	var msg protocol.Message
	if err := json.Unmarshal(p, &msg); err != nil {
		return 0, errors.Wrapf(err, "simnet: %s wrote an invalid record", r.src)
	}
	if msg.Src != r.src {
		return 0, errors.Errorf("simnet: %s wrote a record from %s", r.src, msg.Src)
	}

	r.cluster.route(msg)

	return len(p), nil
}

// Client talks to nodes the way the harness workload does.
type Client struct {
	id      string
	cluster *Cluster
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan protocol.Message
}

func (c *Cluster) NewClient() *Client {
	cl := &Client{
		id:      fmt.Sprintf("c%d", c.clientSeq.Add(1)),
		cluster: c,
		pending: make(map[uint64]chan protocol.Message),
	}

	c.mu.Lock()
	c.clients[cl.id] = cl
	c.mu.Unlock()

	return cl
}

func (cl *Client) ID() string {
	return cl.id
}

// Call sends p to dst and waits for the first reply to it.
func (cl *Client) Call(ctx context.Context, dst string, p protocol.Payload) (protocol.Message, error) {
	msg, err := protocol.NewMessage(cl.id, dst, p)
	if err != nil {
		return protocol.Message{}, err
	}
	id := cl.nextID.Add(1)
	msg.Body.ID = &id

	ch := make(chan protocol.Message, 1)
	cl.mu.Lock()
	cl.pending[id] = ch
	cl.mu.Unlock()

	defer func() {
		cl.mu.Lock()
		delete(cl.pending, id)
		cl.mu.Unlock()
	}()

	cl.cluster.route(msg)

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return protocol.Message{}, errors.Wrapf(ctx.Err(), "%s to %s", p.Type(), dst)
	}
}

func (cl *Client) receive(msg protocol.Message) {
	if !msg.IsReply() {
		return
	}

	cl.mu.Lock()
	ch, ok := cl.pending[*msg.Body.InReplyTo]
	if ok {
		delete(cl.pending, *msg.Body.InReplyTo)
	}
	cl.mu.Unlock()

	if ok {
		ch <- msg
	}
}
