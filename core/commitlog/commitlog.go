// Package commitlog implements a sharded append-only log with committed offsets.
//
// Every topic has one leader among the nodes, picked by hashing the topic name.
// Only the leader appends to a topic; other nodes forward sends to it. Offsets,
// entries and commits live in lin-kv:
//
//	offset/<topic>          next offset to assign
//	log/<topic>/<offset>    entry
//	commit/<topic>          committed offset
//	run                     id of the current harness run, binds the entry cache
package commitlog

import (
	"context"
	"math/rand"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	"github.com/o-hill/gossip-glomers/core/commitlog/hooks"
	"github.com/o-hill/gossip-glomers/core/protocol"
	"github.com/o-hill/gossip-glomers/core/server"
	"github.com/o-hill/gossip-glomers/core/storage"
	"github.com/o-hill/gossip-glomers/io/entrycache"
	"github.com/o-hill/gossip-glomers/io/metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/backoff"
)

// ErrForwardFailed means the topic leader could not be reached for a send.
var ErrForwardFailed = errors.New("forward to leader failed")

// Config tunes a commit log node. AppendTimeout bounds the store calls made while a
// topic is locked; zero waits forever, as does a zero ForwardTimeout.
type Config struct {
	PollLimit      int
	ForwardTimeout time.Duration
	AppendTimeout  time.Duration
	Backoff        backoff.Config
	MaxTopicLen    int
	CacheDir       string
}

const runKey = "run"

type requester interface {
	Request(ctx context.Context, msg protocol.Message) (protocol.Message, error)
	Reply(req protocol.Message, p protocol.Payload) error
}

type Node struct {
	id      string
	nodeIDs []string
	store   storage.Store
	net     requester
	cache   *entrycache.Cache
	hooks   *hooks.Registry
	conf    Config
	log     *log.Entry

	alloc  storage.Retry
	commit storage.Retry

	topicsMu sync.Mutex
	topics   map[string]*sync.Mutex

	bindMu sync.Mutex

	casFailures atomic.Uint64
	appends     atomic.Uint64
}

func Factory(conf Config) server.Factory {
	return func(_ context.Context, rt *server.Runtime) (server.Node, error) {
		dir := conf.CacheDir
		if dir != "" {
			// nodes of one cluster usually share a working directory
			dir = filepath.Join(dir, rt.NodeID)
		}
		cache, err := entrycache.New(dir)
		if err != nil {
			return nil, err
		}

		registry := hooks.NewRegistry(hooks.NewDefaultHook(), hooks.NewValidationHook(conf.MaxTopicLen))
		return New(rt.NodeID, rt.NodeIDs, storage.NewLinKV(rt.NodeID, rt.Net), rt.Net, cache, registry, conf), nil
	}
}

func New(id string, nodeIDs []string, store storage.Store, net requester, cache *entrycache.Cache, registry *hooks.Registry, conf Config) *Node {
	n := &Node{
		id:      id,
		nodeIDs: nodeIDs,
		store:   store,
		net:     net,
		cache:   cache,
		hooks:   registry,
		conf:    conf,
		log:     log.WithField("node", id),
		topics:  make(map[string]*sync.Mutex),
	}
	n.alloc = storage.Retry{
		Backoff: conf.Backoff,
		OnConflict: func() {
			n.casFailures.Add(1)
			metrics.CasFailures.WithLabelValues("offset_alloc").Inc()
		},
	}
	n.commit = storage.Retry{
		Backoff: conf.Backoff,
		OnConflict: func() {
			metrics.CasFailures.WithLabelValues("commit").Inc()
		},
	}

	return n
}

func offsetKey(topic string) string { return "offset/" + topic }
func commitKey(topic string) string { return "commit/" + topic }

// Leader returns the node responsible for appending to topic.
func (n *Node) Leader(topic string) string {
	if len(n.nodeIDs) == 0 {
		return n.id
	}

	return n.nodeIDs[xxhash.Sum64String(topic)%uint64(len(n.nodeIDs))]
}

func (n *Node) Step(ctx context.Context, ev server.Event) error {
	if ev.Kind != server.KindMessage {
		return nil
	}

	msg := ev.Message
	switch msg.Body.Type {
	case TypeSend:
		var req Send
		if err := msg.Decode(&req); err != nil {
			return err
		}
		return n.handleSend(ctx, msg, req)
	case TypePoll:
		var req Poll
		if err := msg.Decode(&req); err != nil {
			return err
		}
		msgs, err := n.poll(ctx, req.Offsets)
		if err != nil {
			return errors.Wrap(err, "poll")
		}
		return n.net.Reply(msg, PollOk{Msgs: msgs})
	case TypeCommitOffsets:
		var req CommitOffsets
		if err := msg.Decode(&req); err != nil {
			return err
		}
		for topic, offset := range req.Offsets {
			if err := n.hooks.CheckCommit(topic, offset); err != nil {
				return n.reject(msg, err)
			}
		}
		for topic, offset := range req.Offsets {
			if err := n.commitOffset(ctx, topic, offset); err != nil {
				return errors.Wrapf(err, "commit %s at %d", topic, offset)
			}
		}
		return n.net.Reply(msg, CommitOffsetsOk{})
	case TypeListCommittedOffsets:
		var req ListCommittedOffsets
		if err := msg.Decode(&req); err != nil {
			return err
		}
		offsets, err := n.committed(ctx, req.Keys)
		if err != nil {
			return errors.Wrap(err, "list committed offsets")
		}
		return n.net.Reply(msg, ListCommittedOffsetsOk{Offsets: offsets})
	case TypeSendOk, TypePollOk, TypeCommitOffsetsOk, TypeListCommittedOffsetsOk:
		return nil
	default:
		return errors.Errorf("unsupported message %s from %s", msg.Body.Type, msg.Src)
	}
}

func (n *Node) handleSend(ctx context.Context, msg protocol.Message, req Send) error {
	if err := n.hooks.CheckSend(req.Key, req.Msg); err != nil {
		return n.reject(msg, err)
	}

	// forwarded sends are appended where they land so a send never bounces twice
	leader := n.Leader(req.Key)
	if leader != n.id && !n.isMember(msg.Src) {
		return n.forward(ctx, msg, req, leader)
	}

	offset, err := n.append(ctx, req.Key, req.Msg)
	if err != nil {
		return errors.Wrapf(err, "append to %s", req.Key)
	}

	return n.net.Reply(msg, SendOk{Offset: offset})
}

func (n *Node) forward(ctx context.Context, msg protocol.Message, req Send, leader string) error {
	if n.conf.ForwardTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.conf.ForwardTimeout)
		defer cancel()
	}

	fwd, err := protocol.NewMessage(n.id, leader, req)
	if err != nil {
		return err
	}

	reply, err := n.net.Request(ctx, fwd)
	if err == nil && reply.Body.Type != TypeSendOk {
		err = errors.Errorf("leader answered %s", reply.Body.Type)
	}

	var ok SendOk
	if err == nil {
		err = reply.Decode(&ok)
	}
	if err != nil {
		unavailable := protocol.NewRPCError(maelstrom.TemporarilyUnavailable, "leader "+leader+" unavailable")
		if replyErr := n.net.Reply(msg, unavailable); replyErr != nil {
			n.log.Errorf("failed to report forward failure: %v", replyErr)
		}
		return errors.Wrapf(ErrForwardFailed, "send %s to %s: %v", req.Key, leader, err)
	}

	return n.net.Reply(msg, ok)
}

func (n *Node) reject(msg protocol.Message, cause error) error {
	n.log.Warnf("%s from %s: %v", msg.Body.Type, msg.Src, cause)

	return n.net.Reply(msg, protocol.NewRPCError(maelstrom.MalformedRequest, cause.Error()))
}

func (n *Node) isMember(id string) bool {
	for _, member := range n.nodeIDs {
		if member == id {
			return true
		}
	}

	return false
}

func (n *Node) topicLock(topic string) *sync.Mutex {
	n.topicsMu.Lock()
	defer n.topicsMu.Unlock()

	mu, ok := n.topics[topic]
	if !ok {
		mu = &sync.Mutex{}
		n.topics[topic] = mu
	}

	return mu
}

// append assigns the next offset of topic to msg and stores the entry.
func (n *Node) append(ctx context.Context, topic string, msg int) (int, error) {
	mu := n.topicLock(topic)
	mu.Lock()
	defer mu.Unlock()

	if n.conf.AppendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.conf.AppendTimeout)
		defer cancel()
	}

	var offset int
	err := n.alloc.Do(ctx, func(ctx context.Context) error {
		var next int
		if err := storage.ReadOrCreate(ctx, n.store, offsetKey(topic), 0, &next); err != nil {
			return err
		}
		if err := n.store.CompareAndStore(ctx, offsetKey(topic), next, next+1, false); err != nil {
			return err
		}
		offset = next
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "allocate offset")
	}

	if err := n.store.CompareAndStore(ctx, entrycache.Key(topic, offset), msg, msg, true); err != nil {
		return 0, errors.Wrapf(err, "store entry %d", offset)
	}
	if n.cacheReady(ctx) {
		if err := n.cache.Put(topic, offset, msg); err != nil {
			n.log.Warnf("failed to cache entry %s/%d: %v", topic, offset, err)
		}
	}

	n.appends.Add(1)
	metrics.AppendsTotal.Inc()
	n.log.Debugf("appended %d to %s at %d", msg, topic, offset)

	return offset, nil
}

func (n *Node) poll(ctx context.Context, offsets map[string]int) (map[string][][2]int, error) {
	msgs := make(map[string][][2]int, len(offsets))
	for topic, from := range offsets {
		var hwm int
		err := n.store.Read(ctx, offsetKey(topic), &hwm)
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var entries [][2]int
		for offset := max(from, 0); offset < hwm && len(entries) < n.conf.PollLimit; offset++ {
			msg, found, err := n.entry(ctx, topic, offset)
			if err != nil {
				return nil, err
			}
			if found {
				entries = append(entries, [2]int{offset, msg})
			}
		}
		if len(entries) > 0 {
			msgs[topic] = entries
		}
	}

	return msgs, nil
}

// entry looks up one entry, preferring the local cache. An offset that was
// allocated but never written reports found == false.
func (n *Node) entry(ctx context.Context, topic string, offset int) (int, bool, error) {
	ready := n.cacheReady(ctx)

	msg, found, err := n.cache.Get(topic, offset)
	if err != nil {
		n.log.Warnf("entry cache lookup %s/%d: %v", topic, offset, err)
	}
	if found {
		return msg, true, nil
	}

	err = n.store.Read(ctx, entrycache.Key(topic, offset), &msg)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	if ready {
		if err := n.cache.Put(topic, offset, msg); err != nil {
			n.log.Warnf("failed to cache entry %s/%d: %v", topic, offset, err)
		}
	}

	return msg, true, nil
}

// cacheReady binds a journaled cache to the run recorded in the store, creating the
// record on first use. The store starts empty every run, so a journal left by an
// earlier run is never served. Without a run the cache is bypassed.
func (n *Node) cacheReady(ctx context.Context) bool {
	if n.cache.Bound() {
		return true
	}

	n.bindMu.Lock()
	defer n.bindMu.Unlock()

	if n.cache.Bound() {
		return true
	}

	var run string
	if err := storage.ReadOrCreate(ctx, n.store, runKey, newRunID(), &run); err != nil {
		n.log.Warnf("entry cache unbound, reading run id: %v", err)
		return false
	}
	if err := n.cache.Bind(run); err != nil {
		n.log.Warnf("entry cache unbound: %v", err)
		return false
	}
	n.log.Infof("entry cache bound to run %s", run)

	return true
}

func newRunID() string {
	return strconv.FormatUint(rand.Uint64(), 36)
}

// commitOffset raises the committed offset of topic to offset. Lower offsets are ignored.
func (n *Node) commitOffset(ctx context.Context, topic string, offset int) error {
	key := commitKey(topic)

	return n.commit.Do(ctx, func(ctx context.Context) error {
		var current int
		err := n.store.Read(ctx, key, &current)
		if errors.Is(err, storage.ErrKeyNotFound) {
			return n.store.CompareAndStore(ctx, key, offset, offset, true)
		}
		if err != nil {
			return err
		}
		if offset <= current {
			return nil
		}

		return n.store.CompareAndStore(ctx, key, current, offset, false)
	})
}

func (n *Node) committed(ctx context.Context, topics []string) (map[string]int, error) {
	offsets := make(map[string]int, len(topics))
	for _, topic := range topics {
		var offset int
		err := n.store.Read(ctx, commitKey(topic), &offset)
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		offsets[topic] = offset
	}

	return offsets, nil
}

// Close reports how contended offset allocation was and releases the entry cache.
func (n *Node) Close() error {
	n.log.Infof("cas failures / total appends: %d / %d", n.casFailures.Load(), n.appends.Load())

	return n.cache.Close()
}
