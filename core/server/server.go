// Package server runs a node: it performs the init handshake, merges input records
// and timer ticks into one event stream and dispatches every event to the node.
package server

import (
	"context"
	"io"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/o-hill/gossip-glomers/core/network"
	"github.com/o-hill/gossip-glomers/core/protocol"
	"github.com/o-hill/gossip-glomers/core/storage"
	"github.com/o-hill/gossip-glomers/io/metrics"
	"github.com/o-hill/gossip-glomers/io/transport"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrUnmatchedReply tags replies that answer no pending request.
var ErrUnmatchedReply = errors.New("unmatched reply")

const defaultEventBuffer = 256

type Kind int

const (
	// KindMessage is a record from a client or a peer node.
	KindMessage Kind = iota
	// KindInjected is a tick produced by a timer registered with Runtime.Every.
	KindInjected
	// KindStorage is a record from a storage service that no request was waiting for.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindInjected:
		return "injected"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind    Kind
	Message protocol.Message
	// Tick names the timer for injected events.
	Tick string
}

// Node is the protocol logic driven by the server.
// Step is called concurrently, one goroutine per event.
type Node interface {
	Step(ctx context.Context, ev Event) error
}

// Factory builds a node once the handshake has revealed its identity.
type Factory func(ctx context.Context, rt *Runtime) (Node, error)

type recordStream interface {
	Read() (protocol.Message, error)
	Write(msg protocol.Message) error
}

// Runtime is what a node gets to know about its environment.
type Runtime struct {
	NodeID  string
	NodeIDs []string
	Net     *network.Network
	Log     *log.Entry

	srv *Server
}

// Peers returns every node id except our own.
func (rt *Runtime) Peers() []string {
	peers := make([]string, 0, len(rt.NodeIDs))
	for _, id := range rt.NodeIDs {
		if id != rt.NodeID {
			peers = append(peers, id)
		}
	}

	return peers
}

// IsPeer reports whether id belongs to the cluster.
func (rt *Runtime) IsPeer(id string) bool {
	for _, peer := range rt.NodeIDs {
		if peer == id {
			return true
		}
	}

	return false
}

// Every injects an event named name every interval plus a random share of jitter.
func (rt *Runtime) Every(name string, interval, jitter time.Duration) {
	rt.srv.every(name, interval, jitter)
}

type Option func(*Server)

// WithEventBuffer sets the capacity of the ingress channel.
func WithEventBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.events = make(chan Event, n)
		}
	}
}

type Server struct {
	stream recordStream
	net    *network.Network
	sm     *stateMachine

	events      chan Event
	inputDone   chan struct{}
	stopTickers chan struct{}
	tickers     sync.WaitGroup
	steps       sync.WaitGroup

	log *log.Entry
}

func New(stream recordStream, opts ...Option) *Server {
	s := &Server{
		stream:      stream,
		net:         network.New(stream),
		sm:          newStateMachine(),
		events:      make(chan Event, defaultEventBuffer),
		inputDone:   make(chan struct{}),
		stopTickers: make(chan struct{}),
		log:         log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// State returns the lifecycle state of the server.
func (s *Server) State() string {
	return s.sm.State()
}

// Serve blocks until the input ends or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, factory Factory) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	initMsg, init, err := s.handshake()
	if err != nil {
		_ = s.sm.Transition(stateClosed)
		return err
	}

	s.log = log.WithField("node", init.NodeID)
	rt := &Runtime{
		NodeID:  init.NodeID,
		NodeIDs: init.NodeIDs,
		Net:     s.net,
		Log:     s.log,
		srv:     s,
	}

	node, err := factory(ctx, rt)
	if err != nil {
		_ = s.sm.Transition(stateClosed)
		return errors.Wrap(err, "build node")
	}
	if err := s.net.Reply(initMsg, protocol.InitOk{}); err != nil {
		_ = s.sm.Transition(stateClosed)
		return errors.Wrap(err, "reply init_ok")
	}
	if err := s.sm.Transition(stateSteady); err != nil {
		return err
	}
	s.log.Infof("initialized with %d nodes", len(init.NodeIDs))

	go s.read(ctx)

	var result error
loop:
	for {
		select {
		case ev := <-s.events:
			s.dispatch(ctx, node, ev)
		case <-s.inputDone:
			break loop
		case <-ctx.Done():
			result = ctx.Err()
			break loop
		}
	}

	s.shutdown(ctx, node)

	return result
}

func (s *Server) handshake() (protocol.Message, protocol.Init, error) {
	for {
		msg, err := s.stream.Read()
		if errors.Is(err, transport.ErrMalformedRecord) {
			metrics.MalformedRecords.Inc()
			s.log.Warnf("skipping record before init: %v", err)
			continue
		}
		if err != nil {
			return protocol.Message{}, protocol.Init{}, errors.Wrap(err, "read init")
		}

		if msg.Body.Type != protocol.TypeInit {
			return protocol.Message{}, protocol.Init{}, errors.Errorf("expected %s as first record, got %s", protocol.TypeInit, msg.Body.Type)
		}

		var init protocol.Init
		if err := msg.Decode(&init); err != nil {
			return protocol.Message{}, protocol.Init{}, err
		}
		if init.NodeID == "" {
			return protocol.Message{}, protocol.Init{}, errors.New("init carries no node_id")
		}

		return msg, init, nil
	}
}

func (s *Server) read(ctx context.Context) {
	defer close(s.inputDone)

	for {
		msg, err := s.stream.Read()
		if errors.Is(err, transport.ErrMalformedRecord) {
			metrics.MalformedRecords.Inc()
			s.log.Warnf("skipping record: %v", err)
			continue
		}
		if errors.Is(err, io.EOF) {
			s.log.Info("input closed")
			return
		}
		if err != nil {
			s.log.Errorf("stop reading: %v", err)
			return
		}

		ev := Event{Kind: KindMessage, Message: msg}
		if storage.IsAddr(msg.Src) {
			ev.Kind = KindStorage
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) every(name string, interval, jitter time.Duration) {
	if interval <= 0 {
		s.log.Warnf("timer %s has non-positive interval %s, not started", name, interval)
		return
	}
	select {
	case <-s.stopTickers:
		return
	default:
	}

	s.tickers.Add(1)
	go func() {
		defer s.tickers.Done()

		for {
			d := interval
			if jitter > 0 {
				d += time.Duration(rand.Int63n(int64(jitter)))
			}

			t := time.NewTimer(d)
			select {
			case <-s.stopTickers:
				t.Stop()
				return
			case <-t.C:
			}

			select {
			case s.events <- Event{Kind: KindInjected, Tick: name}:
			case <-s.stopTickers:
				return
			}
		}
	}()
}

func (s *Server) dispatch(ctx context.Context, node Node, ev Event) {
	metrics.EventsTotal.WithLabelValues(ev.Kind.String()).Inc()

	if ev.Kind != KindInjected && ev.Message.IsReply() {
		if s.net.Resolve(ev.Message) {
			return
		}
		if ev.Kind != KindStorage {
			metrics.UnmatchedReplies.Inc()
			s.log.WithError(ErrUnmatchedReply).Debugf("dropping %s from %s in reply to %d",
				ev.Message.Body.Type, ev.Message.Src, *ev.Message.Body.InReplyTo)
			return
		}
	}

	s.steps.Add(1)
	go s.step(ctx, node, ev)
}

func (s *Server) step(ctx context.Context, node Node, ev Event) {
	defer s.steps.Done()

	metrics.StepsInFlight.Inc()
	defer metrics.StepsInFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			metrics.StepFailures.WithLabelValues("panic").Inc()
			s.log.Errorf("step panicked on %s event %s: %v\n%s", ev.Kind, describe(ev), r, debug.Stack())
		}
	}()

	if err := node.Step(ctx, ev); err != nil {
		metrics.StepFailures.WithLabelValues("error").Inc()
		s.log.Errorf("step failed on %s event %s: %v", ev.Kind, describe(ev), err)
	}
}

func (s *Server) shutdown(ctx context.Context, node Node) {
	if err := s.sm.Transition(stateDraining); err != nil {
		s.log.Error(err)
	}

	close(s.stopTickers)
	s.tickers.Wait()

	for drained := false; !drained; {
		select {
		case ev := <-s.events:
			s.dispatch(ctx, node, ev)
		default:
			drained = true
		}
	}

	s.net.Close()
	s.steps.Wait()

	if closer, ok := node.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.log.Errorf("failed to close node: %v", err)
		}
	}

	if err := s.sm.Transition(stateClosed); err != nil {
		s.log.Error(err)
	}
	s.log.Info("server stopped")
}

func describe(ev Event) string {
	if ev.Kind == KindInjected {
		return ev.Tick
	}

	return ev.Message.Body.Type + " from " + ev.Message.Src
}
