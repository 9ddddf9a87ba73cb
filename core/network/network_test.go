package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/o-hill/gossip-glomers/core/protocol"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type ping struct{}

func (ping) Type() string { return "ping" }

type pong struct{}

func (pong) Type() string { return "pong" }

type chanWriter struct {
	out chan protocol.Message
	err error
}

func newChanWriter() *chanWriter {
	return &chanWriter{out: make(chan protocol.Message, 1024)}
}

func (w *chanWriter) Write(msg protocol.Message) error {
	if w.err != nil {
		return w.err
	}
	w.out <- msg
	return nil
}

func newPing(t *testing.T) protocol.Message {
	msg, err := protocol.NewMessage("n1", "n2", ping{})
	require.NoError(t, err)
	return msg
}

func answer(t *testing.T, req protocol.Message) protocol.Message {
	reply, err := req.Reply(pong{})
	require.NoError(t, err)
	return reply
}

func TestRequest_ResolvedByMatchingReply(t *testing.T) {
	w := newChanWriter()
	n := New(w)

	req := newPing(t)
	done := make(chan protocol.Message, 1)
	go func() {
		reply, err := n.Request(context.Background(), req)
		if err == nil {
			done <- reply
		}
	}()

	sent := <-w.out
	require.NotNil(t, sent.Body.ID)
	require.True(t, n.Resolve(answer(t, sent)))

	select {
	case reply := <-done:
		require.Equal(t, "pong", reply.Body.Type)
		require.Equal(t, *sent.Body.ID, *reply.Body.InReplyTo)
	case <-time.After(time.Second):
		t.Fatal("request was not resolved")
	}
	require.Zero(t, n.Pending())
}

func TestResolve_DuplicateReplyIsDropped(t *testing.T) {
	w := newChanWriter()
	n := New(w)

	req := newPing(t)
	go func() { _, _ = n.Request(context.Background(), req) }()

	sent := <-w.out
	reply := answer(t, sent)
	require.True(t, n.Resolve(reply))
	require.False(t, n.Resolve(reply))
}

func TestResolve_IgnoresNonReplies(t *testing.T) {
	n := New(newChanWriter())
	require.False(t, n.Resolve(newPing(t)))
}

func TestRequest_ContextCancelRemovesWaiter(t *testing.T) {
	w := newChanWriter()
	n := New(w)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := n.Request(ctx, newPing(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, n.Pending())

	sent := <-w.out
	require.False(t, n.Resolve(answer(t, sent)))
}

func TestRequest_WriteFailureRemovesWaiter(t *testing.T) {
	w := newChanWriter()
	w.err = errors.New("broken pipe")
	n := New(w)

	_, err := n.Request(context.Background(), newPing(t))
	require.Error(t, err)
	require.Zero(t, n.Pending())
}

func TestClose_ResolvesPendingRequests(t *testing.T) {
	w := newChanWriter()
	n := New(w)

	const waiters = 8
	req := newPing(t)
	errs := make(chan error, waiters)
	for range waiters {
		go func() {
			_, err := n.Request(context.Background(), req)
			errs <- err
		}()
	}
	for range waiters {
		<-w.out
	}

	n.Close()
	for range waiters {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("waiter hung after close")
		}
	}
	require.Zero(t, n.Pending())

	_, err := n.Request(context.Background(), newPing(t))
	require.ErrorIs(t, err, ErrClosed)
}

func TestSend_IDsAreUniqueUnderConcurrency(t *testing.T) {
	w := newChanWriter()
	n := New(w)

	const senders, perSender = 8, 100
	req := newPing(t)
	var (
		mu  sync.Mutex
		ids = make(map[uint64]struct{})
		wg  sync.WaitGroup
	)
	for range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perSender {
				id, err := n.Send(req)
				if err != nil {
					continue
				}
				mu.Lock()
				ids[id] = struct{}{}
				mu.Unlock()
				<-w.out
			}
		}()
	}
	wg.Wait()

	require.Len(t, ids, senders*perSender)
	_, zero := ids[0]
	require.False(t, zero)
}

func TestReply_CarriesRequestID(t *testing.T) {
	w := newChanWriter()
	n := New(w)

	id := uint64(42)
	req := protocol.Message{Src: "c1", Dst: "n1", Body: protocol.Body{ID: &id, Type: "ping"}}
	require.NoError(t, n.Reply(req, pong{}))

	sent := <-w.out
	require.Equal(t, "c1", sent.Dst)
	require.Equal(t, id, *sent.Body.InReplyTo)
	require.NotNil(t, sent.Body.ID)
}
