package storage

import (
	"context"
	"encoding/json"
	"testing"

	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	"github.com/o-hill/gossip-glomers/core/protocol"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeNet answers every request with the payload returned by handle.
type fakeNet struct {
	handle func(req protocol.Message) protocol.Payload
	sent   []protocol.Message
	reqs   []protocol.Message
	err    error
}

func (f *fakeNet) Send(msg protocol.Message) (uint64, error) {
	f.sent = append(f.sent, msg)
	return uint64(len(f.sent)), f.err
}

func (f *fakeNet) Request(_ context.Context, msg protocol.Message) (protocol.Message, error) {
	if f.err != nil {
		return protocol.Message{}, f.err
	}
	id := uint64(len(f.reqs) + 1)
	msg.Body.ID = &id
	f.reqs = append(f.reqs, msg)

	reply, err := msg.Reply(f.handle(msg))
	if err != nil {
		return protocol.Message{}, err
	}
	// round trip through the wire encoding like the transport does
	data, err := json.Marshal(reply)
	if err != nil {
		return protocol.Message{}, err
	}
	var decoded protocol.Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		return protocol.Message{}, err
	}
	return decoded, nil
}

func decodeCas(t *testing.T, msg protocol.Message) Cas {
	var c Cas
	require.NoError(t, msg.Decode(&c))
	return c
}

func TestRead_DecodesValue(t *testing.T) {
	net := &fakeNet{handle: func(protocol.Message) protocol.Payload {
		return ReadOk{Value: json.RawMessage(`17`)}
	}}
	kv := NewSeqKV("n1", net)

	var v int
	require.NoError(t, kv.Read(context.Background(), "value", &v))
	require.Equal(t, 17, v)
	require.Equal(t, SeqKV, net.reqs[0].Dst)
	require.Equal(t, "n1", net.reqs[0].Src)
}

func TestRead_MissingKey(t *testing.T) {
	net := &fakeNet{handle: func(protocol.Message) protocol.Payload {
		return protocol.NewRPCError(maelstrom.KeyDoesNotExist, "not found")
	}}
	kv := NewLinKV("n1", net)

	var v int
	err := kv.Read(context.Background(), "offset/t", &v)
	require.ErrorIs(t, err, ErrKeyNotFound)

	var storeErr *Error
	require.True(t, errors.As(err, &storeErr))
	require.Equal(t, LinKV, storeErr.Addr)
	require.Equal(t, "offset/t", storeErr.Key)
	require.Equal(t, maelstrom.KeyDoesNotExist, storeErr.Code())

	var rpcErr *maelstrom.RPCError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, "not found", rpcErr.Text)
}

func TestRead_OtherErrorIsNotMissingKey(t *testing.T) {
	net := &fakeNet{handle: func(protocol.Message) protocol.Payload {
		return protocol.NewRPCError(maelstrom.Timeout, "")
	}}

	var v int
	err := NewLinKV("n1", net).Read(context.Background(), "k", &v)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrKeyNotFound))
}

func TestWrite_IsFireAndForget(t *testing.T) {
	net := &fakeNet{}
	require.NoError(t, NewSeqKV("n1", net).Write(context.Background(), "k", 3))
	require.Len(t, net.sent, 1)
	require.Empty(t, net.reqs)
	require.Equal(t, TypeWrite, net.sent[0].Body.Type)
}

func TestCompareAndStore(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		net := &fakeNet{handle: func(protocol.Message) protocol.Payload { return CasOk{} }}
		require.NoError(t, NewLinKV("n1", net).CompareAndStore(context.Background(), "k", 1, 2, true))

		c := decodeCas(t, net.reqs[0])
		require.Equal(t, "k", c.Key)
		require.EqualValues(t, 1, c.From)
		require.EqualValues(t, 2, c.To)
		require.True(t, c.CreateIfNotExists)
	})

	t.Run("precondition failed", func(t *testing.T) {
		net := &fakeNet{handle: func(protocol.Message) protocol.Payload {
			return protocol.NewRPCError(maelstrom.PreconditionFailed, "")
		}}
		err := NewLinKV("n1", net).CompareAndStore(context.Background(), "k", 1, 2, false)
		require.ErrorIs(t, err, ErrCasFailed)
	})

	t.Run("transport failure is not a cas failure", func(t *testing.T) {
		net := &fakeNet{err: errors.New("closed")}
		err := NewLinKV("n1", net).CompareAndStore(context.Background(), "k", 1, 2, false)
		require.Error(t, err)
		require.False(t, errors.Is(err, ErrCasFailed))
	})
}

func TestReadOrCreate(t *testing.T) {
	t.Run("existing value", func(t *testing.T) {
		net := &fakeNet{handle: func(protocol.Message) protocol.Payload {
			return ReadOk{Value: json.RawMessage(`4`)}
		}}
		var v int
		require.NoError(t, ReadOrCreate(context.Background(), NewSeqKV("n1", net), "value", 0, &v))
		require.Equal(t, 4, v)
		require.Len(t, net.reqs, 1)
	})

	t.Run("creates default", func(t *testing.T) {
		net := &fakeNet{handle: func(req protocol.Message) protocol.Payload {
			if req.Body.Type == TypeRead {
				return protocol.NewRPCError(maelstrom.KeyDoesNotExist, "")
			}
			return CasOk{}
		}}
		v := -1
		require.NoError(t, ReadOrCreate(context.Background(), NewSeqKV("n1", net), "value", 0, &v))
		require.Equal(t, 0, v)
		require.True(t, decodeCas(t, net.reqs[1]).CreateIfNotExists)
	})

	t.Run("lost creation race rereads", func(t *testing.T) {
		reads := 0
		net := &fakeNet{handle: func(req protocol.Message) protocol.Payload {
			switch req.Body.Type {
			case TypeRead:
				reads++
				if reads == 1 {
					return protocol.NewRPCError(maelstrom.KeyDoesNotExist, "")
				}
				return ReadOk{Value: json.RawMessage(`9`)}
			default:
				return protocol.NewRPCError(maelstrom.PreconditionFailed, "")
			}
		}}
		var v int
		require.NoError(t, ReadOrCreate(context.Background(), NewSeqKV("n1", net), "value", 0, &v))
		require.Equal(t, 9, v)
		require.Equal(t, 2, reads)
	})
}
