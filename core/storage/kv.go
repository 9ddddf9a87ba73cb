// Package storage talks to the harness key-value services.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	"github.com/o-hill/gossip-glomers/core/protocol"
	"github.com/pkg/errors"
)

// Addresses of the harness storage services.
const (
	SeqKV = "seq-kv"
	LinKV = "lin-kv"
)

var (
	// ErrKeyNotFound matches a store error carrying maelstrom.KeyDoesNotExist.
	ErrKeyNotFound = errors.New("key does not exist")
	// ErrCasFailed means a compare-and-store was not applied.
	ErrCasFailed = errors.New("compare-and-store rejected")
)

// IsAddr reports whether addr belongs to a storage service.
func IsAddr(addr string) bool {
	return addr == SeqKV || addr == LinKV
}

//go:generate mockgen -destination=../../mocks/mock_store.go -package=mocks . Store
type Store interface {
	Read(ctx context.Context, key string, out any) error
	Write(ctx context.Context, key string, value any) error
	CompareAndStore(ctx context.Context, key string, from, to any, create bool) error
}

type requester interface {
	Send(msg protocol.Message) (uint64, error)
	Request(ctx context.Context, msg protocol.Message) (protocol.Message, error)
}

// Error is an error reply from a store, tagged with the operation that caused it.
type Error struct {
	Addr string
	Op   string
	Key  string
	Err  *maelstrom.RPCError
}

// NewError tags an RPC error code with the store call that produced it.
func NewError(addr, op, key string, code int, text string) *Error {
	return &Error{Addr: addr, Op: op, Key: key, Err: maelstrom.NewRPCError(code, text)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s %q: %v", e.Addr, e.Op, e.Key, e.Err)
}

// Code is the maelstrom error code of the reply.
func (e *Error) Code() int {
	if e.Err == nil {
		return -1
	}

	return maelstrom.ErrorCode(e.Err)
}

func (e *Error) Is(target error) bool {
	return target == ErrKeyNotFound && e.Code() == maelstrom.KeyDoesNotExist
}

func (e *Error) Unwrap() error {
	if e.Err == nil {
		return nil
	}

	return e.Err
}

// KV is a client for one storage service address.
type KV struct {
	nodeID string
	addr   string
	net    requester
}

func New(nodeID, addr string, net requester) *KV {
	return &KV{nodeID: nodeID, addr: addr, net: net}
}

// NewSeqKV returns a client for the sequentially consistent store.
func NewSeqKV(nodeID string, net requester) *KV {
	return New(nodeID, SeqKV, net)
}

// NewLinKV returns a client for the linearizable store.
func NewLinKV(nodeID string, net requester) *KV {
	return New(nodeID, LinKV, net)
}

func (kv *KV) Addr() string {
	return kv.addr
}

// Read decodes the value stored under key into out.
func (kv *KV) Read(ctx context.Context, key string, out any) error {
	reply, err := kv.request(ctx, TypeRead, key, Read{Key: key})
	if err != nil {
		return err
	}

	switch reply.Body.Type {
	case TypeReadOk:
		var ok ReadOk
		if err := reply.Decode(&ok); err != nil {
			return err
		}
		if err := json.Unmarshal(ok.Value, out); err != nil {
			return errors.Wrapf(err, "decode %s value of %q", kv.addr, key)
		}
		return nil
	case protocol.TypeError:
		return kv.storeError(TypeRead, key, reply)
	default:
		return errors.Errorf("%s read %q: unexpected reply %s", kv.addr, key, reply.Body.Type)
	}
}

// Write stores value under key. The acknowledgement is not awaited.
func (kv *KV) Write(_ context.Context, key string, value any) error {
	msg, err := protocol.NewMessage(kv.nodeID, kv.addr, Write{Key: key, Value: value})
	if err != nil {
		return err
	}

	if _, err := kv.net.Send(msg); err != nil {
		return errors.Wrapf(err, "%s write %q", kv.addr, key)
	}

	return nil
}

// CompareAndStore replaces from with to under key. When create is set a missing key is
// initialised with to. Any outcome other than success wraps ErrCasFailed.
func (kv *KV) CompareAndStore(ctx context.Context, key string, from, to any, create bool) error {
	reply, err := kv.request(ctx, TypeCas, key, Cas{Key: key, From: from, To: to, CreateIfNotExists: create})
	if err != nil {
		return err
	}

	switch reply.Body.Type {
	case TypeCasOk:
		return nil
	case protocol.TypeError:
		return errors.Wrapf(ErrCasFailed, "%v", kv.storeError(TypeCas, key, reply))
	default:
		return errors.Wrapf(ErrCasFailed, "%s cas %q: unexpected reply %s", kv.addr, key, reply.Body.Type)
	}
}

func (kv *KV) request(ctx context.Context, op, key string, p protocol.Payload) (protocol.Message, error) {
	msg, err := protocol.NewMessage(kv.nodeID, kv.addr, p)
	if err != nil {
		return protocol.Message{}, err
	}

	reply, err := kv.net.Request(ctx, msg)
	if err != nil {
		return protocol.Message{}, errors.Wrapf(err, "%s %s %q", kv.addr, op, key)
	}

	return reply, nil
}

func (kv *KV) storeError(op, key string, reply protocol.Message) error {
	e, err := protocol.DecodeError(reply)
	if err != nil {
		return err
	}

	return &Error{Addr: kv.addr, Op: op, Key: key, Err: e}
}

// ReadOrCreate reads key into out, initialising it with def when absent.
// Concurrent creators all end up with the value that won.
func ReadOrCreate(ctx context.Context, s Store, key string, def, out any) error {
	err := s.Read(ctx, key, out)
	if err == nil || !errors.Is(err, ErrKeyNotFound) {
		return err
	}

	err = s.CompareAndStore(ctx, key, def, def, true)
	switch {
	case err == nil:
		return assign(def, out)
	case errors.Is(err, ErrCasFailed):
		return s.Read(ctx, key, out)
	default:
		return err
	}
}

func assign(src, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, dst)
}
