package simnet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	"github.com/o-hill/gossip-glomers/core/protocol"
	"github.com/o-hill/gossip-glomers/core/storage"
)

type casRequest struct {
	Key               string          `json:"key"`
	From              json.RawMessage `json:"from"`
	To                json.RawMessage `json:"to"`
	CreateIfNotExists bool            `json:"create_if_not_exists"`
}

type writeRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// kvService emulates a storage service. Every operation is applied atomically,
// which is stronger than seq-kv needs and exactly what lin-kv promises.
type kvService struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newKVService() *kvService {
	return &kvService{data: make(map[string][]byte)}
}

func (s *kvService) handle(msg protocol.Message) protocol.Payload {
	switch msg.Body.Type {
	case storage.TypeRead:
		var req storage.Read
		if err := msg.Decode(&req); err != nil {
			return malformed(err)
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		value, ok := s.data[req.Key]
		if !ok {
			return protocol.NewRPCError(maelstrom.KeyDoesNotExist, "key does not exist")
		}
		return storage.ReadOk{Value: value}
	case storage.TypeWrite:
		var req writeRequest
		if err := msg.Decode(&req); err != nil {
			return malformed(err)
		}
		value, err := canonical(req.Value)
		if err != nil {
			return malformed(err)
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		s.data[req.Key] = value
		return storage.WriteOk{}
	case storage.TypeCas:
		var req casRequest
		if err := msg.Decode(&req); err != nil {
			return malformed(err)
		}
		from, err := canonical(req.From)
		if err != nil {
			return malformed(err)
		}
		to, err := canonical(req.To)
		if err != nil {
			return malformed(err)
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		current, ok := s.data[req.Key]
		switch {
		case !ok && req.CreateIfNotExists:
			s.data[req.Key] = to
		case !ok:
			return protocol.NewRPCError(maelstrom.KeyDoesNotExist, "key does not exist")
		case !bytes.Equal(current, from):
			return protocol.NewRPCError(maelstrom.PreconditionFailed,
				fmt.Sprintf("current value %s is not %s", current, from))
		default:
			s.data[req.Key] = to
		}
		return storage.CasOk{}
	default:
		return protocol.NewRPCError(maelstrom.NotSupported, "unsupported operation "+msg.Body.Type)
	}
}

func (s *kvService) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.data[key]
	return v, ok
}

// canonical re-encodes a JSON value so that equal values compare equal byte-wise.
func canonical(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	return json.Marshal(v)
}

func malformed(err error) protocol.Payload {
	return protocol.NewRPCError(maelstrom.MalformedRequest, err.Error())
}
