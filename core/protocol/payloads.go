package protocol

import (
	"encoding/json"

	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	"github.com/pkg/errors"
)

const (
	TypeInit   = "init"
	TypeInitOk = "init_ok"
	TypeError  = "error"
)

// Init is the first record every node receives.
type Init struct {
	NodeID  string   `json:"node_id"`
	NodeIDs []string `json:"node_ids"`
}

func (Init) Type() string { return TypeInit }

// InitOk acknowledges the handshake.
type InitOk struct{}

func (InitOk) Type() string { return TypeInitOk }

// RPCError sends a maelstrom error as a reply body. It is also a Go error.
type RPCError struct {
	*maelstrom.RPCError
}

// NewRPCError builds an error payload with one of the maelstrom error codes.
func NewRPCError(code int, text string) RPCError {
	return RPCError{RPCError: maelstrom.NewRPCError(code, text)}
}

func (RPCError) Type() string { return TypeError }

// MarshalJSON always writes the code, since 0 is a valid one.
func (e RPCError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Code int    `json:"code"`
		Text string `json:"text,omitempty"`
	}{Code: e.Code, Text: e.Text})
}

// DecodeError extracts the error carried by m.
func DecodeError(m Message) (*maelstrom.RPCError, error) {
	if m.Body.Type != TypeError {
		return nil, errors.Errorf("%s is not an error reply", m.Body.Type)
	}

	var body maelstrom.MessageBody
	if err := m.Decode(&body); err != nil {
		return nil, err
	}

	return maelstrom.NewRPCError(body.Code, body.Text), nil
}
