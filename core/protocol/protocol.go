// Package protocol provides the wire envelope exchanged with the orchestrator.
//
// Every record is a single JSON object with a source, a destination and a body.
// The body carries optional correlation ids and a payload whose fields are
// flattened into the body object next to a "type" tag. Envelope and header
// decoding go through the maelstrom Go client types; message ids start at 1,
// so an id of 0 on the wire means absent.
package protocol

import (
	"encoding/json"

	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	"github.com/pkg/errors"
)

const (
	fieldType      = "type"
	fieldMsgID     = "msg_id"
	fieldInReplyTo = "in_reply_to"
)

// Payload is implemented by every typed message body.
type Payload interface {
	// Type returns the snake_case tag written into the body "type" field.
	Type() string
}

// Message is one envelope as it travels on the wire.
type Message struct {
	Src  string
	Dst  string
	Body Body
}

// Body holds the correlation header and the raw payload fields.
type Body struct {
	ID        *uint64 // sender assigned message id
	InReplyTo *uint64 // id of the request this body answers
	Type      string  // payload tag
	Fields    json.RawMessage
}

// NewMessage builds an envelope around the payload.
func NewMessage(src, dst string, p Payload) (Message, error) {
	body, err := NewBody(p)
	if err != nil {
		return Message{}, err
	}

	return Message{Src: src, Dst: dst, Body: body}, nil
}

// NewBody encodes the payload fields and tags them with the payload type.
func NewBody(p Payload) (Body, error) {
	fields, err := json.Marshal(p)
	if err != nil {
		return Body{}, errors.Wrapf(err, "encode %s payload", p.Type())
	}

	return Body{Type: p.Type(), Fields: fields}, nil
}

// Reply returns an envelope answering m with the given payload.
func (m Message) Reply(p Payload) (Message, error) {
	reply, err := NewMessage(m.Dst, m.Src, p)
	if err != nil {
		return Message{}, err
	}
	reply.Body.InReplyTo = m.Body.ID

	return reply, nil
}

// Decode unmarshals the payload fields into p.
func (m Message) Decode(p any) error {
	if len(m.Body.Fields) == 0 {
		return nil
	}

	if err := json.Unmarshal(m.Body.Fields, p); err != nil {
		return errors.Wrapf(err, "decode %s payload", m.Body.Type)
	}

	return nil
}

// IsReply reports whether the body answers an earlier request.
func (m Message) IsReply() bool {
	return m.Body.InReplyTo != nil
}

// MarshalJSON writes the envelope in its maelstrom wire shape.
func (m Message) MarshalJSON() ([]byte, error) {
	body, err := m.Body.MarshalJSON()
	if err != nil {
		return nil, err
	}

	return json.Marshal(maelstrom.Message{Src: m.Src, Dest: m.Dst, Body: body})
}

// UnmarshalJSON reads a maelstrom envelope and its body header.
func (m *Message) UnmarshalJSON(data []byte) error {
	var env maelstrom.Message
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if len(env.Body) == 0 {
		return errors.New("record has no body")
	}

	var body Body
	if err := body.UnmarshalJSON(env.Body); err != nil {
		return err
	}
	*m = Message{Src: env.Src, Dst: env.Dest, Body: body}

	return nil
}

// MarshalJSON flattens the header into the payload object.
func (b Body) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if len(b.Fields) > 0 && string(b.Fields) != "null" {
		if err := json.Unmarshal(b.Fields, &fields); err != nil {
			return nil, errors.Wrap(err, "payload is not an object")
		}
	}
	delete(fields, fieldMsgID)
	delete(fields, fieldInReplyTo)

	header, err := json.Marshal(maelstrom.MessageBody{
		Type:      b.Type,
		MsgID:     wireID(b.ID),
		InReplyTo: wireID(b.InReplyTo),
	})
	if err != nil {
		return nil, err
	}

	var set map[string]json.RawMessage
	if err := json.Unmarshal(header, &set); err != nil {
		return nil, err
	}
	for _, name := range []string{fieldType, fieldMsgID, fieldInReplyTo} {
		if raw, ok := set[name]; ok {
			fields[name] = raw
		}
	}

	return json.Marshal(fields)
}

// UnmarshalJSON reads the header and keeps the raw object for typed decoding.
func (b *Body) UnmarshalJSON(data []byte) error {
	var h maelstrom.MessageBody
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	if h.Type == "" {
		return errors.New("body has no type")
	}

	b.ID = localID(h.MsgID)
	b.InReplyTo = localID(h.InReplyTo)
	b.Type = h.Type
	b.Fields = append(json.RawMessage(nil), data...)

	return nil
}

func wireID(id *uint64) int {
	if id == nil {
		return 0
	}

	return int(*id)
}

func localID(id int) *uint64 {
	if id <= 0 {
		return nil
	}
	v := uint64(id)

	return &v
}
