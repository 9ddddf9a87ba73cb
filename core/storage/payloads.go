package storage

import "encoding/json"

const (
	TypeRead    = "read"
	TypeReadOk  = "read_ok"
	TypeWrite   = "write"
	TypeWriteOk = "write_ok"
	TypeCas     = "cas"
	TypeCasOk   = "cas_ok"
)

type Read struct {
	Key string `json:"key"`
}

func (Read) Type() string { return TypeRead }

type ReadOk struct {
	Value json.RawMessage `json:"value"`
}

func (ReadOk) Type() string { return TypeReadOk }

type Write struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (Write) Type() string { return TypeWrite }

type WriteOk struct{}

func (WriteOk) Type() string { return TypeWriteOk }

type Cas struct {
	Key               string `json:"key"`
	From              any    `json:"from"`
	To                any    `json:"to"`
	CreateIfNotExists bool   `json:"create_if_not_exists,omitempty"`
}

func (Cas) Type() string { return TypeCas }

type CasOk struct{}

func (CasOk) Type() string { return TypeCasOk }
