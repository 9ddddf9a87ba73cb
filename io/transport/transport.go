// Package transport moves newline-delimited envelopes between a node and the orchestrator.
//
// The transport knows nothing about request semantics: it decodes one record per
// input line and encodes one record per output line.
package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/o-hill/gossip-glomers/core/protocol"
	"github.com/pkg/errors"
)

// ErrMalformedRecord is returned for an input line that is not a valid envelope.
var ErrMalformedRecord = errors.New("malformed record")

// Transport reads records from r and writes records to w.
type Transport struct {
	in  *bufio.Reader
	out io.Writer
	mu  sync.Mutex
}

// New creates a transport over the given streams.
func New(r io.Reader, w io.Writer) *Transport {
	return &Transport{
		in:  bufio.NewReader(r),
		out: w,
	}
}

// Read blocks until the next record is available.
// It returns io.EOF once the input is exhausted. A line that cannot be decoded
// yields an error wrapping ErrMalformedRecord; the stream stays usable.
func (t *Transport) Read() (protocol.Message, error) {
	for {
		line, err := t.in.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil {
				return protocol.Message{}, err
			}
			continue
		}
		if err != nil && err != io.EOF {
			return protocol.Message{}, errors.Wrap(err, "read record")
		}

		var msg protocol.Message
		if decodeErr := json.Unmarshal(line, &msg); decodeErr != nil {
			return protocol.Message{}, errors.Wrapf(ErrMalformedRecord, "%v: %q", decodeErr, bytes.TrimSpace(line))
		}

		return msg, nil
	}
}

// Write encodes msg and writes it followed by a newline in a single call.
func (t *Transport) Write(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.out.Write(data); err != nil {
		return errors.Wrap(err, "write record")
	}

	return nil
}
