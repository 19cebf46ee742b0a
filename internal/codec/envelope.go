// Package codec provides the wire encoding for shardmesh's command/response
// protocol. See doc.go for complete package documentation.
package codec

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single envelope's encoded size, guarding against a
// corrupt or hostile length prefix forcing an unbounded allocation.
const maxFrameBytes = 64 << 20 // 64 MiB, generous for a JSON-encoded activation payload

// CommandEnvelope is the request side of the wire protocol (spec §4.3, §6):
// a self-describing command dispatched to a peer.
//
//	{ "command": string, "request_id": UUID, "from": peer_id, "to": peer_id?,
//	  "params": {..}, "timestamp": u64 }
type CommandEnvelope struct {
	Command   string          `json:"command"`
	RequestID string          `json:"request_id"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Timestamp uint64          `json:"timestamp"`
}

// Status enumerates a CommandResponse's outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// CommandResponse is the reply side of the wire protocol (spec §4.3, §6).
type CommandResponse struct {
	Command   string          `json:"command"`
	RequestID string          `json:"request_id"`
	Status    Status          `json:"status"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp uint64          `json:"timestamp"`
}

// WriteEnvelope frames env as a 4-byte big-endian length prefix followed by
// its JSON encoding, generalizing torua's PostJSON to a stream transport
// that has no message boundary of its own.
func WriteEnvelope(w io.Writer, env *CommandEnvelope) error {
	return writeFrame(w, env)
}

// ReadEnvelope blocks until one full length-prefixed frame arrives and
// decodes it as a CommandEnvelope.
func ReadEnvelope(r io.Reader) (*CommandEnvelope, error) {
	var env CommandEnvelope
	if err := readFrame(r, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// WriteResponse frames resp the same way WriteEnvelope frames a request.
func WriteResponse(w io.Writer, resp *CommandResponse) error {
	return writeFrame(w, resp)
}

// ReadResponse blocks until one full length-prefixed frame arrives and
// decodes it as a CommandResponse.
func ReadResponse(r io.Reader) (*CommandResponse, error) {
	var resp CommandResponse
	if err := readFrame(r, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func writeFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("codec: marshal frame: %w", err)
	}
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("codec: frame of %d bytes exceeds %d byte limit", len(payload), maxFrameBytes)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(header[:]); err != nil {
		return fmt.Errorf("codec: write length prefix: %w", err)
	}
	if _, err := bw.Write(payload); err != nil {
		return fmt.Errorf("codec: write payload: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("codec: flush frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader, v interface{}) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("codec: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameBytes {
		return fmt.Errorf("codec: frame of %d bytes exceeds %d byte limit", n, maxFrameBytes)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("codec: read payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("codec: unmarshal frame: %w", err)
	}
	return nil
}
