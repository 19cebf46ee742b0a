// Package coordinator implements the pipeline coordinator state machine.
// This file implements the coordinator's half of the command protocol:
// opening one stream per EXECUTE_TASK/GET_CAPABILITIES call, writing a
// codec.CommandEnvelope, and reading back a codec.CommandResponse,
// generalizing torua's PostJSON request/response round trip
// (internal/cluster, pre-rename) from HTTP to a libp2p stream.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/host"

	"github.com/dreamware/shardmesh/internal/codec"
	"github.com/dreamware/shardmesh/internal/ferrors"
	"github.com/dreamware/shardmesh/internal/task"
	"github.com/dreamware/shardmesh/internal/transport"
)

// ShardClient sends one command to a shard node and returns its response.
// The coordinator depends only on this interface so FullPipeline/strategy
// orchestration can be exercised against an in-memory fake (see
// client_test.go) without a live libp2p network.
type ShardClient interface {
	Send(ctx context.Context, target ShardTarget, command string, params any) (*codec.CommandResponse, error)
}

// ShardTarget is the addressing information a ShardClient needs to reach
// one shard node: its peer id (for the envelope's "to" field and logging)
// and at least one dialable listen address.
type ShardTarget struct {
	PeerID          string
	ListenAddresses []string
}

// LibP2PShardClient sends commands over real libp2p streams using the
// codec package's length-delimited JSON framing (spec §4.3).
type LibP2PShardClient struct {
	Host   host.Host
	SelfID string
}

// NewLibP2PShardClient constructs a client identifying outbound envelopes
// as coming from selfID.
func NewLibP2PShardClient(h host.Host, selfID string) *LibP2PShardClient {
	return &LibP2PShardClient{Host: h, SelfID: selfID}
}

// Send dials target's listen addresses in order and uses the first that
// connects, writes one command envelope,
// reads back exactly one response, and closes the stream — the one-shot
// stream-per-request model spec §4.3 describes.
func (c *LibP2PShardClient) Send(ctx context.Context, target ShardTarget, command string, params any) (*codec.CommandResponse, error) {
	if len(target.ListenAddresses) == 0 {
		return nil, ferrors.Wrap(ferrors.TransportFailure, fmt.Errorf("no listen address for peer %s", target.PeerID), "send %s", command)
	}
	addrs, err := transport.ParseMultiaddrs(target.ListenAddresses)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.TransportFailure, err, "parse listen address for peer %s", target.PeerID)
	}

	var lastErr error
	for _, addr := range addrs {
		stream, dialErr := transport.Dial(ctx, c.Host, addr, task.ProtocolID)
		if dialErr != nil {
			lastErr = dialErr
			continue
		}
		defer stream.Close()

		raw, marshalErr := json.Marshal(params)
		if marshalErr != nil {
			return nil, fmt.Errorf("coordinator: marshal params for %s: %w", command, marshalErr)
		}
		env := &codec.CommandEnvelope{
			Command:   command,
			RequestID: uuid.NewString(),
			From:      c.SelfID,
			To:        target.PeerID,
			Params:    raw,
			Timestamp: uint64(time.Now().Unix()),
		}
		if err := codec.WriteEnvelope(stream, env); err != nil {
			return nil, ferrors.Wrap(ferrors.TransportFailure, err, "write envelope to peer %s", target.PeerID)
		}
		resp, err := codec.ReadResponse(stream)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.TransportFailure, err, "read response from peer %s", target.PeerID)
		}
		return resp, nil
	}
	return nil, ferrors.Wrap(ferrors.TransportFailure, lastErr, "dial peer %s", target.PeerID)
}
