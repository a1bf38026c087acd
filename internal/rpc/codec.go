// Package rpc holds the council RPC contract shared by the orchestrator and
// the replayer. Messages are plain Go structs carried over Connect with a
// JSON codec, so no generated protobuf code is needed.
package rpc

import (
	"encoding/json"
	"fmt"

	"connectrpc.com/connect"
)

// CodecName is the Connect codec name; requests use application/json.
const CodecName = "json"

type jsonCodec struct{}

// Name implements connect.Codec.
func (jsonCodec) Name() string {
	return CodecName
}

// Marshal implements connect.Codec.
func (jsonCodec) Marshal(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", msg, err)
	}
	return data, nil
}

// Unmarshal implements connect.Codec.
func (jsonCodec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("unmarshal %T: %w", msg, err)
	}
	return nil
}

// WithJSON installs the struct JSON codec on a handler or client.
func WithJSON() connect.Option {
	return connect.WithCodec(jsonCodec{})
}
