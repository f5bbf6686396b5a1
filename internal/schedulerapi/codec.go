// Package schedulerapi implements the scheduler's control surface: a
// streaming gRPC surface for node heartbeats and job placement
// notifications (spec §6), built without generated protobuf stubs since
// no protoc toolchain is available here. Messages are plain Go structs
// carried over gRPC using a JSON codec registered under the "json"
// content-subtype, and the service methods are wired by hand into a
// grpc.ServiceDesc instead of codegen.
package schedulerapi

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

// jsonCodec lets grpc-go carry plain Go structs instead of proto.Message
// values, by registering under the "json" subtype. Clients request it via
// grpc.CallContentSubtype; the server picks the codec from each request's
// content-subtype and does not force one.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("schedulerapi: marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("schedulerapi: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
