// Package jsoncodec registers a grpc encoding.Codec that marshals request
// and reply values as plain JSON instead of protobuf. The clustered
// Engine's entity RPCs (spec.md §4.4.3) carry schema-free dynamic
// document values, so there is no protobuf message to generate; this
// codec lets go/cluster keep the real google.golang.org/grpc transport,
// interceptor chain, and connection pooling without a protoc build step.
package jsoncodec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the content-subtype clients must select with
// grpc.CallContentSubtype(jsoncodec.Name) to use this codec.
const Name = "json"

type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	var b, err = json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jsoncodec: marshal %T: %w", v, err)
	}
	return b, nil
}

func (codec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("jsoncodec: unmarshal into %T: %w", v, err)
	}
	return nil
}

func (codec) Name() string { return Name }

func init() {
	encoding.RegisterCodec(codec{})
}
