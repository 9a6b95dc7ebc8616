// Package rpc is the local control API of the daemon: gRPC services over a
// unix socket whose requests and responses are structpb.Struct messages
// carrying the JSON form of the types in this package.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encode converts v, which must marshal to a JSON object, to a Struct.
func Encode(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("encode %T: not an object: %w", v, err)
	}
	return structpb.NewStruct(payload)
}

// Decode fills v from s. A nil s leaves v untouched.
func Decode(s *structpb.Struct, v any) error {
	if s == nil || v == nil {
		return nil
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
