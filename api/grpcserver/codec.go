package grpcserver

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec carries the plain Go request and response types as JSON, so the
// service needs no generated stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Codec is what clients pass to grpc.ForceCodec.
func Codec() encoding.Codec { return jsonCodec{} }
