package wire

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype of the ledger service.
const CodecName = "json"

// jsonCodec carries the same JSON bodies over gRPC as over HTTP.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (jsonCodec) Name() string                     { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
