package metaclient

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's encoding package and selected
// per call via grpc.CallContentSubtype. The metadata plane has no
// protoc-generated stubs in this tree (section 4.7 names it as an
// external service, not something this repo defines the IDL for), so
// RPCs here carry plain Go structs tagged for msgpack instead of
// proto.Message values.
const codecName = "msgpack"

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

// msgpackCodec implements encoding.Codec. grpc picks a codec by the
// content-subtype named in a call's grpc.CallContentSubtype option,
// falling back to "proto" only when none is set.
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

func (msgpackCodec) Name() string { return codecName }
