// Package codec wraps CBOR encoding used on the wire, in display payloads and in local stores.
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// Name is the gRPC content-subtype under which the codec is registered.
const Name = "cbor"

// encMode uses Core Deterministic Encoding: the same value always produces the same bytes,
// which keeps display payloads stable within an epoch.
var encMode cbor.EncMode

// decMode rejects duplicate map keys; unknown fields are ignored for forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 16,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// GRPC adapts the codec to google.golang.org/grpc/encoding.Codec.
type GRPC struct{}

func (GRPC) Marshal(v any) ([]byte, error)      { return Marshal(v) }
func (GRPC) Unmarshal(data []byte, v any) error { return Unmarshal(data, v) }
func (GRPC) Name() string                       { return Name }
