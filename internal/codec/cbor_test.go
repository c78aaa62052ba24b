package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sample struct {
	A string    `cbor:"1,keyasint"`
	B []byte    `cbor:"2,keyasint,omitempty"`
	T time.Time `cbor:"3,keyasint"`
}

func TestMarshal_Deterministic(t *testing.T) {
	v := sample{A: "x", B: []byte{1, 2}, T: time.Unix(1_700_000_000, 0)}
	a, err := Marshal(v)
	require.NoError(t, err)
	b, err := Marshal(v)
	require.NoError(t, err)
	require.Equal(t, a, b)

	var out sample
	require.NoError(t, Unmarshal(a, &out))
	require.Equal(t, v.A, out.A)
	require.Equal(t, v.B, out.B)
	require.True(t, v.T.Equal(out.T))
}

func TestUnmarshal_Garbage(t *testing.T) {
	var out sample
	require.Error(t, Unmarshal([]byte{0xff, 0x00, 0x13}, &out))
}

func TestGRPC_Name(t *testing.T) {
	require.Equal(t, "cbor", GRPC{}.Name())
}
