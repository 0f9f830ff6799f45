package modbusactor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeU16(t *testing.T) {
	r, err := Decode(RegisterConfig{Name: "temp", DataType: TypeU16, Scale: 0.1, Unit: "C"}, []byte{0x01, 0x2C})
	require.NoError(t, err)
	require.Equal(t, float64(300), r.RawValue)
	require.InDelta(t, 30.0, r.ScaledValue, 1e-9)
}

func TestDecodeI16Negative(t *testing.T) {
	r, err := Decode(RegisterConfig{Name: "temp", DataType: TypeI16, Scale: 1}, []byte{0xFF, 0xF6})
	require.NoError(t, err)
	require.Equal(t, float64(-10), r.RawValue)
}

func TestDecodeU32BigEndian(t *testing.T) {
	r, err := Decode(RegisterConfig{Name: "count", DataType: TypeU32, ByteOrder: BigEndian, Scale: 1}, []byte{0x00, 0x01, 0x00, 0x00})
	require.NoError(t, err)
	require.Equal(t, float64(0x00010000), r.RawValue)
}

func TestDecodeU32LittleEndian(t *testing.T) {
	big, err := Decode(RegisterConfig{Name: "count", DataType: TypeU32, ByteOrder: BigEndian, Scale: 1}, []byte{0x00, 0x01, 0x00, 0x02})
	require.NoError(t, err)

	little, err := Decode(RegisterConfig{Name: "count", DataType: TypeU32, ByteOrder: LittleEndian, Scale: 1}, []byte{0x02, 0x00, 0x01, 0x00})
	require.NoError(t, err)
	require.Equal(t, big.RawValue, little.RawValue)
}

func TestDecodeF32(t *testing.T) {
	// 1234.5 as IEEE754 big-endian: 0x449A5000
	r, err := Decode(RegisterConfig{Name: "flow", DataType: TypeF32, ByteOrder: BigEndian, Scale: 1}, []byte{0x44, 0x9A, 0x50, 0x00})
	require.NoError(t, err)
	require.InDelta(t, 1234.5, r.RawValue, 1e-3)
}

func TestDecodeShortBufferErrors(t *testing.T) {
	_, err := Decode(RegisterConfig{Name: "temp", DataType: TypeU16}, []byte{0x01})
	require.Error(t, err)
}
