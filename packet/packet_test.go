package packet_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/packet"
)

func TestExpectedPayloadWord_Parity(t *testing.T) {
	for _, seq := range []uint64{0, 1, 2, 3, 100, 101, math.MaxUint64 - 1, math.MaxUint64} {
		want := packet.EvenWord
		if seq%2 == 1 {
			want = packet.OddWord
		}
		assert.Equal(t, want, packet.ExpectedPayloadWord(seq), "seq %d", seq)
	}
	assert.Equal(t, uint32(0x5A5A5A5A), packet.ExpectedPayloadWord(0))
	assert.Equal(t, uint32(0xA5A5A5A5), packet.ExpectedPayloadWord(1))
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		port fabricmon.PortID
		seq  uint64
	}{
		{"zero", 0, 0},
		{"small", 1, 1},
		{"typical", 160, 42},
		{"large sequence", 7, 1 << 40},
		{"max values", math.MaxUint32, math.MaxUint64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := packet.Encode(tt.port, tt.seq)
			require.Len(t, frame, packet.Size)

			seq, port, err := packet.Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.seq, seq)
			assert.Equal(t, tt.port, port)
			assert.NoError(t, packet.ValidatePayload(frame))
		})
	}
}

func TestEncode_Layout(t *testing.T) {
	frame := packet.Encode(0x01020304, 0x1122334455667788)

	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}, frame[0:8])
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, frame[8:12])
	for off := packet.HeaderSize; off < packet.Size; off += 4 {
		assert.Equal(t, packet.EvenWord, binary.BigEndian.Uint32(frame[off:off+4]), "offset %d", off)
	}

	odd := packet.Encode(1, 3)
	assert.Equal(t, packet.OddWord, binary.BigEndian.Uint32(odd[packet.Size-4:]))
}

func TestEncode_AlwaysFixedSize(t *testing.T) {
	for seq := uint64(0); seq < 64; seq++ {
		assert.Len(t, packet.Encode(fabricmon.PortID(seq*7), seq), packet.Size)
	}
}

func TestEncodeInto_WrongSize(t *testing.T) {
	err := packet.EncodeInto(make([]byte, packet.Size-1), 1, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, packet.ErrFrameSize))
}

func TestEncodeInto_OverwritesStaleBuffer(t *testing.T) {
	buf := packet.Encode(9, 1)
	require.NoError(t, packet.EncodeInto(buf, 9, 2))
	assert.Equal(t, packet.Encode(9, 2), buf)
}

func TestDecode_WrongSize(t *testing.T) {
	for _, n := range []int{0, packet.HeaderSize, packet.Size + 1} {
		_, _, err := packet.Decode(make([]byte, n))
		assert.ErrorIs(t, err, packet.ErrFrameSize, "size %d", n)
	}
}

func TestValidatePayload_DetectsFlippedBit(t *testing.T) {
	frame := packet.Encode(5, 10)
	frame[200] ^= 0x01

	err := packet.ValidatePayload(frame)
	require.Error(t, err)
	assert.ErrorIs(t, err, packet.ErrPayloadMismatch)
	assert.Contains(t, err.Error(), "offset 200")
}

func TestValidatePayload_WrongParity(t *testing.T) {
	// Payload of an even probe stamped with an odd sequence number.
	frame := packet.Encode(5, 10)
	binary.BigEndian.PutUint64(frame[0:8], 11)

	assert.ErrorIs(t, packet.ValidatePayload(frame), packet.ErrPayloadMismatch)
}
