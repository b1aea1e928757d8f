// Package packet encodes and decodes fabric link monitoring probe
// frames.
//
// A probe is a fixed 480-byte Ethernet payload, sized so that header
// and payload fit one 512-byte fabric cell after its 32-byte cell
// header:
//
//	[0,8)    sequence number, big-endian uint64
//	[8,12)   sender's local port id, big-endian uint32
//	[12,480) payload: a repeating 32-bit word chosen by the parity of
//	         the sequence number, trailing partial word zeroed
//
// Alternating 0x5A5A5A5A and 0xA5A5A5A5 between consecutive probes
// drives every bit lane to both 0 and 1, so stuck-at faults show up as
// payload mismatches. There is no checksum; the pattern is the
// integrity check.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/frobware/go-fabricmon"
)

const (
	// Size is the length of every probe frame in bytes.
	Size = 480

	// HeaderSize covers the sequence number and the port id.
	HeaderSize = 12

	// PayloadSize is the length of the pattern-filled tail.
	PayloadSize = Size - HeaderSize

	// EvenWord fills the payload of probes with an even sequence number.
	EvenWord uint32 = 0x5A5A5A5A

	// OddWord fills the payload of probes with an odd sequence number.
	OddWord uint32 = 0xA5A5A5A5

	wordSize = 4
)

var (
	// ErrFrameSize is returned for frames that are not exactly Size bytes.
	ErrFrameSize = errors.New("probe frame has wrong size")

	// ErrPayloadMismatch is returned when the payload does not carry
	// the pattern expected for the frame's sequence number.
	ErrPayloadMismatch = errors.New("probe payload mismatch")
)

// ExpectedPayloadWord returns the payload word for a sequence number.
func ExpectedPayloadWord(seq uint64) uint32 {
	if seq%2 == 1 {
		return OddWord
	}
	return EvenWord
}

// Encode returns a newly allocated probe frame.
func Encode(port fabricmon.PortID, seq uint64) []byte {
	buf := make([]byte, Size)
	// Cannot fail: buf has the right length.
	_ = EncodeInto(buf, port, seq)
	return buf
}

// EncodeInto writes a probe frame into buf, which must be exactly Size
// bytes long (typically a buffer handed out by the switch I/O layer).
func EncodeInto(buf []byte, port fabricmon.PortID, seq uint64) error {
	if len(buf) != Size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(buf), Size)
	}
	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(port))
	fillPayload(buf[HeaderSize:], ExpectedPayloadWord(seq))
	return nil
}

func fillPayload(p []byte, word uint32) {
	full := len(p) - len(p)%wordSize
	for off := 0; off < full; off += wordSize {
		binary.BigEndian.PutUint32(p[off:off+wordSize], word)
	}
	clear(p[full:])
}

// Decode extracts the sequence number and port id from a probe frame.
// The payload is not inspected; see ValidatePayload.
func Decode(frame []byte) (seq uint64, port fabricmon.PortID, err error) {
	if len(frame) != Size {
		return 0, 0, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(frame), Size)
	}
	seq = binary.BigEndian.Uint64(frame[0:8])
	port = fabricmon.PortID(binary.BigEndian.Uint32(frame[8:12]))
	return seq, port, nil
}

// ValidatePayload checks every payload word of frame against the word
// derived from the frame's own sequence number.
func ValidatePayload(frame []byte) error {
	seq, _, err := Decode(frame)
	if err != nil {
		return err
	}
	want := ExpectedPayloadWord(seq)
	p := frame[HeaderSize:]
	full := len(p) - len(p)%wordSize
	for off := 0; off < full; off += wordSize {
		if got := binary.BigEndian.Uint32(p[off : off+wordSize]); got != want {
			return fmt.Errorf("%w: seq %d offset %d: got %#08x, want %#08x",
				ErrPayloadMismatch, seq, HeaderSize+off, got, want)
		}
	}
	for i, b := range p[full:] {
		if b != 0 {
			return fmt.Errorf("%w: seq %d offset %d: trailing byte %#02x",
				ErrPayloadMismatch, seq, HeaderSize+full+i, b)
		}
	}
	return nil
}
