package rawsock

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrNotProbe is returned by Framer.Unwrap for frames of another
// EtherType.
var ErrNotProbe = errors.New("not a probe frame")

// Framer wraps probe payloads in Ethernet headers.
type Framer struct {
	Src       net.HardwareAddr
	Dst       net.HardwareAddr
	EtherType layers.EthernetType
}

// Wrap returns an Ethernet frame carrying payload.
func (f Framer) Wrap(payload []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{
		SrcMAC:       f.Src,
		DstMAC:       f.Dst,
		EthernetType: f.EtherType,
	}
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize ethernet frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Unwrap returns the payload of an Ethernet frame. The payload aliases
// raw.
func (f Framer) Unwrap(raw []byte) ([]byte, error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("decode ethernet frame: %w", err)
	}
	if eth.EthernetType != f.EtherType {
		return nil, fmt.Errorf("%w: ethertype %#04x", ErrNotProbe, uint16(eth.EthernetType))
	}
	return eth.Payload, nil
}
