package monitor

import (
	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/packet"
)

// HandlePacket accounts for a probe echo received on port. It is safe
// to call from any goroutine and never fails: malformed frames and
// frames for unmonitored ports only move counters.
func (m *Monitor) HandlePacket(port fabricmon.PortID, frame []byte) {
	s := m.current.Load()
	if s == nil {
		m.unknownPorts.Add(1)
		return
	}
	ps, ok := s.registry.Port(port)
	if !ok {
		m.unknownPorts.Add(1)
		m.logger.Debug("probe on unmonitored port", "port", port)
		return
	}

	seq, src, err := packet.Decode(frame)
	if err != nil {
		ps.RecordInvalid()
		m.logger.Debug("invalid probe", "port", port, "len", len(frame), "error", err)
		return
	}
	if src != port {
		ps.RecordInvalid()
		m.logger.Debug("probe port mismatch", "port", port, "frame_port", src, "seq", seq)
		return
	}
	if err := packet.ValidatePayload(frame); err != nil {
		ps.RecordInvalid()
		m.logger.Debug("invalid probe", "port", port, "seq", seq, "error", err)
		return
	}

	dropped, ok := ps.Receive(seq)
	switch {
	case !ok:
		m.logger.Debug("probe not pending", "port", port, "seq", seq)
	case dropped > 0:
		m.logger.Debug("probes lost", "port", port, "seq", seq, "dropped", dropped)
	}
}
