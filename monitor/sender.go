package monitor

import (
	"errors"
	"fmt"

	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/packet"
)

// PortError is a failure to probe one port.
type PortError struct {
	Port fabricmon.PortID
	Err  error
}

func (e PortError) Error() string {
	return fmt.Sprintf("port %d: %v", e.Port, e.Err)
}

func (e PortError) Unwrap() error {
	return e.Err
}

// CycleResult summarises one round of probes.
type CycleResult struct {
	Sent     int
	Down     int
	Failures []PortError
}

// Err joins the per-port failures, or returns nil.
func (r CycleResult) Err() error {
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// SendOnAllFabricPorts runs one round of probes outside the schedule.
// It never overlaps with a scheduled round, and a round that loses the
// race with Stop sends nothing.
func (m *Monitor) SendOnAllFabricPorts() (CycleResult, error) {
	s := m.current.Load()
	if s == nil {
		return CycleResult{}, fabricmon.ErrNotRunning
	}
	return m.runCycle(s), nil
}

func (m *Monitor) runCycle(s *session) CycleResult {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	var res CycleResult
	if s.stopped {
		return res
	}
	for _, port := range s.registry.Ports() {
		if !m.state.IsPortUp(port) {
			res.Down++
			continue
		}
		ps, _ := s.registry.Port(port)
		if err := ps.Send(func(seq uint64) error {
			return m.sendProbe(port, seq)
		}); err != nil {
			res.Failures = append(res.Failures, PortError{Port: port, Err: err})
			continue
		}
		res.Sent++
	}

	for _, f := range res.Failures {
		m.logger.Warn("probe send failed", "session", s.info.ID, "port", f.Port, "error", f.Err)
	}
	m.logger.Debug("probe cycle",
		"session", s.info.ID,
		"sent", res.Sent,
		"down", res.Down,
		"failed", len(res.Failures))
	return res
}

func (m *Monitor) sendProbe(port fabricmon.PortID, seq uint64) error {
	buf, err := m.io.AllocatePacket(packet.Size)
	if err != nil {
		return fmt.Errorf("allocate packet: %w", err)
	}
	if len(buf) > packet.Size {
		buf = buf[:packet.Size]
	}
	if err := packet.EncodeInto(buf, port, seq); err != nil {
		return fmt.Errorf("encode probe %d: %w", seq, err)
	}
	if err := m.io.SendPacketOutOfPort(buf, port); err != nil {
		return fmt.Errorf("send probe %d: %w", seq, err)
	}
	return nil
}
