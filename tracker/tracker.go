// Package tracker keeps the per-port probe state of a monitoring
// session: the next sequence number to send, the sequence numbers
// still awaiting their echo, and the port's counters.
//
// Every PortState has its own lock. Senders and receivers on
// different ports never contend; a send and a receive on the same
// port are serialised.
package tracker

import (
	"sync"

	"github.com/frobware/go-fabricmon"
)

const (
	// FirstSequenceNumber is the sequence number of the first probe
	// sent on a port after Start.
	FirstSequenceNumber uint64 = 1

	// VoqPortsPerGroup is the number of fabric ports a VOQ switch has
	// per virtual device.
	VoqPortsPerGroup = 160

	// FabricPortsPerGroup is the number of fabric ports a fabric
	// switch has per virtual device.
	FabricPortsPerGroup = 40
)

// PortState is the probe state of one monitored port.
//
// Probes are sent with strictly increasing sequence numbers and a
// receive clears every pending number up to and including the one
// received, so the pending set is always the half-open range
// [lo, next).
type PortState struct {
	port  fabricmon.PortID
	group fabricmon.GroupID

	mu    sync.Mutex
	lo    uint64
	next  uint64
	stats fabricmon.PortStats
}

// NewPortState returns the state of a port that has not sent anything.
func NewPortState(port fabricmon.PortID, group fabricmon.GroupID) *PortState {
	return &PortState{
		port:  port,
		group: group,
		lo:    FirstSequenceNumber,
		next:  FirstSequenceNumber,
	}
}

// Port returns the port id.
func (s *PortState) Port() fabricmon.PortID { return s.port }

// Group returns the port's virtual device group.
func (s *PortState) Group() fabricmon.GroupID { return s.group }

// Send calls transmit with the next sequence number while holding the
// port lock. The number is consumed, counted and marked pending only
// if transmit succeeds; on error the state is left untouched and the
// same number is offered on the next attempt.
func (s *PortState) Send(transmit func(seq uint64) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.next
	if err := transmit(seq); err != nil {
		return err
	}
	s.stats.TxCount++
	s.next++
	return nil
}

// Receive accounts for the echo of seq. If seq is pending it is
// cleared together with every older pending number, which are counted
// as dropped; Receive then reports true and the number of drops. A seq
// that is not pending increments NoPendingSeqNumCount.
func (s *PortState) Receive(seq uint64) (dropped uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq < s.lo || seq >= s.next {
		s.stats.NoPendingSeqNumCount++
		return 0, false
	}
	dropped = seq - s.lo
	s.stats.DroppedCount += dropped
	s.stats.RxCount++
	s.lo = seq + 1
	return dropped, true
}

// RecordInvalid counts a frame whose header or payload failed
// validation. Pending numbers are not touched.
func (s *PortState) RecordInvalid() {
	s.mu.Lock()
	s.stats.InvalidPayloadCount++
	s.mu.Unlock()
}

// SeqRange is the half-open range [Lo, Next) of sequence numbers
// awaiting an echo.
type SeqRange struct {
	Lo   uint64
	Next uint64
}

// Len is the number of pending sequence numbers.
func (r SeqRange) Len() uint64 { return r.Next - r.Lo }

// Contains reports whether seq is pending.
func (r SeqRange) Contains(seq uint64) bool { return seq >= r.Lo && seq < r.Next }

// Pending returns the pending sequence numbers. A port that never
// echoes only widens the range.
func (s *PortState) Pending() SeqRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SeqRange{Lo: s.lo, Next: s.next}
}

// Stats returns a copy of the port's counters.
func (s *PortState) Stats() fabricmon.PortStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Snapshot returns a consistent copy of the port's state.
func (s *PortState) Snapshot() fabricmon.PortSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fabricmon.PortSnapshot{
		Port:               s.port,
		Group:              s.group,
		NextSequenceNumber: s.next,
		PendingCount:       s.next - s.lo,
		Stats:              s.stats,
	}
}
