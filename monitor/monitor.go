// Package monitor runs the fabric link monitoring protocol.
//
// While running, a Monitor sends a probe out of every member fabric
// port once per interval and matches the echoes handed to HandlePacket
// against the probes still pending on that port. Loss shows up as
// pending probes overtaken by a newer echo; corruption shows up as
// frames whose header or payload do not validate.
//
// # Lifecycle
//
//	STOPPED --Start--> RUNNING --Stop--> STOPPED
//	RUNNING --Start--> RUNNING (new session, fresh state)
//
// Start snapshots the switch, resolves the member ports, sends the
// first round of probes and arms the scheduler. Stop cancels the
// scheduler and waits for it to exit; all per-port state is
// discarded.
//
// Start and Stop are serialised by a mutex. The receive path never
// takes it: the current session is published through an atomic
// pointer and the per-port state carries its own locks.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/topology"
	"github.com/frobware/go-fabricmon/tracker"
)

// DefaultInterval is the probe interval used when Options.Interval is
// zero.
const DefaultInterval = time.Second

// SwitchState is the read-only view of the switch the monitor needs.
type SwitchState interface {
	// Snapshot returns the switch topology and port state.
	Snapshot(ctx context.Context) (topology.Switch, error)
	// IsPortUp reports the current operational state of a port.
	IsPortUp(port fabricmon.PortID) bool
}

// PacketIO sends probe frames.
type PacketIO interface {
	AllocatePacket(size int) ([]byte, error)
	SendPacketOutOfPort(frame []byte, port fabricmon.PortID) error
}

// Recorder is told about session boundaries. Errors are logged and
// otherwise ignored.
type Recorder interface {
	SessionStarted(ctx context.Context, s fabricmon.Session) error
	SessionStopped(ctx context.Context, s fabricmon.Session, ports []fabricmon.PortSnapshot) error
}

// Options configure a Monitor.
type Options struct {
	// Interval between probe rounds. Zero means DefaultInterval.
	Interval time.Duration
	// VirtualDevice selects the virtual device of a link for link
	// switch id allocation. Nil means topology.ConfiguredVirtualDevice.
	VirtualDevice topology.VirtualDeviceFunc
	// Recorder, if set, receives session start and stop events.
	Recorder Recorder
}

// SessionInfo describes the running session.
type SessionInfo struct {
	fabricmon.Session
	Membership    topology.Membership
	LinkSwitchIDs topology.LinkSwitchIDs
}

type session struct {
	info     SessionInfo
	registry *tracker.Registry

	// cycleMu keeps probe rounds from overlapping. stopped is set
	// under it once the session has ended; no round runs after that.
	cycleMu sync.Mutex
	stopped bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Monitor runs fabric link monitoring for one switch.
type Monitor struct {
	state  SwitchState
	io     PacketIO
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	current atomic.Pointer[session]

	unknownPorts atomic.Uint64
}

// New creates a stopped Monitor.
func New(state SwitchState, io PacketIO, opts Options, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Monitor{
		state:  state,
		io:     io,
		opts:   opts,
		logger: logger.With("component", "monitor"),
	}
}

// Interval returns the probe interval.
func (m *Monitor) Interval() time.Duration {
	return m.opts.Interval
}

// Start begins a new monitoring session, stopping the current one
// first. The first round of probes has been sent when Start returns.
func (m *Monitor) Start(ctx context.Context) (SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked(ctx)

	sw, err := m.state.Snapshot(ctx)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("snapshot switch state: %w", err)
	}

	membership := topology.Resolve(sw)
	ids, err := topology.AllocateLinkSwitchIDs(sw, m.opts.VirtualDevice, m.logger)
	if err != nil {
		m.logger.Warn("link switch id allocation failed", "error", err)
		ids = nil
	}

	s := &session{
		info: SessionInfo{
			Session: fabricmon.Session{
				ID:         uuid.NewString(),
				SwitchType: sw.Type,
				Interval:   m.opts.Interval,
				Ports:      membership.Len(),
				StartedAt:  time.Now(),
			},
			Membership:    membership,
			LinkSwitchIDs: ids,
		},
		registry: tracker.NewRegistry(membership),
		done:     make(chan struct{}),
	}

	m.logger.Info("starting fabric link monitoring",
		"session", s.info.ID,
		"switch_type", sw.Type,
		"fabric_level", sw.Level(),
		"ports", membership.Len(),
		"groups", len(membership.GroupToPorts),
		"interval", m.opts.Interval)

	if m.opts.Recorder != nil {
		if err := m.opts.Recorder.SessionStarted(ctx, s.info.Session); err != nil {
			m.logger.Warn("record session start", "session", s.info.ID, "error", err)
		}
	}

	m.current.Store(s)
	m.runCycle(s)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go m.schedule(runCtx, s)

	return s.info, nil
}

// Stop ends the current session and waits for its scheduler and any
// manual round to finish. ctx bounds only the Recorder call, so an
// expired context still stops the session. Stopping a stopped Monitor
// is a no-op.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(ctx)
	return nil
}

func (m *Monitor) stopLocked(ctx context.Context) {
	s := m.current.Swap(nil)
	if s == nil {
		return
	}
	s.cancel()
	<-s.done

	// A manual round may still be in flight.
	s.cycleMu.Lock()
	s.stopped = true
	s.cycleMu.Unlock()

	stopped := time.Now()
	info := s.info.Session
	info.StoppedAt = &stopped
	ports := s.registry.Snapshot()
	for i := range ports {
		ports[i].LinkSwitchID = s.linkSwitchID(ports[i].Port)
	}
	totals := s.registry.Totals()

	m.logger.Info("stopped fabric link monitoring",
		"session", info.ID,
		"duration", stopped.Sub(info.StartedAt).Round(time.Millisecond),
		"tx", totals.TxCount,
		"rx", totals.RxCount,
		"dropped", totals.DroppedCount,
		"invalid_payload", totals.InvalidPayloadCount,
		"no_pending", totals.NoPendingSeqNumCount)

	if m.opts.Recorder != nil {
		if err := m.opts.Recorder.SessionStopped(ctx, info, ports); err != nil {
			m.logger.Warn("record session stop", "session", info.ID, "error", err)
		}
	}
}

func (m *Monitor) schedule(ctx context.Context, s *session) {
	defer close(s.done)

	timer := time.NewTimer(m.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.runCycle(s)
			timer.Reset(m.opts.Interval)
		}
	}
}

// Running reports whether a session is active.
func (m *Monitor) Running() bool {
	return m.current.Load() != nil
}

// Session returns the running session.
func (m *Monitor) Session() (SessionInfo, error) {
	s := m.current.Load()
	if s == nil {
		return SessionInfo{}, fabricmon.ErrNotRunning
	}
	return s.info, nil
}

// Snapshot returns the state of every member port in port order.
func (m *Monitor) Snapshot() ([]fabricmon.PortSnapshot, error) {
	s := m.current.Load()
	if s == nil {
		return nil, fabricmon.ErrNotRunning
	}
	out := s.registry.Snapshot()
	for i := range out {
		out[i].LinkSwitchID = s.linkSwitchID(out[i].Port)
	}
	return out, nil
}

// PortSnapshot returns the state of one member port.
func (m *Monitor) PortSnapshot(port fabricmon.PortID) (fabricmon.PortSnapshot, error) {
	s := m.current.Load()
	if s == nil {
		return fabricmon.PortSnapshot{}, fabricmon.ErrNotRunning
	}
	ps, ok := s.registry.Port(port)
	if !ok {
		return fabricmon.PortSnapshot{}, fabricmon.ErrPortNotMonitored{Port: port}
	}
	snap := ps.Snapshot()
	snap.LinkSwitchID = s.linkSwitchID(port)
	return snap, nil
}

// Pending returns the sequence numbers awaiting an echo on port.
func (m *Monitor) Pending(port fabricmon.PortID) (tracker.SeqRange, error) {
	s := m.current.Load()
	if s == nil {
		return tracker.SeqRange{}, fabricmon.ErrNotRunning
	}
	ps, ok := s.registry.Port(port)
	if !ok {
		return tracker.SeqRange{}, fabricmon.ErrPortNotMonitored{Port: port}
	}
	return ps.Pending(), nil
}

// UnknownPortCount is the number of frames received for ports without
// monitoring state, including frames received while stopped.
func (m *Monitor) UnknownPortCount() uint64 {
	return m.unknownPorts.Load()
}

func (s *session) linkSwitchID(port fabricmon.PortID) *fabricmon.SwitchID {
	id, err := s.info.LinkSwitchIDs.ForPort(port)
	if err != nil {
		return nil
	}
	return &id
}
