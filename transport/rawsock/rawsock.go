// Package rawsock carries probe frames over AF_PACKET sockets, one per
// fabric port netdev.
//
// Outgoing probes are wrapped in an Ethernet header addressed to the
// configured destination MAC with the configured EtherType. Each socket
// only receives that EtherType; copies of our own transmissions are
// dropped in the kernel by a socket filter when one can be loaded and
// in userspace otherwise.
package rawsock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/logging"
	"github.com/frobware/go-fabricmon/netns"
)

const (
	// MaxFrameSize bounds AllocatePacket and the receive buffer.
	MaxFrameSize = 9216

	// readTimeout bounds each blocking receive so receive loops notice
	// cancellation.
	readTimeout = 250 * time.Millisecond
)

// Handler consumes received probe frames.
type Handler interface {
	HandlePacket(port fabricmon.PortID, frame []byte)
}

// Port binds a logical port to its netdev.
type Port struct {
	ID     fabricmon.PortID
	Netdev string
}

// Config configures a Transport.
type Config struct {
	Ports       []Port
	EtherType   uint16
	Destination net.HardwareAddr
	// Netns is the network namespace holding the netdevs. Empty means
	// the current namespace.
	Netns string
	// NoKernelFilter skips loading the egress socket filter.
	NoKernelFilter bool
}

type socket struct {
	port    fabricmon.PortID
	netdev  string
	fd      int
	ifindex int
	framer  Framer
}

// Transport implements monitor.PacketIO over raw sockets.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	socks  map[fabricmon.PortID]*socket
	closed bool
}

// Open opens one socket per configured port inside cfg.Netns.
func Open(cfg Config, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Destination) != 6 {
		return nil, fmt.Errorf("destination MAC %q is not an Ethernet address", cfg.Destination)
	}
	t := &Transport{
		cfg:    cfg,
		logger: logger.With("component", "rawsock"),
		socks:  make(map[fabricmon.PortID]*socket, len(cfg.Ports)),
	}

	err := netns.Run(cfg.Netns, func() error {
		for _, p := range cfg.Ports {
			s, err := t.open(p)
			if err != nil {
				return err
			}
			t.socks[p.ID] = s
		}
		return nil
	})
	if err != nil {
		t.Close()
		return nil, err
	}

	if !cfg.NoKernelFilter {
		t.attachFilters()
	}
	t.logger.Info("raw sockets open", "ports", len(t.socks), "ethertype", fmt.Sprintf("%#04x", cfg.EtherType), "netns", cfg.Netns)
	return t, nil
}

func (t *Transport) open(p Port) (*socket, error) {
	link, err := netlink.LinkByName(p.Netdev)
	if err != nil {
		return nil, fmt.Errorf("port %d: lookup netdev %s: %w", p.ID, p.Netdev, err)
	}
	attrs := link.Attrs()
	proto := htons(t.cfg.EtherType)

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return nil, fmt.Errorf("port %d: socket: %w", p.ID, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: attrs.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("port %d: bind %s: %w", p.ID, p.Netdev, err)
	}
	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("port %d: set receive timeout: %w", p.ID, err)
	}

	t.logger.Debug("opened raw socket", "port", p.ID, "netdev", p.Netdev, "ifindex", attrs.Index, "mac", attrs.HardwareAddr.String())
	return &socket{
		port:    p.ID,
		netdev:  p.Netdev,
		fd:      fd,
		ifindex: attrs.Index,
		framer: Framer{
			Src:       attrs.HardwareAddr,
			Dst:       t.cfg.Destination,
			EtherType: layers.EthernetType(t.cfg.EtherType),
		},
	}, nil
}

// attachFilters loads the egress filter once and attaches it to every
// socket. Failure leaves userspace filtering in place.
func (t *Transport) attachFilters() {
	prog, err := loadEgressFilter()
	if err != nil {
		t.logger.Warn("kernel egress filter unavailable, filtering in userspace", "error", err)
		return
	}
	defer prog.Close()
	for _, s := range t.socks {
		if err := attachFilter(s.fd, prog); err != nil {
			t.logger.Warn("kernel egress filter not attached", "port", s.port, "error", err)
		}
	}
}

// AllocatePacket returns a zeroed buffer for a probe of size bytes.
func (t *Transport) AllocatePacket(size int) ([]byte, error) {
	if size <= 0 || size > MaxFrameSize {
		return nil, fmt.Errorf("packet size %d out of range (1..%d)", size, MaxFrameSize)
	}
	return make([]byte, size), nil
}

// SendPacketOutOfPort sends frame out of the netdev bound to port.
func (t *Transport) SendPacketOutOfPort(frame []byte, port fabricmon.PortID) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return net.ErrClosed
	}
	s, ok := t.socks[port]
	if !ok {
		return fmt.Errorf("no raw socket for port %d", port)
	}
	wire, err := s.framer.Wrap(frame)
	if err != nil {
		return err
	}
	to := &unix.SockaddrLinklayer{
		Protocol: htons(t.cfg.EtherType),
		Ifindex:  s.ifindex,
		Halen:    6,
	}
	copy(to.Addr[:], t.cfg.Destination)
	if err := unix.Sendto(s.fd, wire, 0, to); err != nil {
		return fmt.Errorf("send on %s: %w", s.netdev, err)
	}
	return nil
}

// Run receives on every socket and hands probe payloads to h until ctx
// is cancelled or the transport is closed.
func (t *Transport) Run(ctx context.Context, h Handler) error {
	t.mu.RLock()
	socks := make([]*socket, 0, len(t.socks))
	for _, s := range t.socks {
		socks = append(socks, s)
	}
	t.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range socks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.receive(ctx, s, h); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (t *Transport) receive(ctx context.Context, s *socket, h Handler) error {
	buf := make([]byte, MaxFrameSize)
	for ctx.Err() == nil {
		n, from, err := unix.Recvfrom(s.fd, buf, 0)
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EBADF):
			return nil
		case err != nil:
			return fmt.Errorf("receive on %s: %w", s.netdev, err)
		}
		if outgoing(from) {
			continue
		}
		payload, err := s.framer.Unwrap(buf[:n])
		if err != nil {
			t.logger.Log(ctx, logging.LevelTrace.ToSlog(), "dropping frame", "port", s.port, "error", err)
			continue
		}
		h.HandlePacket(s.port, payload)
	}
	return nil
}

// Close closes every socket. Receive loops exit within one read
// timeout.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	var errs []error
	for _, s := range t.socks {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.netdev, err))
		}
	}
	return errors.Join(errs...)
}

// htons converts v to network byte order as the kernel expects in
// sll_protocol.
func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}
