// Package portstate reports the operational state of fabric ports from
// the kernel netdevs that carry them.
//
// The switch layout (ports, roles, expected neighbours, DSF nodes)
// comes from configuration; link state comes from netlink. Watch keeps
// a cache of link state current from netlink link updates so the send
// path does not issue a netlink request per port per round.
package portstate

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/config"
	"github.com/frobware/go-fabricmon/netns"
	"github.com/frobware/go-fabricmon/topology"
)

// Links looks up netdevs. *netlink.Handle implements it.
type Links interface {
	LinkByName(name string) (netlink.Link, error)
}

// State implements monitor.SwitchState over netlink.
type State struct {
	sw     config.SwitchConfig
	links  Links
	netns  string
	logger *slog.Logger

	mu       sync.RWMutex
	up       map[string]bool
	watching bool
}

// Open returns a State whose netlink handle lives in the namespace at
// nsPath (empty for the current namespace).
func Open(sw config.SwitchConfig, nsPath string, logger *slog.Logger) (*State, error) {
	var h *netlink.Handle
	err := netns.Run(nsPath, func() error {
		var err error
		h, err = netlink.NewHandle()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	s := New(sw, h, logger)
	s.netns = nsPath
	return s, nil
}

// New returns a State using links for lookups.
func New(sw config.SwitchConfig, links Links, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		sw:     sw,
		links:  links,
		logger: logger.With("component", "portstate"),
		up:     make(map[string]bool),
	}
}

// Close releases the netlink handle opened by Open.
func (s *State) Close() {
	if h, ok := s.links.(*netlink.Handle); ok {
		h.Close()
	}
}

// Snapshot returns the configured switch with fresh link state.
func (s *State) Snapshot(ctx context.Context) (topology.Switch, error) {
	if err := ctx.Err(); err != nil {
		return topology.Switch{}, err
	}
	sw := s.sw.Topology(func(p config.PortConfig) bool {
		up := s.query(p.Netdev())
		s.store(p.Netdev(), up)
		return up
	})
	return sw, nil
}

// IsPortUp reports whether the netdev of port is operationally up.
// Unknown ports are down.
func (s *State) IsPortUp(port fabricmon.PortID) bool {
	p, ok := s.sw.Port(port)
	if !ok {
		return false
	}
	name := p.Netdev()

	s.mu.RLock()
	up, cached := s.up[name]
	watching := s.watching
	s.mu.RUnlock()
	if watching && cached {
		return up
	}
	up = s.query(name)
	s.store(name, up)
	return up
}

func (s *State) query(name string) bool {
	link, err := s.links.LinkByName(name)
	if err != nil {
		s.logger.Debug("link lookup failed, treating port as down", "netdev", name, "error", err)
		return false
	}
	return linkUp(link.Attrs())
}

func (s *State) store(name string, up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.up[name]; ok && prev != up {
		s.logger.Info("link state changed", "netdev", name, "up", up)
	}
	s.up[name] = up
}

// linkUp treats IF_OPER_UNKNOWN with IFF_UP as up; virtual devices
// such as veth and dummy never report IF_OPER_UP.
func linkUp(attrs *netlink.LinkAttrs) bool {
	switch attrs.OperState {
	case netlink.OperUp:
		return true
	case netlink.OperUnknown:
		return attrs.Flags&net.FlagUp != 0
	default:
		return false
	}
}

// Watch subscribes to netlink link updates and keeps the link state
// cache current until ctx is cancelled.
func (s *State) Watch(ctx context.Context) error {
	updates := make(chan netlink.LinkUpdate, 100)
	opts := netlink.LinkSubscribeOptions{
		ErrorCallback: func(err error) {
			s.logger.Error("netlink subscribe error", "error", err)
		},
	}
	err := netns.Run(s.netns, func() error {
		return netlink.LinkSubscribeWithOptions(updates, ctx.Done(), opts)
	})
	if err != nil {
		return fmt.Errorf("subscribe to link updates: %w", err)
	}

	s.mu.Lock()
	s.watching = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.watching = false
		s.mu.Unlock()
	}()

	s.logger.Info("watching link state")
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return fmt.Errorf("netlink link updates closed")
			}
			s.apply(u)
		}
	}
}

func (s *State) apply(u netlink.LinkUpdate) {
	if u.Link == nil {
		return
	}
	attrs := u.Attrs()
	s.store(attrs.Name, u.Header.Type != unix.RTM_DELLINK && linkUp(attrs))
}
