// Package config loads the fabricmon daemon configuration.
//
// Loading overlays a config file on the embedded default.toml, so a
// file only carries the keys it changes. CLI flags and FABRICMON_LOG
// are applied on top by the CLI. A missing file yields the defaults;
// a file that exists but does not parse is an error.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/topology"
)

//go:embed default.toml
var defaultConfigTOML string

// DefaultConfigPath is where the daemon looks for its config file.
const DefaultConfigPath = "/etc/fabricmon/fabricmon.toml"

// Config is the top-level fabricmon configuration.
type Config struct {
	Monitoring MonitoringConfig `toml:"monitoring"`
	Logging    LoggingConfig    `toml:"logging"`
	Switch     SwitchConfig     `toml:"switch"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Redis      RedisConfig      `toml:"redis"`
	Store      StoreConfig      `toml:"store"`
}

// MonitoringConfig controls the probe protocol.
type MonitoringConfig struct {
	IntervalMS     int    `toml:"fabric_link_monitoring_interval_ms"`
	EtherType      int    `toml:"ethertype"`
	DestinationMAC string `toml:"destination_mac"`
	// Netns is the path of the network namespace holding the fabric
	// port netdevs. Empty means the daemon's own namespace.
	Netns string `toml:"netns"`
}

// Interval returns the probe interval.
func (c MonitoringConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// HardwareAddr parses DestinationMAC.
func (c MonitoringConfig) HardwareAddr() (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(c.DestinationMAC)
	if err != nil {
		return nil, err
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("destination MAC %q is not an Ethernet address", c.DestinationMAC)
	}
	return mac, nil
}

// LoggingConfig controls logging.
type LoggingConfig struct {
	// Level is a log spec such as "info" or "info,monitor=debug".
	Level string `toml:"level"`
	// Format is "text" or "json".
	Format string `toml:"format"`
	// Components is an alternative to overrides in Level.
	Components map[string]string `toml:"components"`
}

// ToSpec returns the log spec described by c. Level wins over
// Components.
func (c LoggingConfig) ToSpec() string {
	if c.Level != "" {
		return c.Level
	}
	if len(c.Components) == 0 {
		return ""
	}
	parts := []string{"info"}
	for _, comp := range slices.Sorted(maps.Keys(c.Components)) {
		parts = append(parts, comp+"="+c.Components[comp])
	}
	return strings.Join(parts, ",")
}

// SwitchConfig describes the local switch and the fabric around it.
type SwitchConfig struct {
	ID          int64                `toml:"id"`
	Type        fabricmon.SwitchType `toml:"type"`
	FabricLevel int                  `toml:"fabric_level"`
	DsfNodes    []DsfNodeConfig      `toml:"dsf_nodes"`
	Ports       []PortConfig         `toml:"ports"`
}

// DsfNodeConfig is one switch of the fabric.
type DsfNodeConfig struct {
	Name        string            `toml:"name"`
	SwitchID    int64             `toml:"switch_id"`
	Type        topology.NodeType `toml:"type"`
	FabricLevel int               `toml:"fabric_level"`
}

// PortConfig is one port of the local switch.
type PortConfig struct {
	ID   uint32             `toml:"id"`
	Name string             `toml:"name"`
	Type fabricmon.PortType `toml:"type"`
	// Interface is the netdev carrying the port. Defaults to Name.
	Interface         string           `toml:"interface"`
	VirtualDevice     *int             `toml:"virtual_device"`
	ExpectedNeighbors []NeighborConfig `toml:"expected_neighbors"`
}

// Netdev returns the name of the port's netdev.
func (p PortConfig) Netdev() string {
	if p.Interface != "" {
		return p.Interface
	}
	return p.Name
}

// NeighborConfig is the expected far end of a port.
type NeighborConfig struct {
	RemoteSystem        string `toml:"remote_system"`
	RemotePort          string `toml:"remote_port"`
	RemoteVirtualDevice *int   `toml:"remote_virtual_device"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	// Address to listen on, e.g. ":9464". Empty disables metrics.
	Address string `toml:"address"`
}

// RedisConfig controls publishing of port counters to redis.
type RedisConfig struct {
	// Address of the redis server. Empty disables publishing.
	Address    string `toml:"address"`
	KeyPrefix  string `toml:"key_prefix"`
	IntervalMS int    `toml:"interval_ms"`
}

// Interval returns the publishing interval.
func (c RedisConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// StoreConfig controls the session history database.
type StoreConfig struct {
	// KeepSessions is the number of stopped sessions kept in the
	// history. Zero keeps everything.
	KeepSessions int `toml:"keep_sessions"`
}

// DefaultConfig returns the embedded defaults.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded default.toml: %v", err))
	}
	return cfg
}

// Load reads path over the defaults. An empty path means
// DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := Parse(string(data), &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse overlays the TOML document data onto cfg. Unknown keys are an
// error.
func Parse(data string, cfg *Config) error {
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("parse config file: unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// Validate checks the configuration for values the daemon cannot run
// with.
func (c *Config) Validate() error {
	var errs []error

	if c.Monitoring.IntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("monitoring.fabric_link_monitoring_interval_ms must be positive, got %d", c.Monitoring.IntervalMS))
	}
	if c.Monitoring.EtherType < 0x0600 || c.Monitoring.EtherType > 0xffff {
		errs = append(errs, fmt.Errorf("monitoring.ethertype %#x is not an EtherType", c.Monitoring.EtherType))
	}
	if _, err := c.Monitoring.HardwareAddr(); err != nil {
		errs = append(errs, fmt.Errorf("monitoring.destination_mac: %w", err))
	}
	if c.Redis.Address != "" && c.Redis.IntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("redis.interval_ms must be positive, got %d", c.Redis.IntervalMS))
	}
	if c.Store.KeepSessions < 0 {
		errs = append(errs, fmt.Errorf("store.keep_sessions must not be negative, got %d", c.Store.KeepSessions))
	}
	errs = append(errs, c.Switch.validate()...)

	return errors.Join(errs...)
}

func (s *SwitchConfig) validate() []error {
	var errs []error

	if s.FabricLevel < 0 || s.FabricLevel > 2 {
		errs = append(errs, fmt.Errorf("switch.fabric_level must be 0, 1 or 2, got %d", s.FabricLevel))
	}
	if s.Type == fabricmon.SwitchTypeVOQ && s.FabricLevel != 0 {
		errs = append(errs, fmt.Errorf("switch.fabric_level is only valid on fabric switches"))
	}

	ids := make(map[uint32]bool)
	names := make(map[string]bool)
	for i, p := range s.Ports {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("switch.ports[%d]: name is required", i))
		}
		if ids[p.ID] {
			errs = append(errs, fmt.Errorf("switch.ports[%d]: duplicate port id %d", i, p.ID))
		}
		if p.Name != "" && names[p.Name] {
			errs = append(errs, fmt.Errorf("switch.ports[%d]: duplicate port name %q", i, p.Name))
		}
		ids[p.ID] = true
		names[p.Name] = true
		for j, nb := range p.ExpectedNeighbors {
			if nb.RemoteSystem == "" {
				errs = append(errs, fmt.Errorf("switch.ports[%d].expected_neighbors[%d]: remote_system is required", i, j))
			}
		}
	}
	for i, n := range s.DsfNodes {
		if n.Name == "" {
			errs = append(errs, fmt.Errorf("switch.dsf_nodes[%d]: name is required", i))
		}
	}
	return errs
}

// Topology converts the switch config into a topology snapshot. up
// reports the operational state of each port; a nil up marks every
// port up.
func (s SwitchConfig) Topology(up func(PortConfig) bool) topology.Switch {
	sw := topology.Switch{
		ID:          fabricmon.SwitchID(s.ID),
		Type:        s.Type,
		FabricLevel: s.FabricLevel,
		DsfNodes:    make([]topology.DsfNode, len(s.DsfNodes)),
		Ports:       make([]topology.Port, len(s.Ports)),
	}
	for i, n := range s.DsfNodes {
		sw.DsfNodes[i] = topology.DsfNode{
			Name:        n.Name,
			SwitchID:    fabricmon.SwitchID(n.SwitchID),
			Type:        n.Type,
			FabricLevel: n.FabricLevel,
		}
	}
	for i, p := range s.Ports {
		port := topology.Port{
			ID:            fabricmon.PortID(p.ID),
			Name:          p.Name,
			Type:          p.Type,
			Up:            up == nil || up(p),
			VirtualDevice: p.VirtualDevice,
		}
		for _, nb := range p.ExpectedNeighbors {
			port.ExpectedNeighbors = append(port.ExpectedNeighbors, topology.Neighbor{
				RemoteSystem:        nb.RemoteSystem,
				RemotePort:          nb.RemotePort,
				RemoteVirtualDevice: nb.RemoteVirtualDevice,
			})
		}
		sw.Ports[i] = port
	}
	return sw
}

// Port returns the config of the port with the given id.
func (s SwitchConfig) Port(id fabricmon.PortID) (PortConfig, bool) {
	i := slices.IndexFunc(s.Ports, func(p PortConfig) bool { return fabricmon.PortID(p.ID) == id })
	if i < 0 {
		return PortConfig{}, false
	}
	return s.Ports[i], true
}
