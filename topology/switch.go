// Package topology models the read-only switch state the monitor needs
// and derives from it which fabric ports are probed.
//
// A Switch is a snapshot: callers build one from configuration and
// live port state when monitoring starts, and nothing in this package
// mutates it afterwards.
package topology

import (
	"fmt"
	"slices"
	"strings"

	"github.com/frobware/go-fabricmon"
)

// NodeType is the role of a DSF node.
type NodeType uint8

const (
	// NodeTypeInterface is a VOQ (leaf) switch.
	NodeTypeInterface NodeType = iota
	// NodeTypeFabric is a fabric switch at level 1 or 2.
	NodeTypeFabric
)

// String returns the config name of the node type.
func (t NodeType) String() string {
	switch t {
	case NodeTypeInterface:
		return "interface"
	case NodeTypeFabric:
		return "fabric"
	default:
		return fmt.Sprintf("NodeType(%d)", uint8(t))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *NodeType) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "interface", "interface_node":
		*t = NodeTypeInterface
	case "fabric", "fabric_node":
		*t = NodeTypeFabric
	default:
		return fmt.Errorf("unknown dsf node type: %q", string(b))
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (t NodeType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// DsfNode is one switch of the fabric as listed in the switch config.
type DsfNode struct {
	Name        string
	SwitchID    fabricmon.SwitchID
	Type        NodeType
	FabricLevel int
}

// Neighbor is the expected far end of a port's link.
type Neighbor struct {
	RemoteSystem string
	RemotePort   string
	// RemoteVirtualDevice is the virtual device of the remote port,
	// when the remote platform mapping is known.
	RemoteVirtualDevice *int
}

// Port is the monitor's view of one switch port.
type Port struct {
	ID                fabricmon.PortID
	Name              string
	Type              fabricmon.PortType
	Up                bool
	VirtualDevice     *int
	ExpectedNeighbors []Neighbor
}

// ExpectedNeighbor returns the first expected neighbour of the port.
func (p Port) ExpectedNeighbor() (Neighbor, bool) {
	if len(p.ExpectedNeighbors) == 0 {
		return Neighbor{}, false
	}
	return p.ExpectedNeighbors[0], true
}

// Group returns the monitoring group of the port: its virtual device
// id, or 0 when the platform has no virtual devices.
func (p Port) Group() fabricmon.GroupID {
	if p.VirtualDevice == nil {
		return 0
	}
	return fabricmon.GroupID(*p.VirtualDevice)
}

// Switch is a snapshot of the local switch.
type Switch struct {
	ID   fabricmon.SwitchID
	Type fabricmon.SwitchType
	// FabricLevel is 1 or 2 for fabric switches. Zero means "look it
	// up in DsfNodes".
	FabricLevel int
	DsfNodes    []DsfNode
	Ports       []Port
}

// Level returns the effective fabric level of the switch, 0 for VOQ
// switches and for fabric switches whose level is unknown.
func (s Switch) Level() int {
	if s.Type != fabricmon.SwitchTypeFabric {
		return 0
	}
	if s.FabricLevel != 0 {
		return s.FabricLevel
	}
	for _, n := range s.DsfNodes {
		if n.SwitchID == s.ID {
			return n.FabricLevel
		}
	}
	return 0
}

// Node returns the DSF node with the given name. When several nodes
// share a name the one with the lowest switch id wins.
func (s Switch) Node(name string) (DsfNode, bool) {
	var (
		best  DsfNode
		found bool
	)
	for _, n := range s.DsfNodes {
		if n.Name != name {
			continue
		}
		if !found || n.SwitchID < best.SwitchID {
			best, found = n, true
		}
	}
	return best, found
}

// Port returns the port with the given id.
func (s Switch) Port(id fabricmon.PortID) (Port, bool) {
	i := slices.IndexFunc(s.Ports, func(p Port) bool { return p.ID == id })
	if i < 0 {
		return Port{}, false
	}
	return s.Ports[i], true
}
