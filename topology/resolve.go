package topology

import (
	"maps"
	"slices"

	"github.com/frobware/go-fabricmon"
)

// Membership is the set of ports to probe, grouped by virtual device.
// It is rebuilt on every monitor start and read-only afterwards.
type Membership struct {
	GroupToPorts map[fabricmon.GroupID][]fabricmon.PortID
	PortToGroup  map[fabricmon.PortID]fabricmon.GroupID
}

// Len returns the number of member ports.
func (m Membership) Len() int {
	return len(m.PortToGroup)
}

// Ports returns all member ports in ascending order.
func (m Membership) Ports() []fabricmon.PortID {
	return slices.Sorted(maps.Keys(m.PortToGroup))
}

// Contains reports whether port is probed.
func (m Membership) Contains(port fabricmon.PortID) bool {
	_, ok := m.PortToGroup[port]
	return ok
}

// Resolve computes which ports of sw must be probed:
//
//   - only fabric ports that are up are candidates
//   - a VOQ switch probes every candidate
//   - a level 1 fabric switch probes candidates facing a level 2 node
//   - a level 2 fabric switch probes nothing; it only echoes
func Resolve(sw Switch) Membership {
	m := Membership{
		GroupToPorts: make(map[fabricmon.GroupID][]fabricmon.PortID),
		PortToGroup:  make(map[fabricmon.PortID]fabricmon.GroupID),
	}

	for _, p := range sw.Ports {
		if p.Type != fabricmon.PortTypeFabric || !p.Up {
			continue
		}
		if !probedByRole(sw, p) {
			continue
		}
		g := p.Group()
		m.PortToGroup[p.ID] = g
		m.GroupToPorts[g] = append(m.GroupToPorts[g], p.ID)
	}

	for g := range m.GroupToPorts {
		slices.Sort(m.GroupToPorts[g])
	}
	return m
}

func probedByRole(sw Switch, p Port) bool {
	if sw.Type == fabricmon.SwitchTypeVOQ {
		return true
	}
	if sw.Level() == 2 {
		return false
	}
	nb, ok := p.ExpectedNeighbor()
	if !ok {
		return false
	}
	node, ok := sw.Node(nb.RemoteSystem)
	return ok && node.Type == NodeTypeFabric && node.FabricLevel == 2
}
