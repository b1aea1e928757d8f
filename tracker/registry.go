package tracker

import (
	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/topology"
)

// Registry holds the PortState of every member port of a session.
// The set of ports is fixed when the registry is built; lookups need
// no locking.
type Registry struct {
	ports map[fabricmon.PortID]*PortState
	order []fabricmon.PortID
}

// NewRegistry creates fresh state for every port of m.
func NewRegistry(m topology.Membership) *Registry {
	r := &Registry{
		ports: make(map[fabricmon.PortID]*PortState, m.Len()),
		order: m.Ports(),
	}
	for _, p := range r.order {
		r.ports[p] = NewPortState(p, m.PortToGroup[p])
	}
	return r
}

// Port returns the state of port.
func (r *Registry) Port(port fabricmon.PortID) (*PortState, bool) {
	s, ok := r.ports[port]
	return s, ok
}

// Ports returns the member ports in ascending order.
func (r *Registry) Ports() []fabricmon.PortID {
	return r.order
}

// Len returns the number of member ports.
func (r *Registry) Len() int {
	return len(r.order)
}

// Snapshot returns the state of every port in ascending port order.
func (r *Registry) Snapshot() []fabricmon.PortSnapshot {
	out := make([]fabricmon.PortSnapshot, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, r.ports[p].Snapshot())
	}
	return out
}

// Totals sums the counters of every port.
func (r *Registry) Totals() fabricmon.PortStats {
	var t fabricmon.PortStats
	for _, p := range r.order {
		t = t.Add(r.ports[p].Stats())
	}
	return t
}
