package topology

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/frobware/go-fabricmon"
)

const (
	// LeafBaseSwitchID is the first link switch id handed out to
	// leaf (VOQ) to level 1 fabric links.
	LeafBaseSwitchID fabricmon.SwitchID = 4096
	// MaxLinkSwitchIDsPerLevel bounds the number of links at each
	// level of the fabric.
	MaxLinkSwitchIDsPerLevel = 1024
	// Level2BaseSwitchID is the first link switch id handed out to
	// level 1 to level 2 fabric links.
	Level2BaseSwitchID = LeafBaseSwitchID + MaxLinkSwitchIDsPerLevel

	// MaxLeafFabricLinksPerVD is the number of links a VOQ switch may
	// have towards level 1 on a single virtual device.
	MaxLeafFabricLinksPerVD = 40
	// MaxFabricLinksPerVD is the number of links a fabric switch may
	// have at either level on a single virtual device.
	MaxFabricLinksPerVD = 128

	// switchIDsPerSwitch is the number of switch ids a single DSF
	// node consumes.
	switchIDsPerSwitch = 4
)

// VirtualDeviceFunc returns the virtual device a fabric link is
// counted against.
type VirtualDeviceFunc func(sw Switch, port Port, nb Neighbor) (int, error)

// ConfiguredVirtualDevice uses the neighbour's virtual device on VOQ
// switches and the port's own virtual device on fabric switches.
func ConfiguredVirtualDevice(sw Switch, port Port, nb Neighbor) (int, error) {
	if sw.Type == fabricmon.SwitchTypeVOQ {
		if nb.RemoteVirtualDevice == nil {
			return 0, fmt.Errorf("port %s: no virtual device for remote %s:%s", port.Name, nb.RemoteSystem, nb.RemotePort)
		}
		return *nb.RemoteVirtualDevice, nil
	}
	if port.VirtualDevice == nil {
		return 0, fmt.Errorf("port %s: no virtual device", port.Name)
	}
	return *port.VirtualDevice, nil
}

// ModuloVirtualDevice spreads ports over n virtual devices by port id.
// It is meant for platforms without a platform mapping and for tests.
func ModuloVirtualDevice(n int) VirtualDeviceFunc {
	return func(_ Switch, port Port, _ Neighbor) (int, error) {
		return int(port.ID) % n, nil
	}
}

// LinkSwitchIDs maps a fabric port to the switch id of its link.
type LinkSwitchIDs map[fabricmon.PortID]fabricmon.SwitchID

// ForPort returns the link switch id of port.
func (l LinkSwitchIDs) ForPort(port fabricmon.PortID) (fabricmon.SwitchID, error) {
	id, ok := l[port]
	if !ok {
		return 0, fabricmon.ErrPortNotMonitored{Port: port}
	}
	return id, nil
}

// AllocateLinkSwitchIDs assigns a switch id to every fabric link of sw
// that has a resolvable expected neighbour. Both ends of a link compute
// the same id.
func AllocateLinkSwitchIDs(sw Switch, vd VirtualDeviceFunc, logger *slog.Logger) (LinkSwitchIDs, error) {
	if vd == nil {
		vd = ConfiguredVirtualDevice
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &allocator{
		sw:               sw,
		voq:              sw.Type == fabricmon.SwitchTypeVOQ,
		vd:               vd,
		logger:           logger,
		nameToID:         make(map[string]fabricmon.SwitchID),
		nodeByID:         make(map[fabricmon.SwitchID]DsfNode),
		lowestLeaf:       math.MaxInt64,
		lowestL1:         math.MaxInt64,
		lowestL2:         math.MaxInt64,
		portVD:           make(map[fabricmon.PortID]int),
		leafLinksPerVD:   make(map[int]int),
		l1l2LinksPerVD:   make(map[int]int),
		links:            make(map[fabricmon.SwitchID]map[int][]portPair),
		orderedLocalName: make(map[fabricmon.SwitchID]map[int][]string),
	}

	if err := a.processDsfNodes(); err != nil {
		return nil, err
	}
	if err := a.processLinks(); err != nil {
		return nil, err
	}
	if err := a.validateLimits(); err != nil {
		return nil, err
	}
	a.sequenceParallelLinks()
	return a.allocate(), nil
}

type portPair struct {
	local, remote string
}

// canonical orders the pair so both ends of a link see the same key.
func (p portPair) canonical() portPair {
	if p.remote < p.local {
		return portPair{local: p.remote, remote: p.local}
	}
	return p
}

type allocator struct {
	sw     Switch
	voq    bool
	vd     VirtualDeviceFunc
	logger *slog.Logger

	nameToID map[string]fabricmon.SwitchID
	nodeByID map[fabricmon.SwitchID]DsfNode

	lowestLeaf fabricmon.SwitchID
	lowestL1   fabricmon.SwitchID
	lowestL2   fabricmon.SwitchID

	portVD         map[fabricmon.PortID]int
	leafLinks      int
	l1l2Links      int
	leafLinksPerVD map[int]int
	l1l2LinksPerVD map[int]int

	// remote switch id -> virtual device -> links
	links            map[fabricmon.SwitchID]map[int][]portPair
	orderedLocalName map[fabricmon.SwitchID]map[int][]string

	maxParallelLeaf int
	maxParallelL1L2 int
}

func (a *allocator) processDsfNodes() error {
	for _, n := range a.sw.DsfNodes {
		if id, ok := a.nameToID[n.Name]; !ok || n.SwitchID < id {
			a.nameToID[n.Name] = n.SwitchID
		}
		a.nodeByID[n.SwitchID] = n

		if n.Type == NodeTypeInterface {
			a.lowestLeaf = min(a.lowestLeaf, n.SwitchID)
			continue
		}
		switch n.FabricLevel {
		case 1:
			a.lowestL1 = min(a.lowestL1, n.SwitchID)
		case 2:
			a.lowestL2 = min(a.lowestL2, n.SwitchID)
		default:
			return fmt.Errorf("dsf node %q: fabric level %d is not 1 or 2", n.Name, n.FabricLevel)
		}
	}
	return nil
}

// fabricLinks yields the fabric ports with a resolvable neighbour
// together with the neighbour's switch id.
func (a *allocator) fabricLinks(yield func(Port, Neighbor, fabricmon.SwitchID) bool) {
	for _, p := range a.sw.Ports {
		if p.Type != fabricmon.PortTypeFabric {
			continue
		}
		nb, ok := p.ExpectedNeighbor()
		if !ok {
			continue
		}
		remote, ok := a.nameToID[nb.RemoteSystem]
		if !ok {
			a.logger.Debug("neighbour not in dsf nodes", "port", p.Name, "remote_system", nb.RemoteSystem)
			continue
		}
		if !yield(p, nb, remote) {
			return
		}
	}
}

func (a *allocator) isLeafLink(remote fabricmon.SwitchID) bool {
	if a.voq {
		return true
	}
	n, ok := a.nodeByID[remote]
	return ok && n.Type == NodeTypeInterface
}

func (a *allocator) processLinks() error {
	var err error
	a.fabricLinks(func(p Port, nb Neighbor, remote fabricmon.SwitchID) bool {
		if p.Name == "" {
			err = fmt.Errorf("fabric port %d has no name", p.ID)
			return false
		}
		vd, vdErr := a.vd(a.sw, p, nb)
		if vdErr != nil {
			err = vdErr
			return false
		}
		a.portVD[p.ID] = vd

		if a.isLeafLink(remote) {
			a.leafLinks++
			a.leafLinksPerVD[vd]++
		} else {
			a.l1l2Links++
			a.l1l2LinksPerVD[vd]++
		}

		byVD, ok := a.links[remote]
		if !ok {
			byVD = make(map[int][]portPair)
			a.links[remote] = byVD
		}
		byVD[vd] = append(byVD[vd], portPair{local: p.Name, remote: nb.RemotePort})
		return true
	})
	return err
}

func (a *allocator) validateLimits() error {
	if a.leafLinks > MaxLinkSwitchIDsPerLevel {
		return fmt.Errorf("too many leaf to level 1 links: %d, max expected %d", a.leafLinks, MaxLinkSwitchIDsPerLevel)
	}
	if a.l1l2Links > MaxLinkSwitchIDsPerLevel {
		return fmt.Errorf("too many level 1 to level 2 links: %d, max expected %d", a.l1l2Links, MaxLinkSwitchIDsPerLevel)
	}

	leafLimit := MaxFabricLinksPerVD
	if a.voq {
		leafLimit = MaxLeafFabricLinksPerVD
	}
	for _, vd := range sortedKeys(a.leafLinksPerVD) {
		if n := a.leafLinksPerVD[vd]; n > leafLimit {
			return fmt.Errorf("too many leaf to level 1 links on virtual device %d: %d, max expected %d", vd, n, leafLimit)
		}
	}
	for _, vd := range sortedKeys(a.l1l2LinksPerVD) {
		if n := a.l1l2LinksPerVD[vd]; n > MaxFabricLinksPerVD {
			return fmt.Errorf("too many level 1 to level 2 links on virtual device %d: %d, max expected %d", vd, n, MaxFabricLinksPerVD)
		}
	}
	return nil
}

func (a *allocator) sequenceParallelLinks() {
	for _, remote := range sortedKeys(a.links) {
		byVD := a.links[remote]
		ordered := make(map[int][]string, len(byVD))
		for _, vd := range sortedKeys(byVD) {
			pairs := slices.Clone(byVD[vd])
			slices.SortStableFunc(pairs, func(x, y portPair) int {
				cx, cy := x.canonical(), y.canonical()
				return cmp.Or(cmp.Compare(cx.local, cy.local), cmp.Compare(cx.remote, cy.remote))
			})
			names := make([]string, len(pairs))
			for i, p := range pairs {
				names[i] = p.local
			}
			ordered[vd] = names

			if a.isLeafLink(remote) {
				a.maxParallelLeaf = a.updateMaxParallel("leaf", a.maxParallelLeaf, len(names), remote, vd)
			} else {
				a.maxParallelL1L2 = a.updateMaxParallel("level2", a.maxParallelL1L2, len(names), remote, vd)
			}
		}
		a.orderedLocalName[remote] = ordered
	}
}

func (a *allocator) updateMaxParallel(level string, current, n int, remote fabricmon.SwitchID, vd int) int {
	if current != 0 && current != n {
		a.logger.Warn("asymmetric parallel links", "level", level, "remote_switch_id", remote, "virtual_device", vd, "links", n, "previous_max", current)
	}
	return max(current, n)
}

func (a *allocator) switchIDOffset(local, remote fabricmon.SwitchID) int64 {
	leafL1 := func(leaf, l1 fabricmon.SwitchID) int64 {
		return int64((leaf-a.lowestLeaf)/switchIDsPerSwitch + l1 - a.lowestL1)
	}
	l1l2 := func(l1, l2 fabricmon.SwitchID) int64 {
		return int64((l1-a.lowestL1)/switchIDsPerSwitch + l2 - a.lowestL2)
	}

	if local < a.lowestL1 || remote < a.lowestL1 {
		if local < a.lowestL1 {
			return leafL1(local, remote)
		}
		return leafL1(remote, local)
	}
	if local < a.lowestL2 {
		return l1l2(local, remote)
	}
	return l1l2(remote, local)
}

func (a *allocator) parallelOffset(p Port, remote fabricmon.SwitchID, vd, maxParallel int) int {
	if maxParallel <= 1 {
		return 0
	}
	idx := slices.Index(a.orderedLocalName[remote][vd], p.Name)
	return max(idx, 0)
}

func (a *allocator) allocate() LinkSwitchIDs {
	ids := make(LinkSwitchIDs)
	a.fabricLinks(func(p Port, _ Neighbor, remote fabricmon.SwitchID) bool {
		vd := a.portVD[p.ID]

		base, links, maxParallel := Level2BaseSwitchID, a.l1l2Links, a.maxParallelL1L2
		if a.isLeafLink(remote) {
			base, links, maxParallel = LeafBaseSwitchID, a.leafLinks, a.maxParallelLeaf
		}

		offset := a.switchIDOffset(a.sw.ID, remote)*int64(maxParallel) +
			int64(vd) + int64(a.parallelOffset(p, remote, vd, maxParallel))
		n := int64(links)
		ids[p.ID] = base + fabricmon.SwitchID(((offset%n)+n)%n)
		return true
	})
	return ids
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
