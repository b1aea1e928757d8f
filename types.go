// Package fabricmon holds the domain types shared by the fabric link
// monitoring agent: port, group and switch identifiers, port and switch
// roles, and the per-port statistics exposed to telemetry.
package fabricmon

import (
	"fmt"
	"strings"
	"time"
)

// PortID is the switch-local logical port identifier.
type PortID uint32

// GroupID identifies the virtual device a monitored port belongs to.
// Ports on switches without virtual devices are in group 0.
type GroupID int32

// SwitchID identifies a switch (or, for link switch ids, a fabric link)
// inside a DSF fabric.
type SwitchID int64

// PortType is the role of a port as seen by the switch state model.
type PortType uint8

const (
	PortTypeInterface PortType = iota
	PortTypeFabric
	PortTypeRecycle
	PortTypeManagement
)

// String returns the config name of the port type.
func (t PortType) String() string {
	switch t {
	case PortTypeInterface:
		return "interface"
	case PortTypeFabric:
		return "fabric"
	case PortTypeRecycle:
		return "recycle"
	case PortTypeManagement:
		return "management"
	default:
		return fmt.Sprintf("PortType(%d)", uint8(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t PortType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so config files
// can name port types directly.
func (t *PortType) UnmarshalText(b []byte) error {
	v, err := ParsePortType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParsePortType parses a port type name (case-insensitive).
func ParsePortType(s string) (PortType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "interface", "":
		return PortTypeInterface, nil
	case "fabric":
		return PortTypeFabric, nil
	case "recycle":
		return PortTypeRecycle, nil
	case "management":
		return PortTypeManagement, nil
	default:
		return PortTypeInterface, fmt.Errorf("unknown port type: %q", s)
	}
}

// SwitchType is the role of the local switch in a DSF fabric.
type SwitchType uint8

const (
	// SwitchTypeVOQ is a leaf switch implementing virtual output queueing.
	SwitchTypeVOQ SwitchType = iota
	// SwitchTypeFabric is a fabric (spine) switch, level 1 or 2.
	SwitchTypeFabric
)

// String returns the config name of the switch type.
func (t SwitchType) String() string {
	switch t {
	case SwitchTypeVOQ:
		return "voq"
	case SwitchTypeFabric:
		return "fabric"
	default:
		return fmt.Sprintf("SwitchType(%d)", uint8(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t SwitchType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *SwitchType) UnmarshalText(b []byte) error {
	v, err := ParseSwitchType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseSwitchType parses a switch type name (case-insensitive).
func ParseSwitchType(s string) (SwitchType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "voq":
		return SwitchTypeVOQ, nil
	case "fabric":
		return SwitchTypeFabric, nil
	default:
		return SwitchTypeVOQ, fmt.Errorf("unknown switch type: %q", s)
	}
}

// PortStats are the monotonically increasing probe counters of one port.
type PortStats struct {
	TxCount              uint64 `json:"tx"`
	RxCount              uint64 `json:"rx"`
	DroppedCount         uint64 `json:"dropped"`
	InvalidPayloadCount  uint64 `json:"invalid_payload"`
	NoPendingSeqNumCount uint64 `json:"no_pending_seq_num"`
}

// Add returns the field-wise sum of s and o.
func (s PortStats) Add(o PortStats) PortStats {
	return PortStats{
		TxCount:              s.TxCount + o.TxCount,
		RxCount:              s.RxCount + o.RxCount,
		DroppedCount:         s.DroppedCount + o.DroppedCount,
		InvalidPayloadCount:  s.InvalidPayloadCount + o.InvalidPayloadCount,
		NoPendingSeqNumCount: s.NoPendingSeqNumCount + o.NoPendingSeqNumCount,
	}
}

// PortSnapshot is a point-in-time copy of one monitored port.
type PortSnapshot struct {
	Port               PortID    `json:"port"`
	Group              GroupID   `json:"group"`
	LinkSwitchID       *SwitchID `json:"link_switch_id,omitempty"`
	NextSequenceNumber uint64    `json:"next_sequence_number"`
	PendingCount       uint64    `json:"pending"`
	Stats              PortStats `json:"stats"`
}

// Session describes one monitoring run between Start and Stop.
type Session struct {
	ID         string        `json:"id"`
	SwitchType SwitchType    `json:"switch_type"`
	Interval   time.Duration `json:"interval"`
	Ports      int           `json:"ports"`
	StartedAt  time.Time     `json:"started_at"`
	StoppedAt  *time.Time    `json:"stopped_at,omitempty"`
}
