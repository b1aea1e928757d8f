package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/frobware/go-fabricmon"
)

// SessionReply answers Start.
type SessionReply struct {
	Session       fabricmon.Session                        `json:"session"`
	Groups        map[fabricmon.GroupID][]fabricmon.PortID `json:"groups"`
	LinkSwitchIDs map[fabricmon.PortID]fabricmon.SwitchID  `json:"link_switch_ids,omitempty"`
}

// StatusReply answers Status.
type StatusReply struct {
	Running           bool                `json:"running"`
	Session           *fabricmon.Session  `json:"session,omitempty"`
	UnknownPortFrames uint64              `json:"unknown_port_frames"`
	Totals            fabricmon.PortStats `json:"totals"`
}

// PortStatsRequest selects ports for GetPortStats. A nil Port selects
// every monitored port.
type PortStatsRequest struct {
	Port *fabricmon.PortID `json:"port,omitempty"`
}

// PortStatsReply answers GetPortStats.
type PortStatsReply struct {
	Ports []fabricmon.PortSnapshot `json:"ports"`
}

// SessionsReply answers ListSessions.
type SessionsReply struct {
	Sessions []fabricmon.Session `json:"sessions"`
}

// SessionStatsReply answers GetSessionStats.
type SessionStatsReply struct {
	Session fabricmon.Session        `json:"session"`
	Ports   []fabricmon.PortSnapshot `json:"ports"`
}

// Encode converts v to a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

// Decode fills v from a Struct produced by Encode. A nil Struct
// decodes as an empty object.
func Decode(s *structpb.Struct, v any) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
