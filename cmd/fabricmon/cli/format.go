package cli

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/api"
	"github.com/frobware/go-fabricmon/topology"
)

func formatJSON(v any) (string, error) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(output) + "\n", nil
}

func format(v any, flags *OutputFlags, table func() string) (string, error) {
	if flags.Format() == OutputFormatJSON {
		return formatJSON(v)
	}
	return table(), nil
}

func writeTable(fn func(w *tabwriter.Writer)) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fn(w)
	w.Flush()
	return b.String()
}

func formatSession(s fabricmon.Session) string {
	return writeTable(func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Session:\t%s\n", s.ID)
		fmt.Fprintf(w, "Switch type:\t%s\n", s.SwitchType)
		fmt.Fprintf(w, "Interval:\t%s\n", s.Interval)
		fmt.Fprintf(w, "Ports:\t%d\n", s.Ports)
		fmt.Fprintf(w, "Started:\t%s\n", s.StartedAt.Format(time.RFC3339))
		if s.StoppedAt != nil {
			fmt.Fprintf(w, "Stopped:\t%s\n", s.StoppedAt.Format(time.RFC3339))
		}
	})
}

// FormatStart formats the reply to a start request.
func FormatStart(reply api.SessionReply, flags *OutputFlags) (string, error) {
	return format(reply, flags, func() string {
		var b strings.Builder
		b.WriteString(formatSession(reply.Session))
		b.WriteString("\n")
		b.WriteString(writeTable(func(w *tabwriter.Writer) {
			fmt.Fprintln(w, "GROUP\tPORT\tLINK SWITCH ID")
			for _, g := range slices.Sorted(maps.Keys(reply.Groups)) {
				for _, p := range reply.Groups[g] {
					fmt.Fprintf(w, "%d\t%d\t%s\n", g, p, linkSwitchID(reply.LinkSwitchIDs, p))
				}
			}
		}))
		return b.String()
	})
}

// FormatStatus formats the reply to a status request.
func FormatStatus(reply api.StatusReply, flags *OutputFlags) (string, error) {
	return format(reply, flags, func() string {
		if !reply.Running {
			return writeTable(func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "Running:\tno")
				fmt.Fprintf(w, "Unknown port frames:\t%d\n", reply.UnknownPortFrames)
			})
		}
		var b strings.Builder
		b.WriteString(writeTable(func(w *tabwriter.Writer) {
			fmt.Fprintln(w, "Running:\tyes")
		}))
		if reply.Session != nil {
			b.WriteString(formatSession(*reply.Session))
		}
		b.WriteString(writeTable(func(w *tabwriter.Writer) {
			fmt.Fprintf(w, "Unknown port frames:\t%d\n", reply.UnknownPortFrames)
			fmt.Fprintf(w, "Tx:\t%d\n", reply.Totals.TxCount)
			fmt.Fprintf(w, "Rx:\t%d\n", reply.Totals.RxCount)
			fmt.Fprintf(w, "Dropped:\t%d\n", reply.Totals.DroppedCount)
			fmt.Fprintf(w, "Invalid payload:\t%d\n", reply.Totals.InvalidPayloadCount)
			fmt.Fprintf(w, "No pending seq:\t%d\n", reply.Totals.NoPendingSeqNumCount)
		}))
		return b.String()
	})
}

// FormatPorts formats per-port counters.
func FormatPorts(ports []fabricmon.PortSnapshot, flags *OutputFlags) (string, error) {
	return format(ports, flags, func() string { return portTable(ports) })
}

func portTable(ports []fabricmon.PortSnapshot) string {
	return writeTable(func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "PORT\tGROUP\tLINK SWITCH ID\tNEXT SEQ\tPENDING\tTX\tRX\tDROPPED\tINVALID\tNO PENDING")
		for _, p := range ports {
			id := "-"
			if p.LinkSwitchID != nil {
				id = fmt.Sprint(*p.LinkSwitchID)
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
				p.Port, p.Group, id, p.NextSequenceNumber, p.PendingCount,
				p.Stats.TxCount, p.Stats.RxCount, p.Stats.DroppedCount,
				p.Stats.InvalidPayloadCount, p.Stats.NoPendingSeqNumCount)
		}
	})
}

// FormatSessions formats a session list.
func FormatSessions(sessions []fabricmon.Session, flags *OutputFlags) (string, error) {
	return format(sessions, flags, func() string {
		return writeTable(func(w *tabwriter.Writer) {
			fmt.Fprintln(w, "ID\tSWITCH TYPE\tPORTS\tINTERVAL\tSTARTED\tSTOPPED")
			for _, s := range sessions {
				stopped := "-"
				if s.StoppedAt != nil {
					stopped = s.StoppedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					s.ID, s.SwitchType, s.Ports, s.Interval, s.StartedAt.Format(time.RFC3339), stopped)
			}
		})
	})
}

// FormatSessionStats formats a recorded session and its final counters.
func FormatSessionStats(reply api.SessionStatsReply, flags *OutputFlags) (string, error) {
	return format(reply, flags, func() string {
		return formatSession(reply.Session) + "\n" + portTable(reply.Ports)
	})
}

// PortPlan is the monitoring plan for one configured port.
type PortPlan struct {
	Port         fabricmon.PortID    `json:"port"`
	Name         string              `json:"name"`
	Group        fabricmon.GroupID   `json:"group"`
	LinkSwitchID *fabricmon.SwitchID `json:"link_switch_id,omitempty"`
}

// FormatPlan formats the monitoring plan derived from the config.
func FormatPlan(plan []PortPlan, flags *OutputFlags) (string, error) {
	return format(plan, flags, func() string {
		return writeTable(func(w *tabwriter.Writer) {
			fmt.Fprintln(w, "PORT\tNAME\tGROUP\tLINK SWITCH ID")
			for _, p := range plan {
				id := "-"
				if p.LinkSwitchID != nil {
					id = fmt.Sprint(*p.LinkSwitchID)
				}
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", p.Port, p.Name, p.Group, id)
			}
		})
	})
}

func linkSwitchID(ids map[fabricmon.PortID]fabricmon.SwitchID, port fabricmon.PortID) string {
	if id, ok := ids[port]; ok {
		return fmt.Sprint(id)
	}
	return "-"
}

// plan resolves the ports sw would monitor, in port order.
func plan(sw topology.Switch, ids topology.LinkSwitchIDs) []PortPlan {
	m := topology.Resolve(sw)
	var out []PortPlan
	for _, id := range m.Ports() {
		p, _ := sw.Port(id)
		pp := PortPlan{Port: id, Name: p.Name, Group: m.PortToGroup[id]}
		if sid, ok := ids[id]; ok {
			pp.LinkSwitchID = &sid
		}
		out = append(out, pp)
	}
	return out
}
