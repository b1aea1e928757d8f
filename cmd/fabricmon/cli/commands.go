package cli

import (
	"context"
	"encoding/hex"

	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/packet"
	"github.com/frobware/go-fabricmon/topology"
)

// StartCmd starts, or restarts, monitoring on the daemon.
type StartCmd struct {
	OutputFlags
}

// Run the start command.
func (c *StartCmd) Run(cli *CLI, ctx context.Context) error {
	cl, err := cli.Client()
	if err != nil {
		return err
	}
	defer cl.Close()

	reply, err := cl.Start(ctx)
	if err != nil {
		return err
	}
	out, err := FormatStart(reply, &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(out)
}

// StopCmd stops monitoring on the daemon.
type StopCmd struct{}

// Run the stop command.
func (c *StopCmd) Run(cli *CLI, ctx context.Context) error {
	cl, err := cli.Client()
	if err != nil {
		return err
	}
	defer cl.Close()
	return cl.Stop(ctx)
}

// StatusCmd reports whether monitoring is running.
type StatusCmd struct {
	OutputFlags
}

// Run the status command.
func (c *StatusCmd) Run(cli *CLI, ctx context.Context) error {
	cl, err := cli.Client()
	if err != nil {
		return err
	}
	defer cl.Close()

	reply, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	out, err := FormatStatus(reply, &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(out)
}

// StatsCmd shows per-port counters of the running session.
type StatsCmd struct {
	OutputFlags
	Port *uint32 `name:"port" short:"p" help:"Only show this port."`
}

// Run the stats command.
func (c *StatsCmd) Run(cli *CLI, ctx context.Context) error {
	cl, err := cli.Client()
	if err != nil {
		return err
	}
	defer cl.Close()

	var ports []fabricmon.PortSnapshot
	if c.Port != nil {
		p, err := cl.Port(ctx, fabricmon.PortID(*c.Port))
		if err != nil {
			return err
		}
		ports = []fabricmon.PortSnapshot{p}
	} else {
		ports, err = cl.PortStats(ctx)
		if err != nil {
			return err
		}
	}
	out, err := FormatPorts(ports, &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(out)
}

// SessionsCmd lists recorded sessions or shows one of them.
type SessionsCmd struct {
	OutputFlags
	ID    string `arg:"" optional:"" help:"Session to show."`
	Limit int    `name:"limit" short:"n" help:"Show at most this many sessions (0 for all)." default:"20"`
}

// Run the sessions command.
func (c *SessionsCmd) Run(cli *CLI, ctx context.Context) error {
	cl, err := cli.Client()
	if err != nil {
		return err
	}
	defer cl.Close()

	var out string
	if c.ID != "" {
		reply, err := cl.SessionStats(ctx, c.ID)
		if err != nil {
			return err
		}
		out, err = FormatSessionStats(reply, &c.OutputFlags)
		if err != nil {
			return err
		}
	} else {
		sessions, err := cl.Sessions(ctx, c.Limit)
		if err != nil {
			return err
		}
		out, err = FormatSessions(sessions, &c.OutputFlags)
		if err != nil {
			return err
		}
	}
	return cli.PrintOut(out)
}

// FrameCmd dumps the probe frame the monitor would send.
type FrameCmd struct {
	Port uint32 `name:"port" short:"p" help:"Port the probe is sent on." required:""`
	Seq  uint64 `name:"seq" short:"s" help:"Sequence number." default:"1"`
}

// Run the frame command.
func (c *FrameCmd) Run(cli *CLI) error {
	return cli.PrintOut(hex.Dump(packet.Encode(fabricmon.PortID(c.Port), c.Seq)))
}

// PortsCmd shows the monitoring plan of the configured switch, with
// every port assumed up.
type PortsCmd struct {
	OutputFlags
}

// Run the ports command.
func (c *PortsCmd) Run(cli *CLI) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := cli.Logger()
	if err != nil {
		return err
	}
	sw := cfg.Switch.Topology(nil)
	ids, err := topology.AllocateLinkSwitchIDs(sw, topology.ConfiguredVirtualDevice, logger)
	if err != nil {
		logger.Warn("link switch id allocation failed", "error", err)
		ids = nil
	}
	out, err := FormatPlan(plan(sw, ids), &c.OutputFlags)
	if err != nil {
		return err
	}
	return cli.PrintOut(out)
}
