// Package cli implements the fabricmon command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-fabricmon/client"
	"github.com/frobware/go-fabricmon/config"
	"github.com/frobware/go-fabricmon/logging"
)

// CLI is the root command structure for fabricmon.
type CLI struct {
	Config     string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log        string `name:"log" help:"Log spec (e.g., 'info,monitor=debug')." env:"FABRICMON_LOG"`
	RuntimeDir string `name:"runtime-dir" help:"Runtime directory holding the database, lock and socket." default:"${default_runtime_dir}"`
	Remote     string `name:"remote" short:"r" help:"Daemon endpoint (unix:///path or host:port). Defaults to the runtime directory socket."`

	Serve    ServeCmd    `cmd:"" help:"Run the monitoring daemon."`
	Start    StartCmd    `cmd:"" help:"Start, or restart, fabric link monitoring."`
	Stop     StopCmd     `cmd:"" help:"Stop fabric link monitoring."`
	Status   StatusCmd   `cmd:"" help:"Show whether monitoring is running and the summed counters."`
	Stats    StatsCmd    `cmd:"" help:"Show per-port probe counters."`
	Sessions SessionsCmd `cmd:"" help:"List recorded sessions or show one session's final counters."`
	Frame    FrameCmd    `cmd:"" help:"Hex dump the probe frame for a port and sequence number."`
	Ports    PortsCmd    `cmd:"" help:"Show the ports the configured switch would monitor."`

	// Out receives command output. Nil means os.Stdout.
	Out io.Writer `kong:"-"`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("fabricmon"),
		kong.Description("Fabric link monitoring agent."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"default_config_path": config.DefaultConfigPath,
			"default_runtime_dir": config.DefaultRuntimeDirs().Base(),
		},
	}
}

// LoadConfig loads and validates the configuration file.
func (c *CLI) LoadConfig() (config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", c.Config, err)
	}
	return cfg, nil
}

// RuntimeDirs returns the runtime layout rooted at --runtime-dir.
func (c *CLI) RuntimeDirs() (config.RuntimeDirs, error) {
	return config.NewRuntimeDirs(c.RuntimeDir)
}

// Logger creates a logger for CLI commands.
// CLI commands default to WARN level for quieter output.
// Use LoggerFromConfig for long-running services like serve.
func (c *CLI) Logger() (*slog.Logger, error) {
	spec := c.Log
	if spec == "" {
		spec = "warn"
	}
	return logging.New(logging.Options{CLISpec: spec, Output: os.Stderr})
}

// LoggerFromConfig creates a logger using config file settings.
// Used by long-running services (serve) where INFO level is appropriate.
// Output goes to stdout for daemon/container log collection.
func (c *CLI) LoggerFromConfig(cfg config.Config) (*slog.Logger, error) {
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		CLISpec:    c.Log,
		ConfigSpec: cfg.Logging.ToSpec(),
		Format:     format,
		Output:     os.Stdout,
	})
}

// Client connects to the daemon named by --remote, or to the socket in
// the runtime directory. The returned client must be closed when no
// longer needed.
func (c *CLI) Client() (*client.Client, error) {
	logger, err := c.Logger()
	if err != nil {
		return nil, err
	}
	address := c.Remote
	if address == "" {
		dirs, err := c.RuntimeDirs()
		if err != nil {
			return nil, err
		}
		address = dirs.SocketPath()
	}
	return client.Dial(address, client.WithLogger(logger))
}

// PrintOut writes s to the command output.
func (c *CLI) PrintOut(s string) error {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	_, err := io.WriteString(out, s)
	return err
}

// PrintOutf formats to the command output.
func (c *CLI) PrintOutf(format string, args ...any) error {
	return c.PrintOut(fmt.Sprintf(format, args...))
}
