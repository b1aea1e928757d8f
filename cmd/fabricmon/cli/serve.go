package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frobware/go-fabricmon/server"
)

// ServeCmd runs the monitoring daemon.
type ServeCmd struct {
	TCPAddress string        `name:"tcp-address" help:"Also listen for gRPC on this TCP address (e.g., '[::]:50052')."`
	AutoStart  bool          `name:"autostart" help:"Start monitoring as soon as the daemon is up." default:"true" negatable:""`
	WaitLock   time.Duration `name:"wait-lock" help:"Wait this long for a running daemon to release the runtime directory (0 fails at once)." default:"0s"`
}

// Run the serve command.
func (c *ServeCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := cli.LoggerFromConfig(cfg)
	if err != nil {
		return err
	}
	dirs, err := cli.RuntimeDirs()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx, server.RunConfig{
		Dirs:       dirs,
		Config:     cfg,
		TCPAddress: c.TCPAddress,
		AutoStart:  c.AutoStart,
		WaitLock:   c.WaitLock,
		Logger:     logger,
	})
}
