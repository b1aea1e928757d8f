// Package client talks to a running fabricmon daemon.
//
// Use Dial to connect over the daemon's unix socket or TCP listener:
//
//	c, err := client.Dial(client.DefaultSocketPath())
//	c, err := client.Dial("switch1:50052")
package client

import (
	"errors"
	"log/slog"

	"github.com/frobware/go-fabricmon/config"
)

// ErrNotSupported is returned when the daemon does not implement a
// method.
var ErrNotSupported = errors.New("operation not supported by daemon")

// ErrNotFound is returned when the daemon has no port or session with
// the requested id.
var ErrNotFound = errors.New("not found")

// DefaultSocketPath returns the default unix socket path of the daemon.
func DefaultSocketPath() string {
	return config.DefaultRuntimeDirs().SocketPath()
}

// Option configures Dial.
type Option func(*dialOptions)

type dialOptions struct {
	logger *slog.Logger
}

// WithLogger sets the logger for client operations.
// If not specified, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(o *dialOptions) { o.logger = l }
}
