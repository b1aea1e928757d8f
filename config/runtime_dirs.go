package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// RuntimeDirs holds the runtime paths of the daemon:
//
//	{base}/          runtime root
//	{base}/db/       session history database
//	{base}/.lock     single-instance lock
//	{base}-sock/     gRPC socket directory
//
// RuntimeDirs is immutable; build one with NewRuntimeDirs.
type RuntimeDirs struct {
	base string
	db   string
	sock string
	lock string
}

// DefaultRuntimeDirs returns the production layout under /run/fabricmon.
func DefaultRuntimeDirs() RuntimeDirs {
	dirs, err := NewRuntimeDirs("/run/fabricmon")
	if err != nil {
		panic(fmt.Sprintf("DefaultRuntimeDirs: %v", err))
	}
	return dirs
}

// NewRuntimeDirs derives every runtime path from base, which must be
// absolute.
func NewRuntimeDirs(base string) (RuntimeDirs, error) {
	if base == "" {
		return RuntimeDirs{}, fmt.Errorf("base path cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return RuntimeDirs{}, fmt.Errorf("base path must be absolute, got %q", base)
	}
	base = filepath.Clean(base)
	return RuntimeDirs{
		base: base,
		db:   filepath.Join(base, "db"),
		sock: base + "-sock",
		lock: filepath.Join(base, ".lock"),
	}, nil
}

// Base returns the runtime root.
func (d RuntimeDirs) Base() string { return d.base }

// DB returns the database directory.
func (d RuntimeDirs) DB() string { return d.db }

// Sock returns the gRPC socket directory.
func (d RuntimeDirs) Sock() string { return d.sock }

// Lock returns the single-instance lock file.
func (d RuntimeDirs) Lock() string { return d.lock }

// SocketPath returns the gRPC socket path.
func (d RuntimeDirs) SocketPath() string {
	return filepath.Join(d.sock, "fabricmon.sock")
}

// DBPath returns the SQLite database path.
func (d RuntimeDirs) DBPath() string {
	return filepath.Join(d.db, "sessions.db")
}

// EnsureDirectories creates the runtime root, the database directory
// and the socket directory.
func (d RuntimeDirs) EnsureDirectories() error {
	for _, dir := range []string{d.base, d.db, d.sock} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
