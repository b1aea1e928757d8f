package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/config"
	"github.com/frobware/go-fabricmon/lock"
	"github.com/frobware/go-fabricmon/metrics"
	"github.com/frobware/go-fabricmon/monitor"
	"github.com/frobware/go-fabricmon/portstate"
	"github.com/frobware/go-fabricmon/publish"
	"github.com/frobware/go-fabricmon/store/sqlite"
	"github.com/frobware/go-fabricmon/transport/rawsock"
)

// RunConfig configures the server daemon.
type RunConfig struct {
	Dirs       config.RuntimeDirs
	Config     config.Config
	TCPAddress string // Optional TCP address (e.g., ":50052") for remote access
	// AutoStart starts monitoring once the daemon is up instead of
	// waiting for a Start request.
	AutoStart bool
	// WaitLock is how long to wait for another daemon to release the
	// runtime directory. Zero fails at once.
	WaitLock time.Duration
	Logger   *slog.Logger
}

// Run starts the fabricmon daemon with the given configuration.
// This is the main entry point for the serve command.
// The context is used for cancellation - when cancelled, monitoring is
// stopped, the session is recorded and the server shuts down.
func Run(ctx context.Context, cfg RunConfig) error {
	dirs := cfg.Dirs
	conf := cfg.Config

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := dirs.EnsureDirectories(); err != nil {
		return fmt.Errorf("runtime directory setup failed: %w", err)
	}

	lk, err := acquireLock(ctx, dirs, cfg.WaitLock, logger)
	if err != nil {
		return err
	}
	defer lk.Close()

	st, err := sqlite.New(ctx, dirs.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to open store at %s: %w", dirs.DBPath(), err)
	}
	defer st.Close()
	st.SetKeepSessions(conf.Store.KeepSessions)

	state, err := portstate.Open(conf.Switch, conf.Monitoring.Netns, logger)
	if err != nil {
		return err
	}
	defer state.Close()

	dst, err := conf.Monitoring.HardwareAddr()
	if err != nil {
		return err
	}
	transport, err := rawsock.Open(rawsock.Config{
		Ports:       fabricPorts(conf.Switch),
		EtherType:   uint16(conf.Monitoring.EtherType),
		Destination: dst,
		Netns:       conf.Monitoring.Netns,
	}, logger)
	if err != nil {
		return fmt.Errorf("open raw sockets: %w", err)
	}
	defer transport.Close()

	mon := monitor.New(state, transport, monitor.Options{
		Interval: conf.Monitoring.Interval(),
		Recorder: st,
	}, logger)

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	background := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(bgCtx); err != nil {
				logger.Error("background task failed", "task", name, "error", err)
			}
		}()
	}

	background("link-watch", state.Watch)
	background("receive", func(ctx context.Context) error { return transport.Run(ctx, mon) })
	if conf.Metrics.Address != "" {
		reg := metrics.NewRegistry(metrics.NewCollector(mon, logger))
		background("metrics", func(ctx context.Context) error {
			return metrics.Serve(ctx, conf.Metrics.Address, reg, logger)
		})
	} else {
		logger.Info("metrics HTTP server disabled")
	}
	if conf.Redis.Address != "" {
		pub := publish.New(publish.Config{
			Address:   conf.Redis.Address,
			KeyPrefix: conf.Redis.KeyPrefix,
			Interval:  conf.Redis.Interval(),
		}, mon, logger)
		background("publish", pub.Run)
	}

	if cfg.AutoStart {
		if info, err := mon.Start(ctx); err != nil {
			logger.Error("failed to start monitoring", "error", err)
		} else {
			logger.Info("monitoring started", "session", info.ID, "ports", info.Ports)
		}
	}

	srv := New(mon, st, logger)
	serveErr := srv.Serve(ctx, dirs.SocketPath(), cfg.TCPAddress)

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer stopCancel()
	stopErr := mon.Stop(stopCtx)

	cancel()
	wg.Wait()
	return errors.Join(serveErr, stopErr)
}

// acquireLock takes the single-instance lock of dirs, waiting up to
// wait for a previous daemon to exit.
func acquireLock(ctx context.Context, dirs config.RuntimeDirs, wait time.Duration, logger *slog.Logger) (*lock.Lock, error) {
	var (
		lk  *lock.Lock
		err error
	)
	if wait > 0 {
		logger.Debug("waiting for instance lock", "path", dirs.Lock(), "timeout", wait)
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		lk, err = lock.Acquire(waitCtx, dirs.Lock())
	} else {
		lk, err = lock.TryAcquire(dirs.Lock())
	}
	if errors.Is(err, lock.ErrLocked) {
		if pid, ok := lock.Holder(dirs.Lock()); ok {
			return nil, fmt.Errorf("another fabricmon daemon (pid %d) owns %s: %w", pid, dirs.Base(), err)
		}
		return nil, fmt.Errorf("another fabricmon daemon owns %s: %w", dirs.Base(), err)
	}
	if err != nil {
		return nil, err
	}
	return lk, nil
}

// fabricPorts returns the raw socket bindings of every configured
// fabric port.
func fabricPorts(sw config.SwitchConfig) []rawsock.Port {
	var ports []rawsock.Port
	for _, p := range sw.Ports {
		if p.Type != fabricmon.PortTypeFabric {
			continue
		}
		ports = append(ports, rawsock.Port{ID: fabricmon.PortID(p.ID), Netdev: p.Netdev()})
	}
	return ports
}
