//go:build e2e

package e2e

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	vnetns "github.com/vishvananda/netns"

	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/client"
	"github.com/frobware/go-fabricmon/config"
	"github.com/frobware/go-fabricmon/logging"
	"github.com/frobware/go-fabricmon/server"
	"github.com/frobware/go-fabricmon/transport/rawsock"
)

const probeInterval = 100 * time.Millisecond

// Link is one simulated fabric link: the monitored netdev and the peer
// end that reflects probes back.
type Link struct {
	Port  fabricmon.PortID
	Group int
	Local string
	Peer  string
}

// TestEnv provides an isolated test environment for e2e tests.
// Each test gets its own network namespace, runtime directory,
// database and socket, enabling t.Parallel() across all tests.
type TestEnv struct {
	T      *testing.T
	Dirs   config.RuntimeDirs
	Netns  string
	Links  []Link
	Client *client.Client
	logger *slog.Logger

	nsName string
	handle *netlink.Handle
	cancel context.CancelFunc
	done   chan error
}

// NewTestEnv creates an isolated test environment for e2e testing.
// The environment includes:
//   - A named network namespace holding one veth pair per link
//   - A reflector echoing probes on the peer end of every link
//   - A unique runtime directory in /tmp/fabricmon-e2e-<pid>-<testname>/
//   - A fabricmon daemon monitoring the local ends, and a client
//
// The environment is automatically cleaned up via t.Cleanup().
func NewTestEnv(t *testing.T, links []Link) *TestEnv {
	t.Helper()

	testName := sanitizeTestName(t.Name())
	baseDir := filepath.Join(os.TempDir(), fmt.Sprintf("fabricmon-e2e-%d-%s", os.Getpid(), testName))
	dirs, err := config.NewRuntimeDirs(baseDir)
	require.NoError(t, err)

	env := &TestEnv{
		T:      t,
		Dirs:   dirs,
		Links:  links,
		logger: newLogger(t),
		nsName: fmt.Sprintf("fabricmon-e2e-%d-%s", os.Getpid(), testName),
	}
	t.Cleanup(env.cleanup)

	env.createNetns()
	for _, l := range links {
		env.createVeth(l)
	}
	env.startReflector()
	env.startDaemon()
	return env
}

// newLogger follows FABRICMON_LOG. Examples:
//
//	FABRICMON_LOG=debug               - all components at debug
//	FABRICMON_LOG=info,monitor=trace  - default info, monitor at trace
func newLogger(t *testing.T) *slog.Logger {
	if envSpec := os.Getenv(logging.EnvVar); envSpec != "" {
		logger, err := logging.New(logging.Options{
			EnvSpec: envSpec,
			Format:  logging.FormatText,
			Output:  os.Stderr,
		})
		if err != nil {
			t.Fatalf("invalid %s spec: %v", logging.EnvVar, err)
		}
		return logger
	}
	// Default: only errors
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func (e *TestEnv) createNetns() {
	e.T.Helper()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := vnetns.Get()
	require.NoError(e.T, err)
	defer orig.Close()

	ns, err := vnetns.NewNamed(e.nsName)
	require.NoError(e.T, err, "create netns %s", e.nsName)
	defer ns.Close()
	require.NoError(e.T, vnetns.Set(orig), "restore netns")

	e.Netns = filepath.Join("/run/netns", e.nsName)
	e.handle, err = netlink.NewHandleAt(ns)
	require.NoError(e.T, err)

	lo, err := e.handle.LinkByName("lo")
	require.NoError(e.T, err)
	require.NoError(e.T, e.handle.LinkSetUp(lo))
}

func (e *TestEnv) createVeth(l Link) {
	e.T.Helper()
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: l.Local},
		PeerName:  l.Peer,
	}
	require.NoError(e.T, e.handle.LinkAdd(veth), "add veth %s/%s", l.Local, l.Peer)
	e.SetLinkUp(l.Local, true)
	e.SetLinkUp(l.Peer, true)
}

// SetLinkUp sets the admin state of a netdev in the test namespace.
func (e *TestEnv) SetLinkUp(name string, up bool) {
	e.T.Helper()
	link, err := e.handle.LinkByName(name)
	require.NoError(e.T, err)
	if up {
		require.NoError(e.T, e.handle.LinkSetUp(link))
	} else {
		require.NoError(e.T, e.handle.LinkSetDown(link))
	}
}

// reflector echoes every probe back out of the port it arrived on,
// standing in for the far end of each fabric link.
type reflector struct {
	tr *rawsock.Transport
}

func (r *reflector) HandlePacket(port fabricmon.PortID, frame []byte) {
	_ = r.tr.SendPacketOutOfPort(frame, port)
}

func (e *TestEnv) startReflector() {
	e.T.Helper()
	cfg := e.Config()
	dst, err := cfg.Monitoring.HardwareAddr()
	require.NoError(e.T, err)

	var ports []rawsock.Port
	for _, l := range e.Links {
		ports = append(ports, rawsock.Port{ID: l.Port, Netdev: l.Peer})
	}
	tr, err := rawsock.Open(rawsock.Config{
		Ports:       ports,
		EtherType:   uint16(cfg.Monitoring.EtherType),
		Destination: dst,
		Netns:       e.Netns,
	}, e.logger.With("side", "reflector"))
	require.NoError(e.T, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Run(ctx, &reflector{tr: tr})
	}()
	e.T.Cleanup(func() {
		cancel()
		<-done
		tr.Close()
	})
}

// Config returns the daemon configuration for the environment: a VOQ
// switch whose fabric ports are the local ends of the links.
func (e *TestEnv) Config() config.Config {
	cfg := config.DefaultConfig()
	cfg.Monitoring.IntervalMS = int(probeInterval / time.Millisecond)
	cfg.Monitoring.Netns = e.Netns
	cfg.Switch = config.SwitchConfig{ID: 4, Type: fabricmon.SwitchTypeVOQ}
	for _, l := range e.Links {
		vd := l.Group
		cfg.Switch.Ports = append(cfg.Switch.Ports, config.PortConfig{
			ID:            uint32(l.Port),
			Name:          "fab/" + strconv.Itoa(int(l.Port)),
			Type:          fabricmon.PortTypeFabric,
			Interface:     l.Local,
			VirtualDevice: &vd,
		})
	}
	return cfg
}

func (e *TestEnv) startDaemon() {
	e.T.Helper()
	cfg := e.Config()
	require.NoError(e.T, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan error, 1)
	go func() {
		e.done <- server.Run(ctx, server.RunConfig{
			Dirs:      e.Dirs,
			Config:    cfg,
			AutoStart: true,
			Logger:    e.logger,
		})
	}()

	c, err := client.Dial(e.Dirs.SocketPath(), client.WithLogger(e.logger))
	require.NoError(e.T, err)
	e.Client = c

	require.Eventually(e.T, func() bool {
		st, err := c.Status(context.Background())
		return err == nil && st.Running
	}, 10*time.Second, 50*time.Millisecond, "daemon did not come up")
}

// StopDaemon cancels the daemon and waits for it to exit.
func (e *TestEnv) StopDaemon() error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	e.cancel = nil
	select {
	case err := <-e.done:
		return err
	case <-time.After(15 * time.Second):
		return errors.New("daemon did not exit")
	}
}

// cleanup releases resources and removes test directories.
func (e *TestEnv) cleanup() {
	if e.Client != nil {
		e.Client.Close()
	}
	if err := e.StopDaemon(); err != nil {
		e.T.Logf("warning: daemon exit: %v", err)
	}
	if e.handle != nil {
		e.handle.Close()
	}
	if e.Netns != "" {
		if err := vnetns.DeleteNamed(e.nsName); err != nil {
			e.T.Logf("warning: failed to delete netns %s: %v", e.nsName, err)
		}
	}
	if err := os.RemoveAll(e.Dirs.Base()); err != nil {
		e.T.Logf("warning: failed to remove %s: %v", e.Dirs.Base(), err)
	}
	if err := os.RemoveAll(e.Dirs.Sock()); err != nil {
		e.T.Logf("warning: failed to remove %s: %v", e.Dirs.Sock(), err)
	}
}

// PortRx returns the receive counter of one monitored port, or zero
// when it cannot be read. Safe to call from require.Eventually.
func (e *TestEnv) PortRx(port fabricmon.PortID) uint64 {
	p, err := e.Client.Port(context.Background(), port)
	if err != nil {
		e.T.Logf("port %d: %v", port, err)
		return 0
	}
	return p.Stats.RxCount
}

// RequireRoot fails the test if not running as root.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Fatal("test requires root privileges")
	}
}

// sanitizeTestName converts a test name to a safe directory name.
func sanitizeTestName(name string) string {
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.ReplaceAll(name, " ", "_")
	if len(name) > 40 {
		name = name[:40]
	}
	return name
}

// cleanupStaleTestDirs removes leftovers of previous runs whose process
// has exited.
func cleanupStaleTestDirs() {
	for _, pattern := range []string{
		filepath.Join(os.TempDir(), "fabricmon-e2e-*"),
		"/run/netns/fabricmon-e2e-*",
	} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, path := range matches {
			parts := strings.Split(filepath.Base(path), "-")
			if len(parts) >= 3 {
				if pid, err := strconv.Atoi(parts[2]); err == nil {
					if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err == nil {
						continue
					}
				}
			}
			if strings.HasPrefix(path, "/run/netns/") {
				vnetns.DeleteNamed(filepath.Base(path))
				continue
			}
			os.RemoveAll(path)
		}
	}
}
