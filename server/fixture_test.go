package server_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/client"
	"github.com/frobware/go-fabricmon/monitor"
	"github.com/frobware/go-fabricmon/server"
	"github.com/frobware/go-fabricmon/store/sqlite"
	"github.com/frobware/go-fabricmon/topology"
)

// testLogger returns a logger for tests. By default it discards all output.
// Set FABRICMON_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("FABRICMON_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticSwitch struct {
	sw topology.Switch
}

func (s staticSwitch) Snapshot(context.Context) (topology.Switch, error) { return s.sw, nil }

func (s staticSwitch) IsPortUp(fabricmon.PortID) bool { return true }

type sentFrame struct {
	port  fabricmon.PortID
	frame []byte
}

// captureIO records every frame sent.
type captureIO struct {
	mu   sync.Mutex
	sent []sentFrame
}

func (c *captureIO) AllocatePacket(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (c *captureIO) SendPacketOutOfPort(frame []byte, port fabricmon.PortID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentFrame{port: port, frame: append([]byte(nil), frame...)})
	return nil
}

func (c *captureIO) frames() []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentFrame(nil), c.sent...)
}

// testFixture wires a real monitor and an in-memory store behind a
// gRPC server on an in-process listener.
type testFixture struct {
	Monitor *monitor.Monitor
	IO      *captureIO
	Store   *sqlite.Store
	Client  *client.Client
	t       *testing.T
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.NewInMemory(ctx, testLogger())
	require.NoError(t, err, "failed to create store")
	t.Cleanup(func() { store.Close() })

	fx := &testFixture{IO: &captureIO{}, Store: store, t: t}
	fx.Monitor = monitor.New(staticSwitch{sw: fourPortSwitch()}, fx.IO, monitor.Options{
		Interval: time.Hour,
		Recorder: store,
	}, testLogger())
	t.Cleanup(func() { fx.Monitor.Stop(ctx) })

	srv := server.New(fx.Monitor, store, testLogger())
	fx.Client = dialServer(t, srv)
	return fx
}

// dialServer serves srv on a bufconn listener and returns a client
// connected to it.
func dialServer(t *testing.T, srv *server.Server) *client.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.UnaryInterceptor(srv.Interceptor()))
	srv.Register(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return client.NewFromConn(conn, testLogger())
}

// echo hands every captured frame back to the monitor.
func (fx *testFixture) echo() {
	for _, f := range fx.IO.frames() {
		fx.Monitor.HandlePacket(f.port, f.frame)
	}
}

func intPtr(v int) *int { return &v }

// fourPortSwitch is a VOQ switch with four fabric ports on two
// virtual devices and one management port.
func fourPortSwitch() topology.Switch {
	sw := topology.Switch{
		Type: fabricmon.SwitchTypeVOQ,
		DsfNodes: []topology.DsfNode{
			{Name: "voq0", SwitchID: 0, Type: topology.NodeTypeInterface},
			{Name: "fabric4", SwitchID: 4, Type: topology.NodeTypeFabric, FabricLevel: 1},
		},
	}
	for i := 1; i <= 4; i++ {
		sw.Ports = append(sw.Ports, topology.Port{
			ID:            fabricmon.PortID(i),
			Name:          fmt.Sprintf("fab1/1/%d", i),
			Type:          fabricmon.PortTypeFabric,
			Up:            true,
			VirtualDevice: intPtr(i % 2),
			ExpectedNeighbors: []topology.Neighbor{{
				RemoteSystem:        "fabric4",
				RemotePort:          fmt.Sprintf("fab1/1/%d", i),
				RemoteVirtualDevice: intPtr(i % 2),
			}},
		})
	}
	sw.Ports = append(sw.Ports, topology.Port{ID: 100, Name: "eth0", Type: fabricmon.PortTypeManagement, Up: true})
	return sw
}
