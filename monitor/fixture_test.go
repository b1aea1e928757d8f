package monitor_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/monitor"
	"github.com/frobware/go-fabricmon/topology"
)

func testLogger() *slog.Logger {
	if os.Getenv("FABRICMON_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSwitch serves a fixed topology with mutable port state. portUpHook,
// when set, runs at the start of every IsPortUp call.
type fakeSwitch struct {
	mu          sync.Mutex
	sw          topology.Switch
	down        map[fabricmon.PortID]bool
	snapshotErr error
	portUpHook  func(fabricmon.PortID)
}

func newFakeSwitch(sw topology.Switch) *fakeSwitch {
	return &fakeSwitch{sw: sw, down: make(map[fabricmon.PortID]bool)}
}

func (f *fakeSwitch) Snapshot(context.Context) (topology.Switch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshotErr != nil {
		return topology.Switch{}, f.snapshotErr
	}
	sw := f.sw
	sw.Ports = make([]topology.Port, len(f.sw.Ports))
	for i, p := range f.sw.Ports {
		p.Up = p.Up && !f.down[p.ID]
		sw.Ports[i] = p
	}
	return sw, nil
}

func (f *fakeSwitch) IsPortUp(port fabricmon.PortID) bool {
	f.mu.Lock()
	hook := f.portUpHook
	f.mu.Unlock()
	if hook != nil {
		hook(port)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down[port]
}

func (f *fakeSwitch) setPortUpHook(hook func(fabricmon.PortID)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portUpHook = hook
}

func (f *fakeSwitch) setDown(port fabricmon.PortID, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[port] = down
}

type sentFrame struct {
	port  fabricmon.PortID
	frame []byte
}

// fakeIO records every frame sent. allocErr and sendErr, when set,
// are consulted before each allocation or send.
type fakeIO struct {
	mu       sync.Mutex
	allocs   int
	sent     []sentFrame
	allocErr func(n int) error
	sendErr  func(port fabricmon.PortID) error
}

func (f *fakeIO) AllocatePacket(size int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocs++
	if f.allocErr != nil {
		if err := f.allocErr(f.allocs); err != nil {
			return nil, err
		}
	}
	return make([]byte, size), nil
}

func (f *fakeIO) SendPacketOutOfPort(frame []byte, port fabricmon.PortID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		if err := f.sendErr(port); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sentFrame{port: port, frame: append([]byte(nil), frame...)})
	return nil
}

func (f *fakeIO) frames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.sent...)
}

func (f *fakeIO) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeRecorder keeps session events. ctxErr records the context error
// seen by each SessionStopped call.
type fakeRecorder struct {
	mu      sync.Mutex
	started []fabricmon.Session
	stopped []fabricmon.Session
	ports   [][]fabricmon.PortSnapshot
	ctxErr  []error
	err     error
}

func (r *fakeRecorder) SessionStarted(_ context.Context, s fabricmon.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, s)
	return r.err
}

func (r *fakeRecorder) SessionStopped(ctx context.Context, s fabricmon.Session, ports []fabricmon.PortSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, s)
	r.ports = append(r.ports, ports)
	r.ctxErr = append(r.ctxErr, ctx.Err())
	return r.err
}

type testFixture struct {
	Monitor  *monitor.Monitor
	Switch   *fakeSwitch
	IO       *fakeIO
	Recorder *fakeRecorder
}

func newFixture(t *testing.T, sw topology.Switch, interval time.Duration) *testFixture {
	t.Helper()
	fx := &testFixture{
		Switch:   newFakeSwitch(sw),
		IO:       &fakeIO{},
		Recorder: &fakeRecorder{},
	}
	fx.Monitor = monitor.New(fx.Switch, fx.IO, monitor.Options{
		Interval:      interval,
		VirtualDevice: topology.ModuloVirtualDevice(4),
		Recorder:      fx.Recorder,
	}, testLogger())
	t.Cleanup(func() {
		require.NoError(t, fx.Monitor.Stop(context.Background()))
	})
	return fx
}

// echoAll feeds every recorded frame back as received on its port.
func (fx *testFixture) echoAll() {
	for _, f := range fx.IO.frames() {
		fx.Monitor.HandlePacket(f.port, f.frame)
	}
}

func intPtr(v int) *int { return &v }

// voqSwitch has 160 fabric ports towards 40 level 1 switches, four
// links each, spread over four virtual devices.
func voqSwitch() topology.Switch {
	sw := topology.Switch{
		ID:       0,
		Type:     fabricmon.SwitchTypeVOQ,
		DsfNodes: []topology.DsfNode{{Name: "voq0", SwitchID: 0, Type: topology.NodeTypeInterface}},
	}
	for i := 1; i <= 40; i++ {
		sw.DsfNodes = append(sw.DsfNodes, topology.DsfNode{
			Name: fmt.Sprintf("fabric%d", i*4), SwitchID: fabricmon.SwitchID(i * 4),
			Type: topology.NodeTypeFabric, FabricLevel: 1,
		})
	}
	id := fabricmon.PortID(1)
	for i := 1; i <= 40; i++ {
		for off := 1; off <= 4; off++ {
			sw.Ports = append(sw.Ports, topology.Port{
				ID:            id,
				Name:          fmt.Sprintf("fab1/%d/%d", i, off),
				Type:          fabricmon.PortTypeFabric,
				Up:            true,
				VirtualDevice: intPtr(int(id) % 4),
				ExpectedNeighbors: []topology.Neighbor{{
					RemoteSystem: fmt.Sprintf("fabric%d", i*4),
					RemotePort:   fmt.Sprintf("fab1/1/%d", off),
				}},
			})
			id++
		}
	}
	return sw
}

// level2Switch is a level 2 fabric switch with ports towards level 1.
func level2Switch() topology.Switch {
	sw := topology.Switch{
		ID:          516,
		Type:        fabricmon.SwitchTypeFabric,
		FabricLevel: 2,
		DsfNodes: []topology.DsfNode{
			{Name: "fabric512", SwitchID: 512, Type: topology.NodeTypeFabric, FabricLevel: 1},
			{Name: "fabric516", SwitchID: 516, Type: topology.NodeTypeFabric, FabricLevel: 2},
		},
	}
	for i := 1; i <= 8; i++ {
		sw.Ports = append(sw.Ports, topology.Port{
			ID:   fabricmon.PortID(i),
			Name: fmt.Sprintf("fab1/1/%d", i),
			Type: fabricmon.PortTypeFabric,
			Up:   true,
			ExpectedNeighbors: []topology.Neighbor{{
				RemoteSystem: "fabric512", RemotePort: fmt.Sprintf("fab2/1/%d", i),
			}},
		})
	}
	return sw
}

var errInjected = errors.New("injected failure")
