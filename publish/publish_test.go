package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-fabricmon"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource struct {
	mu    sync.Mutex
	ports []fabricmon.PortSnapshot
	err   error
}

func (f *fakeSource) Snapshot() ([]fabricmon.PortSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ports, f.err
}

func (f *fakeSource) UnknownPortCount() uint64 { return 3 }

// fakeConn records pipelined commands as strings.
type fakeConn struct {
	mu         sync.Mutex
	pending    []string
	flushed    []string
	receiveErr error
	closed     bool
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Err() error { return nil }

func (c *fakeConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	return nil, errors.New("not used")
}

func (c *fakeConn) Send(cmd string, args ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, fmt.Sprintf("%s %v", cmd, args))
	return nil
}

func (c *fakeConn) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushed = append(c.flushed, c.pending...)
	c.pending = nil
	return nil
}

func (c *fakeConn) Receive() (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receiveErr != nil {
		return nil, c.receiveErr
	}
	return int64(1), nil
}

func (c *fakeConn) commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.flushed...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ redis.Conn = (*fakeConn)(nil)

func TestPublishRunning(t *testing.T) {
	src := &fakeSource{ports: []fabricmon.PortSnapshot{
		{Port: 1, Group: 2, PendingCount: 1, Stats: fabricmon.PortStats{TxCount: 10, RxCount: 8, DroppedCount: 1, InvalidPayloadCount: 2, NoPendingSeqNumCount: 3}},
		{Port: 7, Group: 0},
	}}
	conn := &fakeConn{}
	p := NewWithDialer(Config{KeyPrefix: "fm"}, src, nil, testLogger())

	require.NoError(t, p.Publish(conn))
	cmds := conn.commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, "HSET [fm running 1 ports 2 unknown_port_frames 3]", cmds[0])
	assert.Equal(t, "HSET [fm:1 tx 10 rx 8 dropped 1 invalid_payload 2 no_pending 3 pending 1 group 2]", cmds[1])
	assert.Equal(t, "HSET [fm:7 tx 0 rx 0 dropped 0 invalid_payload 0 no_pending 0 pending 0 group 0]", cmds[2])
}

func TestPublishStopped(t *testing.T) {
	conn := &fakeConn{}
	p := NewWithDialer(Config{}, &fakeSource{err: fabricmon.ErrNotRunning}, nil, testLogger())

	require.NoError(t, p.Publish(conn))
	cmds := conn.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "HSET [fabricmon running 0 ports 0 unknown_port_frames 3]", cmds[0])
}

func TestPublishErrors(t *testing.T) {
	p := NewWithDialer(Config{}, &fakeSource{err: errors.New("boom")}, nil, testLogger())
	assert.ErrorContains(t, p.Publish(&fakeConn{}), "boom")

	p = NewWithDialer(Config{}, &fakeSource{}, nil, testLogger())
	assert.ErrorContains(t, p.Publish(&fakeConn{receiveErr: errors.New("READONLY")}), "READONLY")
}

func TestPortKey(t *testing.T) {
	p := NewWithDialer(Config{KeyPrefix: "sw1.fabricmon"}, &fakeSource{}, nil, testLogger())
	assert.Equal(t, "sw1.fabricmon:42", p.PortKey(42))
}

// TestRunReconnects fails the first dial and the first connection's
// first round; the publisher must end up publishing on a third
// connection.
func TestRunReconnects(t *testing.T) {
	var (
		mu    sync.Mutex
		dials int
		conns []*fakeConn
	)
	dial := func() (redis.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		switch dials {
		case 1:
			return nil, errors.New("connection refused")
		case 2:
			c := &fakeConn{receiveErr: errors.New("connection reset")}
			conns = append(conns, c)
			return c, nil
		default:
			c := &fakeConn{}
			conns = append(conns, c)
			return c, nil
		}
	}
	src := &fakeSource{ports: []fabricmon.PortSnapshot{{Port: 1}}}
	p := NewWithDialer(Config{Interval: 10 * time.Millisecond}, src, dial, testLogger())
	p.backoff.Min = time.Millisecond
	p.backoff.Max = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(conns) == 2 && len(conns[1].commands()) >= 4
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, dials)
	assert.True(t, conns[0].isClosed())
	assert.True(t, conns[1].isClosed())
}
