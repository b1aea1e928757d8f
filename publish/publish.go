// Package publish writes per-port probe counters into redis hashes so
// other switch processes can read link health without talking to the
// agent.
//
// Every interval the publisher writes one hash per monitored port,
//
//	HSET <prefix>:<port> tx <n> rx <n> dropped <n> invalid_payload <n> no_pending <n> pending <n> group <g>
//
// and a summary hash <prefix> with the running flag and the count of
// frames received on unmonitored ports.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/jpillora/backoff"

	"github.com/frobware/go-fabricmon"
)

// Source is the monitor state the publisher reads.
type Source interface {
	Snapshot() ([]fabricmon.PortSnapshot, error)
	UnknownPortCount() uint64
}

// DialFunc opens a redis connection.
type DialFunc func() (redis.Conn, error)

// Config configures a Publisher.
type Config struct {
	Address   string
	KeyPrefix string
	Interval  time.Duration
}

// Publisher periodically publishes port counters to redis.
type Publisher struct {
	cfg     Config
	source  Source
	dial    DialFunc
	logger  *slog.Logger
	backoff *backoff.Backoff
}

// New returns a publisher dialling cfg.Address over TCP.
func New(cfg Config, source Source, logger *slog.Logger) *Publisher {
	dial := func() (redis.Conn, error) {
		return redis.Dial("tcp", cfg.Address,
			redis.DialConnectTimeout(5*time.Second),
			redis.DialReadTimeout(5*time.Second),
			redis.DialWriteTimeout(5*time.Second),
		)
	}
	return NewWithDialer(cfg, source, dial, logger)
}

// NewWithDialer returns a publisher using dial for connections.
func NewWithDialer(cfg Config, source Source, dial DialFunc, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "fabricmon"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Publisher{
		cfg:    cfg,
		source: source,
		dial:   dial,
		logger: logger.With("component", "publish"),
		backoff: &backoff.Backoff{
			Min:    100 * time.Millisecond,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

// PortKey returns the hash key for port.
func (p *Publisher) PortKey(port fabricmon.PortID) string {
	return p.cfg.KeyPrefix + ":" + strconv.FormatUint(uint64(port), 10)
}

// Run publishes every interval until ctx is cancelled, reconnecting
// with backoff when redis is unreachable or a write fails.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("publishing to redis", "address", p.cfg.Address, "prefix", p.cfg.KeyPrefix, "interval", p.cfg.Interval)
	var conn redis.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if conn == nil {
			c, err := p.dial()
			if err != nil {
				d := p.backoff.Duration()
				p.logger.Warn("redis connect failed", "error", err, "retry_in", d)
				if !sleep(ctx, d) {
					return nil
				}
				continue
			}
			conn = c
		}

		if err := p.Publish(conn); err != nil {
			d := p.backoff.Duration()
			p.logger.Warn("redis publish failed, reconnecting", "error", err, "retry_in", d)
			conn.Close()
			conn = nil
			if !sleep(ctx, d) {
				return nil
			}
			continue
		}

		p.backoff.Reset()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Publish writes one round of hashes on conn as a single pipeline.
func (p *Publisher) Publish(conn redis.Conn) error {
	ports, err := p.source.Snapshot()
	running := err == nil
	if err != nil && !errors.Is(err, fabricmon.ErrNotRunning) {
		return fmt.Errorf("snapshot: %w", err)
	}

	n := 0
	send := func(args redis.Args) error {
		n++
		return conn.Send("HSET", args...)
	}

	if err := send(redis.Args{}.Add(p.cfg.KeyPrefix,
		"running", boolInt(running),
		"ports", len(ports),
		"unknown_port_frames", p.source.UnknownPortCount(),
	)); err != nil {
		return err
	}
	for _, s := range ports {
		err := send(redis.Args{}.Add(p.PortKey(s.Port),
			"tx", s.Stats.TxCount,
			"rx", s.Stats.RxCount,
			"dropped", s.Stats.DroppedCount,
			"invalid_payload", s.Stats.InvalidPayloadCount,
			"no_pending", s.Stats.NoPendingSeqNumCount,
			"pending", s.PendingCount,
			"group", s.Group,
		))
		if err != nil {
			return err
		}
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	for range n {
		if _, err := conn.Receive(); err != nil {
			return fmt.Errorf("receive: %w", err)
		}
	}
	p.logger.Debug("published", "ports", len(ports), "running", running)
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
