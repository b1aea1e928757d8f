// Package metrics exports fabric link monitoring counters to
// Prometheus.
package metrics

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/frobware/go-fabricmon"
)

const namespace = "fabricmon"

// Source is the monitor state the collector reads on every scrape.
type Source interface {
	Snapshot() ([]fabricmon.PortSnapshot, error)
	UnknownPortCount() uint64
}

var portLabels = []string{"port", "group"}

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	source Source
	logger *slog.Logger

	running        *prometheus.Desc
	unknownFrames  *prometheus.Desc
	tx             *prometheus.Desc
	rx             *prometheus.Desc
	dropped        *prometheus.Desc
	invalidPayload *prometheus.Desc
	noPending      *prometheus.Desc
	pending        *prometheus.Desc
	linkSwitchID   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector reading from source.
func NewCollector(source Source, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		source:         source,
		logger:         logger.With("component", "metrics"),
		running:        desc("running", "Whether fabric link monitoring is running.", nil),
		unknownFrames:  desc("unknown_port_frames_total", "Probe frames received on ports that are not monitored.", nil),
		tx:             desc("probes_sent_total", "Probes sent.", portLabels),
		rx:             desc("probes_received_total", "Probe echoes matched to a pending probe.", portLabels),
		dropped:        desc("probes_dropped_total", "Probes inferred lost.", portLabels),
		invalidPayload: desc("probes_invalid_total", "Received frames that failed validation.", portLabels),
		noPending:      desc("probes_unexpected_total", "Echoes whose sequence number was not pending.", portLabels),
		pending:        desc("probes_pending", "Probes sent and not yet echoed.", portLabels),
		linkSwitchID:   desc("link_switch_id", "Link switch id allocated to the port.", portLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.running, c.unknownFrames, c.tx, c.rx, c.dropped,
		c.invalidPayload, c.noPending, c.pending, c.linkSwitchID,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.unknownFrames, prometheus.CounterValue, float64(c.source.UnknownPortCount()))

	ports, err := c.source.Snapshot()
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, 1)

	for _, p := range ports {
		labels := []string{strconv.FormatUint(uint64(p.Port), 10), strconv.FormatInt(int64(p.Group), 10)}
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
		}
		counter(c.tx, p.Stats.TxCount)
		counter(c.rx, p.Stats.RxCount)
		counter(c.dropped, p.Stats.DroppedCount)
		counter(c.invalidPayload, p.Stats.InvalidPayloadCount)
		counter(c.noPending, p.Stats.NoPendingSeqNumCount)
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(p.PendingCount), labels...)
		if p.LinkSwitchID != nil {
			ch <- prometheus.MustNewConstMetric(c.linkSwitchID, prometheus.GaugeValue, float64(*p.LinkSwitchID), labels...)
		}
	}
}
