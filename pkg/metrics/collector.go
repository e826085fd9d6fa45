// Package metrics exposes the Master Coordinator's state as Prometheus
// metrics, following the Describe/Collect collector shape used
// throughout this codebase rather than a package-level registry of
// free-standing gauges.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/simeonmiteff/aft/internal/master"
)

// snapshotter is the subset of *master.Coordinator the collector needs,
// kept narrow so tests can supply a fake.
type snapshotter interface {
	Snapshot(ctx context.Context) (master.Snapshot, error)
}

// Collector adapts a Coordinator's Snapshot into Prometheus metrics. It
// is stateless between scrapes: every Collect call asks the Coordinator
// for a fresh view rather than caching counters locally, since the
// Coordinator's own goroutine is the only safe owner of that state.
type Collector struct {
	coord   snapshotter
	timeout time.Duration

	attemptsDesc   *prometheus.Desc
	msgBufLenDesc  *prometheus.Desc
	nextRecvIDDesc *prometheus.Desc
	scrapeErrDesc  *prometheus.Desc
}

// NewCollector builds a Collector over coord. Each Collect call is
// bounded by timeout (default 2s) so a wedged Coordinator cannot hang a
// scrape indefinitely.
func NewCollector(coord snapshotter, timeout time.Duration) *Collector {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Collector{
		coord:   coord,
		timeout: timeout,
		attemptsDesc: prometheus.NewDesc(
			"aft_attempts_total", "Number of attempts known to the master, by status.",
			[]string{"status"}, nil,
		),
		msgBufLenDesc: prometheus.NewDesc(
			"aft_msg_buf_records", "Total number of records held in the master's message buffer.",
			nil, nil,
		),
		nextRecvIDDesc: prometheus.NewDesc(
			"aft_next_recv_id", "Next recv_id to be assigned for a node.",
			[]string{"node"}, nil,
		),
		scrapeErrDesc: prometheus.NewDesc(
			"aft_collector_scrape_errors_total", "Number of failed snapshot requests during a scrape.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.attemptsDesc
	descs <- c.msgBufLenDesc
	descs <- c.nextRecvIDDesc
	descs <- c.scrapeErrDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	snap, err := c.coord.Snapshot(ctx)
	if err != nil {
		metrics <- prometheus.MustNewConstMetric(c.scrapeErrDesc, prometheus.CounterValue, 1)
		return
	}

	for status, count := range snap.StatusCounts {
		metrics <- prometheus.MustNewConstMetric(c.attemptsDesc, prometheus.GaugeValue, float64(count), status.String())
	}
	metrics <- prometheus.MustNewConstMetric(c.msgBufLenDesc, prometheus.GaugeValue, float64(snap.MsgBufLen))
	for node, next := range snap.NextRecvID {
		metrics <- prometheus.MustNewConstMetric(c.nextRecvIDDesc, prometheus.GaugeValue, float64(next), strconv.Itoa(node))
	}
}
