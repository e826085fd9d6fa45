package transport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnStatsCollector exports byte counters for a set of StatsConns as
// Prometheus metrics via the standard Describe/Collect collector
// shape, with Add/Remove letting callers register and deregister
// connections as they come and go — here tracking the master<->child
// control channel.
type ConnStatsCollector struct {
	mu    sync.Mutex
	conns map[*StatsConn]string // conn -> label

	txDesc *prometheus.Desc
	rxDesc *prometheus.Desc
}

// NewConnStatsCollector builds a collector whose metric names are
// prefixed with prefix.
func NewConnStatsCollector(prefix string) *ConnStatsCollector {
	return &ConnStatsCollector{
		conns: make(map[*StatsConn]string),
		txDesc: prometheus.NewDesc(
			prefix+"_conn_tx_bytes", "Cumulative bytes written on a tracked connection.",
			[]string{"remote"}, nil,
		),
		rxDesc: prometheus.NewDesc(
			prefix+"_conn_rx_bytes", "Cumulative bytes read on a tracked connection.",
			[]string{"remote"}, nil,
		),
	}
}

// Add starts tracking sc under the given label (typically the remote
// address or a correlation id).
func (c *ConnStatsCollector) Add(label string, sc *StatsConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[sc] = label
}

// Remove stops tracking sc, once its connection has closed.
func (c *ConnStatsCollector) Remove(sc *StatsConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, sc)
}

// Describe implements prometheus.Collector.
func (c *ConnStatsCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.txDesc
	descs <- c.rxDesc
}

// Collect implements prometheus.Collector.
func (c *ConnStatsCollector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sc, label := range c.conns {
		metrics <- prometheus.MustNewConstMetric(c.txDesc, prometheus.CounterValue, float64(sc.TxBytes()), label)
		metrics <- prometheus.MustNewConstMetric(c.rxDesc, prometheus.CounterValue, float64(sc.RxBytes()), label)
	}
}

// StatsOf returns the StatsConn backing conn, if it wraps a real TCP
// socket (DialTCP/Listener.Accept results do; NewInProcessPair's
// net.Pipe-backed Conns do not).
func StatsOf(conn Conn) (*StatsConn, bool) {
	gc, ok := conn.(*gobConn)
	if !ok {
		return nil, false
	}
	sc, ok := gc.rwc.(*StatsConn)
	return sc, ok
}
