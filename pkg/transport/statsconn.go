package transport

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/higebu/netfd"
)

// StatsConn wraps a TCP net.Conn underlying a Conn and tracks byte
// counters and connection lifetime. It exists purely for operational
// diagnostics on the master<->child channel (ConnStatsCollector reads
// it); it carries no protocol semantics of its own.
type StatsConn struct {
	net.Conn
	fd         int
	openedAt   int64
	closedAt   int64
	txBytes    int64
	rxBytes    int64
}

// WrapTCPConn wraps a TCP connection for byte-level accounting. It
// returns ok=false for non-TCP conns (e.g. the in-process net.Pipe used
// by NewInProcessPair), which have no underlying file descriptor.
func WrapTCPConn(c net.Conn) (*StatsConn, bool) {
	tcpConn, ok := c.(*net.TCPConn)
	if !ok {
		return nil, false
	}
	fd := netfd.GetFdFromConn(tcpConn)
	return &StatsConn{
		Conn:     c,
		fd:       fd,
		openedAt: time.Now().UnixNano(),
	}, true
}

// Fd returns the underlying socket file descriptor, as extracted by
// netfd, for external diagnostic tooling (e.g. /proc/net/tcp lookups).
func (s *StatsConn) Fd() int { return s.fd }

// TxBytes returns the cumulative number of bytes written.
func (s *StatsConn) TxBytes() int64 { return atomic.LoadInt64(&s.txBytes) }

// RxBytes returns the cumulative number of bytes read.
func (s *StatsConn) RxBytes() int64 { return atomic.LoadInt64(&s.rxBytes) }

// OpenedAt returns the UnixNano timestamp the connection was wrapped.
func (s *StatsConn) OpenedAt() int64 { return s.openedAt }

// ClosedAt returns the UnixNano timestamp Close was called, or 0.
func (s *StatsConn) ClosedAt() int64 { return atomic.LoadInt64(&s.closedAt) }

func (s *StatsConn) Read(b []byte) (int, error) {
	n, err := s.Conn.Read(b)
	atomic.AddInt64(&s.rxBytes, int64(n))
	return n, err
}

func (s *StatsConn) Write(b []byte) (int, error) {
	n, err := s.Conn.Write(b)
	atomic.AddInt64(&s.txBytes, int64(n))
	return n, err
}

// Close records the close time before delegating.
func (s *StatsConn) Close() error {
	atomic.StoreInt64(&s.closedAt, time.Now().UnixNano())
	return s.Conn.Close()
}
