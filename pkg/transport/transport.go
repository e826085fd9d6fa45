// Package transport provides the channel abstraction between a child
// agent and the master coordinator. Per spec.md §1, real network
// transport is an external collaborator — this package only defines the
// Conn/Listener surface AFT needs and ships two gob-framed
// implementations of it: an in-process, exactly-in-process-lifetime
// pair that drives the whole protocol in tests and single-process
// demos, and DialTCP/ListenTCP below, which wrap a TCP net.Conn and
// are what cmd/aft-master and cmd/aft-child use.
package transport

import (
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/simeonmiteff/aft/pkg/wire"
)

// Conn is a reliable, in-order, message-oriented channel between one
// child attempt and the master. Per spec.md §6, all channels are
// reliable and in-order per (src, dst) pair.
type Conn interface {
	Send(env wire.Envelope) error
	Recv() (wire.Envelope, error)
	Close() error
}

// gobConn adapts an io.ReadWriteCloser into a Conn using gob framing.
type gobConn struct {
	rwc io.ReadWriteCloser
	enc *gob.Encoder
	dec *gob.Decoder
	mu  sync.Mutex
}

func newGobConn(rwc io.ReadWriteCloser) *gobConn {
	return &gobConn{
		rwc: rwc,
		enc: gob.NewEncoder(rwc),
		dec: gob.NewDecoder(rwc),
	}
}

func (c *gobConn) Send(env wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(env); err != nil {
		return fmt.Errorf("transport: encode %s: %w", env.Kind, err)
	}
	return nil
}

func (c *gobConn) Recv() (wire.Envelope, error) {
	var env wire.Envelope
	if err := c.dec.Decode(&env); err != nil {
		return wire.Envelope{}, fmt.Errorf("transport: decode: %w", err)
	}
	return env, nil
}

func (c *gobConn) Close() error {
	return c.rwc.Close()
}

// NewInProcessPair returns two Conns connected back to back via
// net.Pipe, standing in for the host's exactly-in-process-lifetime
// datagram channel. Used by tests and cmd/aft-sim, which run the whole
// deployment inside one process.
func NewInProcessPair() (Conn, Conn) {
	a, b := net.Pipe()
	return newGobConn(a), newGobConn(b)
}

// DialTCP connects to a master/child listening at addr.
func DialTCP(addr string) (Conn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	if sc, ok := WrapTCPConn(c); ok {
		return newGobConn(sc), nil
	}
	return newGobConn(c), nil
}

// Listener accepts incoming Conns.
type Listener struct {
	ln net.Listener
}

// ListenTCP opens a TCP listener on addr ("" port lets the OS choose).
func ListenTCP(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Accept blocks for the next inbound Conn.
func (l *Listener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	if sc, ok := WrapTCPConn(c); ok {
		return newGobConn(sc), nil
	}
	return newGobConn(c), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }
