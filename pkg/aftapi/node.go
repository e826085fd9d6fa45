// Package aftapi is the public surface application code links against:
// the aft_send/aft_recv operations from spec.md §4.1, without exposing
// any of internal/child's timestep machinery.
package aftapi

import (
	"context"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/aft/internal/child"
	"github.com/simeonmiteff/aft/pkg/transport"
)

// Message is one delivered aft_recv value.
type Message struct {
	From int
	ID   int64
	Data []byte
}

// Node is one application's handle onto its AFT child attempt.
type Node struct {
	agent *child.Agent
}

// Config parameterizes Dial.
type Config struct {
	NodeID       int
	AttemptID    int64
	Address      string
	MasterAddr   string
	TickInterval time.Duration
	Clock        clock.Clock
	Log          *logrus.Entry
}

// Dial connects to masterAddr and starts the child agent's run loop in
// the background, returning once the transport is established. Run
// drives the agent until ctx is cancelled or a fatal protocol violation
// occurs.
func Dial(ctx context.Context, cfg Config) (*Node, <-chan error, error) {
	conn, err := transport.DialTCP(cfg.MasterAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("aftapi: dial master %s: %w", cfg.MasterAddr, err)
	}

	agent := child.New(child.Config{
		NodeID:       cfg.NodeID,
		AttemptID:    cfg.AttemptID,
		Address:      cfg.Address,
		Conn:         conn,
		Clock:        cfg.Clock,
		TickInterval: cfg.TickInterval,
		Log:          cfg.Log,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- agent.Run(ctx) }()

	return &Node{agent: agent}, errCh, nil
}

// NewWithConn wraps a pre-established Conn directly, bypassing Dial and
// DialTCP. Used by cmd/aft-sim and tests where the transport is an
// in-process pair rather than a real TCP socket.
func NewWithConn(ctx context.Context, cfg Config, conn transport.Conn) (*Node, <-chan error, error) {
	agent := child.New(child.Config{
		NodeID:       cfg.NodeID,
		AttemptID:    cfg.AttemptID,
		Address:      cfg.Address,
		Conn:         conn,
		Clock:        cfg.Clock,
		TickInterval: cfg.TickInterval,
		Log:          cfg.Log,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- agent.Run(ctx) }()

	return &Node{agent: agent}, errCh, nil
}

// Send enqueues data for eventual, exactly-once delivery to node recvNode.
func (n *Node) Send(recvNode int, data []byte) {
	n.agent.Send(recvNode, data)
}

// Recv blocks until the next message is available, in strict,
// gap-free order.
func (n *Node) Recv(ctx context.Context) (Message, error) {
	d, err := n.agent.Recv(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{From: d.SendNode, ID: d.MsgID, Data: d.Payload}, nil
}
