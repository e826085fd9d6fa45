// Package child implements the per-attempt Child Agent (spec.md §4.1):
// it heartbeats, assigns deterministic send_ids to outgoing messages
// under batch-processing semantics, and delivers received messages to
// user code in strict, gap-free recv_id order. It owns only its own
// send/receive cursors — all master state lives in internal/master and
// is never imported here.
package child

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/aft/pkg/transport"
	"github.com/simeonmiteff/aft/pkg/wire"
)

// deliveryBacklog bounds the aft_recv and aft_send channels. spec.md §5
// explicitly disclaims flow control "beyond unbounded buffering"; a
// very large buffer approximates that without an actually unbounded
// channel.
const deliveryBacklog = 1 << 20

// Delivery is one aft_recv output: a message from SendNode, assigned
// MsgID (== recv_id) by the master, delivered in strict MsgID order.
type Delivery struct {
	SendNode int
	MsgID    int64
	Payload  []byte
}

type pendingSend struct {
	recvNode int
	payload  []byte
}

type outboundEntry struct {
	recvNode    int
	payload     []byte
	enqueueTime int64
}

type inboundEntry struct {
	sendNode int
	payload  []byte
}

// Config parameterizes a new Agent.
type Config struct {
	NodeID       int
	AttemptID    int64
	Address      string // descriptive only, reported in child_ack
	Conn         transport.Conn
	Clock        clock.Clock // nil defaults to clock.NewClock()
	TickInterval time.Duration
	Log          *logrus.Entry
}

// Agent is the per-attempt child endpoint.
type Agent struct {
	nodeID    int
	attemptID int64
	address   string
	conn      transport.Conn
	clk       clock.Clock
	log       *logrus.Entry
	tick      time.Duration

	enqueueCh chan pendingSend
	recvCh    chan wire.Envelope
	outCh     chan Delivery

	// state below is owned exclusively by the Run goroutine.
	nextSendID     int64
	outbound       []outboundEntry
	inbound        map[int64]inboundEntry
	recvDoneMax    int64
	gotInitialData bool
	timestep       int64
}

// New builds an Agent. Run must be called to drive it.
func New(cfg Config) *Agent {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 3 * time.Second
	}
	return &Agent{
		nodeID:      cfg.NodeID,
		attemptID:   cfg.AttemptID,
		address:     cfg.Address,
		conn:        cfg.Conn,
		clk:         clk,
		log:         log.WithFields(logrus.Fields{"node_id": cfg.NodeID, "attempt_id": cfg.AttemptID}),
		tick:        tick,
		enqueueCh:   make(chan pendingSend, deliveryBacklog),
		recvCh:      make(chan wire.Envelope, deliveryBacklog),
		outCh:       make(chan Delivery, deliveryBacklog),
		inbound:     make(map[int64]inboundEntry),
		recvDoneMax: -1,
	}
}

// Send enqueues a message for delivery to recvNode (aft_send). It never
// blocks on protocol progress — only on the backlog filling up, which
// would indicate a runaway producer.
func (a *Agent) Send(recvNode int, payload []byte) {
	a.enqueueCh <- pendingSend{recvNode: recvNode, payload: payload}
}

// Recv blocks for the next aft_recv delivery, in strict MsgID order.
func (a *Agent) Recv(ctx context.Context) (Delivery, error) {
	select {
	case d := <-a.outCh:
		return d, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// Run drives the agent's timestep loop until ctx is cancelled or a
// fatal protocol violation (a routing violation, per spec.md §7) is
// observed, in which case it returns a non-nil error and the caller is
// expected to abort the process.
func (a *Agent) Run(ctx context.Context) error {
	readErrCh := make(chan error, 1)
	go a.readLoop(ctx, readErrCh)

	ack := wire.WrapChildAck(wire.ChildAck{AttemptID: a.attemptID, Address: a.address})
	if err := a.conn.Send(ack); err != nil {
		return fmt.Errorf("child: sending child_ack: %w", err)
	}

	ticker := a.clk.NewTicker(a.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErrCh:
			return err

		case ps := <-a.enqueueCh:
			a.outbound = append(a.outbound, outboundEntry{
				recvNode:    ps.recvNode,
				payload:     ps.payload,
				enqueueTime: a.timestep,
			})

		case env := <-a.recvCh:
			if err := a.handleEnvelope(env); err != nil {
				return err
			}

		case <-ticker.C():
			a.timestep++
			a.shipOne()
			a.deliverOne()
			if err := a.conn.Send(wire.WrapPing(wire.Ping{AttemptID: a.attemptID})); err != nil {
				return fmt.Errorf("child: sending ping: %w", err)
			}
		}
	}
}

func (a *Agent) readLoop(ctx context.Context, errCh chan<- error) {
	for {
		env, err := a.conn.Recv()
		if err != nil {
			select {
			case errCh <- fmt.Errorf("child: reading from master: %w", err):
			case <-ctx.Done():
			}
			return
		}
		select {
		case a.recvCh <- env:
		case <-ctx.Done():
			return
		}
	}
}

// handleEnvelope processes one inbound master->child message.
func (a *Agent) handleEnvelope(env wire.Envelope) error {
	switch env.Kind {
	case wire.KindMsgRecv:
		m := env.MsgRecv
		if m.RecvNode != a.nodeID {
			// Routing violation (spec.md §7): fatal, abort the child.
			a.log.WithFields(logrus.Fields{
				"expected_recv_node": a.nodeID,
				"got_recv_node":      m.RecvNode,
				"recv_id":            m.RecvID,
			}).Error("child: routing violation, msg_recv addressed to a different node")
			return fmt.Errorf("child: routing violation: msg_recv for node %d delivered to node %d", m.RecvNode, a.nodeID)
		}
		a.inbound[m.RecvID] = inboundEntry{sendNode: m.SendNode, payload: m.Payload}

	case wire.KindInitialData:
		a.gotInitialData = true

	default:
		a.log.WithField("kind", env.Kind).Warn("child: unexpected message kind, ignoring")
	}
	return nil
}

// shipOne implements the send-side argmin-chain: at most one buffered
// message is assigned a send_id and shipped per timestep, selected as
// the lexicographically minimum (enqueue_time, payload, recv_node) over
// all buffered messages, independent of arrival order within the step.
func (a *Agent) shipOne() {
	if len(a.outbound) == 0 {
		return
	}

	best := 0
	for i := 1; i < len(a.outbound); i++ {
		if lessOutbound(a.outbound[i], a.outbound[best]) {
			best = i
		}
	}

	entry := a.outbound[best]
	a.outbound = append(a.outbound[:best], a.outbound[best+1:]...)

	sendID := a.nextSendID
	a.nextSendID++

	msg := wire.WrapMsgSend(wire.MsgSend{
		SendNode: a.nodeID,
		SendID:   sendID,
		RecvNode: entry.recvNode,
		Payload:  entry.payload,
	})
	if err := a.conn.Send(msg); err != nil {
		a.log.WithError(err).WithField("send_id", sendID).Error("child: failed to ship msg_send")
	}
}

func lessOutbound(a, b outboundEntry) bool {
	if a.enqueueTime != b.enqueueTime {
		return a.enqueueTime < b.enqueueTime
	}
	if c := bytes.Compare(a.payload, b.payload); c != 0 {
		return c < 0
	}
	return a.recvNode < b.recvNode
}

// deliverOne implements the receive-side contiguous-prefix gate: the
// message with recv_id == recv_done_max+1 is delivered to aft_recv only
// once got_initial_data is true, at most once per timestep. Remaining
// contiguous successors already buffered are picked up on later ticks.
func (a *Agent) deliverOne() {
	if !a.gotInitialData {
		return
	}
	next := a.recvDoneMax + 1
	entry, ok := a.inbound[next]
	if !ok {
		return
	}

	select {
	case a.outCh <- Delivery{SendNode: entry.sendNode, MsgID: next, Payload: entry.payload}:
		delete(a.inbound, next)
		a.recvDoneMax = next
	default:
		a.log.WithField("msg_id", next).Warn("child: aft_recv backlog full, retrying delivery next tick")
	}
}
