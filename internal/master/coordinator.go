// Package master implements the Master Coordinator (spec.md §4.2): the
// single global authority that spawns child attempts, tracks liveness,
// assigns recv_ids, buffers every message ever sent for replay, detects
// death, and respawns failed nodes. It owns all attempt and
// message-buffer state; it never imports internal/child.
package master

import (
	"bytes"
	"context"
	"sort"
	"time"

	"code.cloudfoundry.org/clock"
	events "github.com/docker/go-events"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/aft/pkg/host"
	"github.com/simeonmiteff/aft/pkg/transport"
	"github.com/simeonmiteff/aft/pkg/wire"
)

const (
	// DefaultFtClockInterval is spec.md §4.2.2's 2-second liveness tick.
	DefaultFtClockInterval = 2 * time.Second
	// DefaultFtTimeout is spec.md §4.2.2's 20-second FT_TIMEOUT.
	DefaultFtTimeout = 20 * time.Second
	// DefaultMaxForkAttempts bounds the fork-retry resolution of
	// spec.md §9's first Open Question.
	DefaultMaxForkAttempts = 3
)

// InitialDataFunc produces the one-shot bulk bootstrap payload for a
// node (spec.md's "initial EDB broadcast" external collaborator). The
// Coordinator only delivers the bytes it is handed; it does not
// generate them.
type InitialDataFunc func(nodeID int) []byte

// Config parameterizes a Coordinator.
type Config struct {
	NodeCount       int
	Spawner         host.Spawner
	Listener        *transport.Listener // nil: Conns are registered via RegisterConn directly (tests, cmd/aft-sim)
	ListenAddr      string              // advertised to spawned children as masterAddr
	DeployChildOpts map[string]string
	InitialData     InitialDataFunc
	ConnStats       *transport.ConnStatsCollector // optional; tracks byte counters per accepted TCP conn

	Clock           clock.Clock
	FtClockInterval time.Duration
	FtTimeout       time.Duration
	MaxForkAttempts int

	Log *logrus.Entry
}

type inboundMsg struct {
	conn transport.Conn
	env  wire.Envelope
}

type snapshotReq struct {
	respCh chan Snapshot
}

// Coordinator is the Master Coordinator.
type Coordinator struct {
	nodeCount       int
	spawner         host.Spawner
	listener        *transport.Listener
	listenAddr      string
	deployChildOpts map[string]string
	initialData     InitialDataFunc
	connStats       *transport.ConnStatsCollector

	clk             clock.Clock
	ftClockInterval time.Duration
	ftTimeout       time.Duration
	maxForkAttempts int

	log    *logrus.Entry
	runID  string
	events *events.Broadcaster

	ctx context.Context

	inboxCh    chan inboundMsg
	connCh     chan transport.Conn
	snapshotCh chan snapshotReq

	// state below is owned exclusively by the Run goroutine.
	attempts         map[int64]*Attempt
	nodeStatus       map[int]int64
	nextAttemptID    int64
	nextRecvID       map[int]int64
	msgBuf           *MsgBuffer
	forkAttemptCount map[int64]int
	connByAttempt    map[int64]transport.Conn
	staging          map[int][]wire.MsgSend
}

// New builds a Coordinator. Run must be called to drive it.
func New(cfg Config) *Coordinator {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ftClockInterval := cfg.FtClockInterval
	if ftClockInterval <= 0 {
		ftClockInterval = DefaultFtClockInterval
	}
	ftTimeout := cfg.FtTimeout
	if ftTimeout <= 0 {
		ftTimeout = DefaultFtTimeout
	}
	maxForkAttempts := cfg.MaxForkAttempts
	if maxForkAttempts <= 0 {
		maxForkAttempts = DefaultMaxForkAttempts
	}
	runID := xid.New().String()

	return &Coordinator{
		nodeCount:       cfg.NodeCount,
		spawner:         cfg.Spawner,
		listener:        cfg.Listener,
		listenAddr:      cfg.ListenAddr,
		deployChildOpts: cfg.DeployChildOpts,
		initialData:     cfg.InitialData,
		connStats:       cfg.ConnStats,
		clk:             clk,
		ftClockInterval: ftClockInterval,
		ftTimeout:       ftTimeout,
		maxForkAttempts: maxForkAttempts,
		log:             log.WithField("run_id", runID),
		runID:           runID,
		events:          newEventBroadcaster(log.WithField("run_id", runID)),

		inboxCh:    make(chan inboundMsg, 4096),
		connCh:     make(chan transport.Conn, 64),
		snapshotCh: make(chan snapshotReq),

		attempts:         make(map[int64]*Attempt),
		nodeStatus:       make(map[int]int64),
		nextRecvID:       make(map[int]int64),
		msgBuf:           NewMsgBuffer(),
		forkAttemptCount: make(map[int64]int),
		connByAttempt:    make(map[int64]transport.Conn),
		staging:          make(map[int][]wire.MsgSend),
	}
}

// RegisterConn feeds a pre-established Conn into the Coordinator,
// bypassing the TCP Listener. Used by cmd/aft-sim and tests, where
// internal/child agents are wired directly via
// transport.NewInProcessPair rather than dialing in over TCP.
func (c *Coordinator) RegisterConn(conn transport.Conn) {
	c.connCh <- conn
}

// Run drives the Coordinator's event loop until ctx is cancelled. It
// bootstraps the initial attempt for every node, then processes
// incoming protocol messages and the 2-second liveness clock.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx

	for n := 0; n < c.nodeCount; n++ {
		c.attempts[int64(n)] = &Attempt{AttemptID: int64(n), NodeID: n, status: StatusInit, LastPingTime: c.clk.Now()}
		c.nodeStatus[n] = int64(n)
	}
	c.nextAttemptID = int64(c.nodeCount)
	c.runSpawnPipeline()

	if c.listener != nil {
		go c.acceptLoop(ctx)
	}

	ftTicker := c.clk.NewTicker(c.ftClockInterval)
	defer ftTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil

		case conn := <-c.connCh:
			go c.connReadLoop(ctx, conn)

		case msg := <-c.inboxCh:
			batch := []inboundMsg{msg}
			draining := true
			for draining {
				select {
				case m2 := <-c.inboxCh:
					batch = append(batch, m2)
				default:
					draining = false
				}
			}
			c.processStep(batch)

		case <-ftTicker.C():
			c.runLivenessTick()

		case req := <-c.snapshotCh:
			req.respCh <- c.buildSnapshot()
		}
	}
}

func (c *Coordinator) acceptLoop(ctx context.Context) {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Warn("master: accept failed")
			return
		}
		if c.connStats != nil {
			if sc, ok := transport.StatsOf(conn); ok {
				c.connStats.Add(sc.RemoteAddr().String(), sc)
			}
		}
		select {
		case c.connCh <- conn:
		case <-ctx.Done():
			return
		}
	}
}

// connReadLoop pumps one Conn's envelopes into the shared inbox. A read
// error just ends the goroutine — per spec.md §5/§7, a dropped
// connection is never treated as a liveness signal; only the heartbeat
// timeout is.
func (c *Coordinator) connReadLoop(ctx context.Context, conn transport.Conn) {
	defer func() {
		if c.connStats != nil {
			if sc, ok := transport.StatsOf(conn); ok {
				c.connStats.Remove(sc)
			}
		}
	}()
	for {
		env, err := conn.Recv()
		if err != nil {
			return
		}
		select {
		case c.inboxCh <- inboundMsg{conn: conn, env: env}:
		case <-ctx.Done():
			return
		}
	}
}

// processStep handles one coalesced batch of inbound messages: an
// explicit, imperative rendering of the source's per-timestep fixed
// point (spec.md §9) rather than a dataflow evaluation. Ping and
// child_ack are applied immediately; msg_send is staged and then
// resolved one-per-recipient via the argmin chain, so recv_id
// assignment stays independent of intra-batch arrival order.
func (c *Coordinator) processStep(batch []inboundMsg) {
	for _, m := range batch {
		switch m.env.Kind {
		case wire.KindPing:
			c.handlePing(*m.env.Ping)
		case wire.KindChildAck:
			c.handleChildAck(m.conn, *m.env.ChildAck)
		case wire.KindMsgSend:
			c.stageMsgSend(*m.env.MsgSend)
		default:
			c.log.WithField("kind", m.env.Kind).Warn("master: unexpected message kind, ignoring")
		}
	}
	c.assignRecvIDsOneRound()
	c.runSpawnPipeline()
}

// handlePing records last_ping_time unconditionally (spec.md §4.2.2):
// even a DEAD attempt's late ping is recorded, though Attempt.SetStatus
// forbids it from ever resurrecting that attempt's status.
func (c *Coordinator) handlePing(p wire.Ping) {
	att, ok := c.attempts[p.AttemptID]
	if !ok {
		c.log.WithField("attempt_id", p.AttemptID).Debug("master: ping from unknown attempt")
		return
	}
	att.LastPingTime = c.clk.Now()
}

// handleChildAck implements spec.md §4.2.4: FORK -> LIVE, register the
// address, and replay the buffered history for that node in one batch.
func (c *Coordinator) handleChildAck(conn transport.Conn, a wire.ChildAck) {
	att, ok := c.attempts[a.AttemptID]
	if !ok || att.Status() != StatusFork {
		c.log.WithField("attempt_id", a.AttemptID).Debug("master: child_ack for attempt not in FORK, ignoring")
		return
	}

	att.SetStatus(StatusLive)
	att.Address = a.Address
	att.conn = conn
	c.connByAttempt[a.AttemptID] = conn

	now := c.clk.Now()
	c.events.Write(AttemptLive{AttemptID: att.AttemptID, NodeID: att.NodeID, At: now})

	if c.initialData != nil {
		payload := c.initialData(att.NodeID)
		if err := conn.Send(wire.WrapInitialData(wire.InitialData{Payload: payload})); err != nil {
			c.log.WithError(err).WithField("attempt_id", att.AttemptID).Error("master: failed to send initial_data")
		}
	}

	for _, rec := range c.msgBuf.ForRecvNode(att.NodeID) {
		env := wire.WrapMsgRecv(wire.MsgRecv{RecvID: rec.RecvID, RecvNode: rec.RecvNode, SendNode: rec.SendNode, Payload: rec.Payload})
		if err := conn.Send(env); err != nil {
			c.log.WithError(err).WithField("attempt_id", att.AttemptID).Error("master: failed to replay buffered message")
		}
	}
}

// stageMsgSend applies spec.md §4.2.5 step 1 (dedup, with a fatal abort
// on a mismatching replay) and otherwise adds the message to the
// per-recv_node staging buffer for this step's argmin resolution. A
// duplicate (SendNode, SendID) can legitimately arrive addressed to a
// different RecvNode than the one it was originally staged under (the
// sender's own bug, or a replay racing a still-unflushed original), so
// the mismatch scan must search every staging bucket, not just the one
// keyed by the incoming message's own RecvNode.
func (c *Coordinator) stageMsgSend(m wire.MsgSend) {
	if existing, ok := c.msgBuf.Lookup(m.SendNode, m.SendID); ok {
		if existing.RecvNode != m.RecvNode || !bytes.Equal(existing.Payload, m.Payload) {
			c.log.WithFields(logrus.Fields{
				"send_node": m.SendNode, "send_id": m.SendID,
			}).Fatal("master: replay inconsistency, duplicate msg_send disagrees with stored record")
		}
		return // idempotent duplicate, already assigned a recv_id
	}

	for _, bucket := range c.staging {
		for _, pending := range bucket {
			if pending.SendNode != m.SendNode || pending.SendID != m.SendID {
				continue
			}
			if pending.RecvNode != m.RecvNode || !bytes.Equal(pending.Payload, m.Payload) {
				c.log.WithFields(logrus.Fields{
					"send_node": m.SendNode, "send_id": m.SendID,
				}).Fatal("master: replay inconsistency, duplicate msg_send disagrees with staged copy")
			}
			return
		}
	}

	c.staging[m.RecvNode] = append(c.staging[m.RecvNode], m)
}

// assignRecvIDsOneRound implements spec.md §4.2.5 steps 2-5: for every
// distinct recv_node with staged messages, exactly one is picked via
// the argmin chain on (send_node, send_id), assigned the next recv_id,
// inserted into msg_buf, and forwarded if the recipient is LIVE.
// Everything else stays staged for the next step.
func (c *Coordinator) assignRecvIDsOneRound() {
	for recvNode, pending := range c.staging {
		if len(pending) == 0 {
			continue
		}

		best := 0
		for i := 1; i < len(pending); i++ {
			if lessMsgSend(pending[i], pending[best]) {
				best = i
			}
		}
		chosen := pending[best]
		c.staging[recvNode] = append(pending[:best], pending[best+1:]...)

		recvID := c.nextRecvID[recvNode]
		c.nextRecvID[recvNode] = recvID + 1

		rec := msgRecord{SendNode: chosen.SendNode, SendID: chosen.SendID, RecvNode: recvNode, RecvID: recvID, Payload: chosen.Payload}
		c.msgBuf.Insert(rec)

		c.forward(rec)
	}
}

func lessMsgSend(a, b wire.MsgSend) bool {
	if a.SendNode != b.SendNode {
		return a.SendNode < b.SendNode
	}
	return a.SendID < b.SendID
}

// forward delivers a freshly recv_id-assigned message to its recipient
// if that node's current attempt is LIVE; otherwise it stays buffered
// for replay on the next child_ack.
func (c *Coordinator) forward(rec msgRecord) {
	attemptID, ok := c.nodeStatus[rec.RecvNode]
	if !ok {
		return
	}
	att, ok := c.attempts[attemptID]
	if !ok || att.Status() != StatusLive {
		return
	}
	conn := c.connByAttempt[attemptID]
	env := wire.WrapMsgRecv(wire.MsgRecv{RecvID: rec.RecvID, RecvNode: rec.RecvNode, SendNode: rec.SendNode, Payload: rec.Payload})
	if err := conn.Send(env); err != nil {
		c.log.WithError(err).WithField("attempt_id", attemptID).Error("master: failed to forward message")
	}
}

// runSpawnPipeline implements spec.md §4.2.1: every attempt currently
// in INIT gets exactly one fork_req, and its INIT->FORK transition is
// applied in the same call that issues it. A fork failure is retried a
// bounded number of times (spec.md §9's Open Question resolution)
// before the attempt is declared DEAD through the normal respawn path.
func (c *Coordinator) runSpawnPipeline() {
	var pending []*Attempt
	for _, att := range c.attempts {
		if att.Status() == StatusInit {
			pending = append(pending, att)
		}
	}

	for _, att := range pending {
		_, err := c.spawner.Spawn(c.ctx, att.AttemptID, att.NodeID, c.listenAddr, c.deployChildOpts)
		if err != nil {
			c.forkAttemptCount[att.AttemptID]++
			c.log.WithError(err).WithField("attempt_id", att.AttemptID).Warn("master: fork effect failed")
			if c.forkAttemptCount[att.AttemptID] >= c.maxForkAttempts {
				c.log.WithField("attempt_id", att.AttemptID).Error("master: fork effect exceeded retry budget, declaring dead")
				c.respawn([]*Attempt{att})
			}
			continue
		}
		att.SetStatus(StatusFork)
	}
}

// runLivenessTick implements spec.md §4.2.2-§4.2.3: mark timed-out
// attempts DEAD and respawn them as a single deterministic batch.
func (c *Coordinator) runLivenessTick() {
	now := c.clk.Now()

	var dead []*Attempt
	for _, att := range c.attempts {
		if att.Status() != StatusFork && att.Status() != StatusLive {
			continue
		}
		if now.Sub(att.LastPingTime) > c.ftTimeout {
			dead = append(dead, att)
		}
	}
	if len(dead) == 0 {
		return
	}
	c.respawn(dead)
}

// respawn applies spec.md §4.2.3: mark each attempt DEAD, assign fresh
// attempt_ids in a deterministic (sorted) order as a single
// non-monotonic barrier, and create the replacement INIT attempts.
func (c *Coordinator) respawn(dead []*Attempt) {
	sort.Slice(dead, func(i, j int) bool { return dead[i].AttemptID < dead[j].AttemptID })

	now := c.clk.Now()
	for _, att := range dead {
		att.SetStatus(StatusDead)
		att.Address = ""
		att.conn = nil
		delete(c.connByAttempt, att.AttemptID)
		c.events.Write(AttemptDead{AttemptID: att.AttemptID, NodeID: att.NodeID, At: now})
	}

	base := c.nextAttemptID
	c.nextAttemptID += int64(len(dead))

	for i, att := range dead {
		newID := base + int64(i)
		c.attempts[newID] = &Attempt{AttemptID: newID, NodeID: att.NodeID, status: StatusInit, LastPingTime: now}
		c.nodeStatus[att.NodeID] = newID
	}

	c.runSpawnPipeline()
}

// shutdown terminates every still-running attempt, skipping those
// already known dead (spec.md §5).
func (c *Coordinator) shutdown() {
	for _, att := range c.attempts {
		if att.Status() == StatusDead {
			continue
		}
		if err := c.spawner.Terminate(host.Handle{AttemptID: att.AttemptID, NodeID: att.NodeID}); err != nil {
			c.log.WithError(err).WithField("attempt_id", att.AttemptID).Warn("master: terminate failed during shutdown")
		}
	}
}

// Snapshot returns a read-only copy of master state for pkg/metrics. It
// is served by the Run goroutine over a request/response channel, since
// all Coordinator state is otherwise confined to that goroutine.
type Snapshot struct {
	RunID        string
	StatusCounts map[Status]int
	MsgBufLen    int
	NextRecvID   map[int]int64
	AttemptCount int
}

func (c *Coordinator) buildSnapshot() Snapshot {
	counts := make(map[Status]int, 4)
	for _, att := range c.attempts {
		counts[att.Status()]++
	}
	nextRecvID := make(map[int]int64, len(c.nextRecvID))
	for k, v := range c.nextRecvID {
		nextRecvID[k] = v
	}
	return Snapshot{
		RunID:        c.runID,
		StatusCounts: counts,
		MsgBufLen:    c.msgBuf.Len(),
		NextRecvID:   nextRecvID,
		AttemptCount: len(c.attempts),
	}
}

// Snapshot requests a consistent view of master state. Safe to call
// from any goroutine.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	req := snapshotReq{respCh: make(chan Snapshot, 1)}
	select {
	case c.snapshotCh <- req:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-req.respCh:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}
