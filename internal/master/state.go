package master

import (
	"fmt"
	"time"

	"github.com/simeonmiteff/aft/pkg/transport"
)

// Status is one attempt's position in the state machine from spec.md
// §4.2.6: INIT -> FORK -> LIVE -> DEAD, with DEAD terminal.
type Status int

const (
	StatusInit Status = iota
	StatusFork
	StatusLive
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusFork:
		return "FORK"
	case StatusLive:
		return "LIVE"
	case StatusDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Attempt is the master's per-attempt record (spec.md §3). Every field
// is owned exclusively by the Coordinator's Run goroutine.
type Attempt struct {
	AttemptID    int64
	NodeID       int
	Address      string // set once child_ack observed, cleared on death
	LastPingTime time.Time

	status Status
	conn   transport.Conn // routing handle once LIVE, nil otherwise
}

// Status returns the attempt's current state.
func (a *Attempt) Status() Status { return a.status }

// SetStatus applies a transition, enforcing that DEAD is terminal
// regardless of what subsequently happens (spec.md §9's Open Question
// on late pings is resolved here: a late ping updates LastPingTime but
// can never flip status away from DEAD).
func (a *Attempt) SetStatus(s Status) {
	if a.status == StatusDead && s != StatusDead {
		panic(fmt.Sprintf("master: attempt %d: illegal transition DEAD -> %s", a.AttemptID, s))
	}
	a.status = s
}
