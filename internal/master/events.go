package master

import (
	"time"

	events "github.com/docker/go-events"
	"github.com/sirupsen/logrus"
)

// AttemptLive is broadcast on the FORK -> LIVE transition.
type AttemptLive struct {
	AttemptID int64
	NodeID    int
	At        time.Time
}

// AttemptDead is broadcast on any transition into DEAD.
type AttemptDead struct {
	AttemptID int64
	NodeID    int
	At        time.Time
}

// logSink adapts logrus into an events.Sink, so attempt lifecycle
// transitions are logged like everything else in this codebase without
// coupling the Coordinator's core loop to logging concerns directly.
// It is the broadcaster's only sink; pkg/metrics reads Coordinator
// state through Snapshot instead.
type logSink struct {
	log *logrus.Entry
}

func (s *logSink) Write(ev events.Event) error {
	switch e := ev.(type) {
	case AttemptLive:
		s.log.WithFields(logrus.Fields{"attempt_id": e.AttemptID, "node_id": e.NodeID}).Info("master: attempt live")
	case AttemptDead:
		s.log.WithFields(logrus.Fields{"attempt_id": e.AttemptID, "node_id": e.NodeID}).Warn("master: attempt dead")
	}
	return nil
}

func (s *logSink) Close() error { return nil }

func newEventBroadcaster(log *logrus.Entry) *events.Broadcaster {
	return events.NewBroadcaster(&logSink{log: log})
}
