package master

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestAttemptStatusString(t *testing.T) {
	cases := map[Status]string{StatusInit: "INIT", StatusFork: "FORK", StatusLive: "LIVE", StatusDead: "DEAD"}
	for s, want := range cases {
		assert.Equal(t, s.String(), want)
	}
}

func TestSetStatusNormalProgression(t *testing.T) {
	a := &Attempt{AttemptID: 1}
	a.SetStatus(StatusFork)
	a.SetStatus(StatusLive)
	a.SetStatus(StatusDead)
	assert.Equal(t, a.Status(), StatusDead)
}

func TestSetStatusDeadIsTerminal(t *testing.T) {
	a := &Attempt{AttemptID: 1}
	a.SetStatus(StatusDead)

	defer func() {
		r := recover()
		assert.Assert(t, r != nil, "expected panic transitioning away from DEAD")
	}()
	a.SetStatus(StatusLive)
}

func TestSetStatusDeadToDeadIsFine(t *testing.T) {
	a := &Attempt{AttemptID: 1}
	a.SetStatus(StatusDead)
	a.SetStatus(StatusDead) // idempotent, must not panic
}
