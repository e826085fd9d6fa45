package host

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestFakeSpawnerSpawnAndTerminate(t *testing.T) {
	started := make(chan int64, 1)
	cancelled := make(chan struct{}, 1)

	s := NewFakeSpawner(func(ctx context.Context, attemptID int64, nodeID int) {
		started <- attemptID
		<-ctx.Done()
		cancelled <- struct{}{}
	})

	h, err := s.Spawn(context.Background(), 7, 1, "addr", nil)
	assert.NilError(t, err)
	assert.Equal(t, h.AttemptID, int64(7))
	assert.Equal(t, h.NodeID, 1)

	select {
	case got := <-started:
		assert.Equal(t, got, int64(7))
	case <-time.After(time.Second):
		t.Fatal("start callback was never invoked")
	}

	assert.NilError(t, s.Terminate(h))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("terminate did not cancel the attempt's context")
	}
}

func TestFakeSpawnerTerminateUnknownHandleIsNoop(t *testing.T) {
	s := NewFakeSpawner(func(ctx context.Context, attemptID int64, nodeID int) {})
	assert.NilError(t, s.Terminate(Handle{AttemptID: 999}))
}
