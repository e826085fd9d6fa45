package host

import (
	"context"
	"sync"
)

// FakeSpawner simulates process spawning with goroutines, for tests and
// cmd/aft-sim, where there is no real child binary to exec. Callers
// supply the Start callback before Spawn is called; Terminate cancels the
// attempt's context rather than killing an OS process.
type FakeSpawner struct {
	Start func(ctx context.Context, attemptID int64, nodeID int)

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	nextPID int
	exited  chan int
}

// NewFakeSpawner returns a Spawner backed by in-process goroutines.
func NewFakeSpawner(start func(ctx context.Context, attemptID int64, nodeID int)) *FakeSpawner {
	return &FakeSpawner{
		Start:   start,
		cancels: make(map[int64]context.CancelFunc),
		exited:  make(chan int, 64),
	}
}

func (f *FakeSpawner) Spawn(ctx context.Context, attemptID int64, nodeID int, masterAddr string, opts map[string]string) (Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)

	f.mu.Lock()
	f.nextPID++
	pid := f.nextPID
	f.cancels[attemptID] = cancel
	f.mu.Unlock()

	go func() {
		f.Start(runCtx, attemptID, nodeID)
		select {
		case f.exited <- pid:
		default:
		}
	}()

	return Handle{AttemptID: attemptID, NodeID: nodeID, PID: pid}, nil
}

func (f *FakeSpawner) Terminate(h Handle) error {
	f.mu.Lock()
	cancel, ok := f.cancels[h.AttemptID]
	delete(f.cancels, h.AttemptID)
	f.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (f *FakeSpawner) Exited() <-chan int { return f.exited }
