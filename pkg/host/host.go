// Package host is the process-spawning collaborator named in spec.md
// §6: it creates child processes, hands back a handle the master can
// terminate, and records exit notifications for shutdown bookkeeping
// only. It never drives AFT's liveness state — that is the master's
// heartbeat timeout, never a PID exit (spec.md §5, §9).
package host

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handle identifies one spawned attempt process.
type Handle struct {
	AttemptID int64
	NodeID    int
	PID       int
}

// Spawner creates, and later terminates, child attempt processes.
type Spawner interface {
	// Spawn starts a new process bound to (attemptID, nodeID), passing
	// masterAddr and opts through to it (as e.g. flags or env).
	Spawn(ctx context.Context, attemptID int64, nodeID int, masterAddr string, opts map[string]string) (Handle, error)
	// Terminate gracefully kills a previously spawned process.
	Terminate(h Handle) error
	// Exited reports PIDs the host has observed exit, for shutdown
	// cleanup. It is never consulted by the liveness state machine.
	Exited() <-chan int
}

// ExecSpawner spawns real OS processes by re-invoking childBinary with
// --attempt-id, --node-id and --master-addr flags.
type ExecSpawner struct {
	childBinary string
	log         *logrus.Entry

	mu      sync.Mutex
	running map[int]*exec.Cmd // pid -> cmd
	exited  chan int
}

// NewExecSpawner builds a Spawner that execs childBinary per attempt.
func NewExecSpawner(childBinary string, log *logrus.Entry) *ExecSpawner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ExecSpawner{
		childBinary: childBinary,
		log:         log,
		running:     make(map[int]*exec.Cmd),
		exited:      make(chan int, 64),
	}
}

func (s *ExecSpawner) Spawn(ctx context.Context, attemptID int64, nodeID int, masterAddr string, opts map[string]string) (Handle, error) {
	args := []string{
		"--attempt-id", fmt.Sprint(attemptID),
		"--node-id", fmt.Sprint(nodeID),
		"--master-addr", masterAddr,
	}
	for k, v := range opts {
		args = append(args, "--"+k, v)
	}

	cmd := exec.CommandContext(ctx, s.childBinary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	applyPlatformAttrs(cmd)

	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("host: spawn attempt %d (node %d): %w", attemptID, nodeID, err)
	}

	pid := cmd.Process.Pid
	s.mu.Lock()
	s.running[pid] = cmd
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"attempt_id": attemptID, "node_id": nodeID, "pid": pid}).Info("host: spawned child")

	go s.wait(pid, cmd)

	return Handle{AttemptID: attemptID, NodeID: nodeID, PID: pid}, nil
}

func (s *ExecSpawner) wait(pid int, cmd *exec.Cmd) {
	_ = cmd.Wait()
	s.mu.Lock()
	delete(s.running, pid)
	s.mu.Unlock()
	select {
	case s.exited <- pid:
	default:
		s.log.WithField("pid", pid).Warn("host: exit notification dropped, channel full")
	}
}

func (s *ExecSpawner) Terminate(h Handle) error {
	s.mu.Lock()
	cmd, ok := s.running[h.PID]
	s.mu.Unlock()
	if !ok {
		return nil // already exited, or never tracked (stale handle)
	}
	if err := terminateProcess(cmd); err != nil {
		return fmt.Errorf("host: terminate pid %d: %w", h.PID, err)
	}
	return nil
}

func (s *ExecSpawner) Exited() <-chan int { return s.exited }
