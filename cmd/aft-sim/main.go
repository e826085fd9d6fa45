// Command aft-sim runs an entire AFT deployment — master and every
// child attempt — inside one process, wiring them together with
// pkg/transport's in-process Conn pair instead of real sockets: no
// external process manager, no real network, just enough plumbing to
// watch the protocol run end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/aft/internal/master"
	"github.com/simeonmiteff/aft/pkg/aftapi"
	"github.com/simeonmiteff/aft/pkg/host"
	"github.com/simeonmiteff/aft/pkg/transport"
)

func main() {
	nodeCount := flag.Int("node-count", 3, "number of simulated nodes")
	duration := flag.Duration("duration", 30*time.Second, "how long to run before exiting")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var coord *master.Coordinator

	spawner := host.NewFakeSpawner(func(runCtx context.Context, attemptID int64, nodeID int) {
		masterSide, childSide := transport.NewInProcessPair()
		coord.RegisterConn(masterSide)

		node, errCh, err := aftapi.NewWithConn(runCtx, aftapi.Config{
			NodeID:    nodeID,
			AttemptID: attemptID,
			Log:       log.WithField("sim_node", nodeID),
		}, childSide)
		if err != nil {
			log.WithError(err).Error("aft-sim: failed to start simulated child")
			return
		}

		go echoLoop(runCtx, nodeID, node)

		select {
		case <-runCtx.Done():
		case err := <-errCh:
			if err != nil {
				log.WithError(err).WithField("attempt_id", attemptID).Warn("aft-sim: simulated child exited")
			}
		}
	})

	coord = master.New(master.Config{
		NodeCount: *nodeCount,
		Spawner:   spawner,
		Log:       log,
		InitialData: func(nodeID int) []byte {
			return []byte(fmt.Sprintf("welcome node %d", nodeID))
		},
	})

	if err := coord.Run(ctx); err != nil {
		log.WithError(err).Fatal("aft-sim: coordinator exited with error")
	}
	log.Info("aft-sim: done")
}

// echoLoop has every node other than 0 send node 0 one greeting, and
// has node 0 relay everything it receives back to its sender, so a
// running aft-sim produces visible protocol traffic without any
// external driver.
func echoLoop(ctx context.Context, nodeID int, node *aftapi.Node) {
	if nodeID != 0 {
		node.Send(0, []byte(fmt.Sprintf("hello from %d", nodeID)))
	}
	for {
		msg, err := node.Recv(ctx)
		if err != nil {
			return
		}
		logrus.WithFields(logrus.Fields{
			"node_id": nodeID, "from": msg.From, "id": msg.ID,
		}).Infof("aft-sim: received %q", msg.Data)
		if nodeID == 0 {
			node.Send(msg.From, msg.Data)
		}
	}
}
