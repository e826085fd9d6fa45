package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/aft/pkg/aftapi"
	"github.com/simeonmiteff/aft/pkg/config"
)

// main is a minimal demo child: it dials the master and prints every
// delivered message to stdout; application code embedding pkg/aftapi
// replaces this loop entirely. Lines typed on stdin are sent to node 0
// as a manual drive mechanism for cmd/aft-sim-style experimentation.
func main() {
	cfg, err := config.ParseChild(os.Args[1:])
	if err != nil {
		logrus.WithError(err).Fatal("aft-child: bad flags")
	}

	log := logrus.NewEntry(logrus.StandardLogger()).WithFields(logrus.Fields{
		"node_id": cfg.NodeID, "attempt_id": cfg.AttemptID,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, errCh, err := aftapi.Dial(ctx, aftapi.Config{
		NodeID:       cfg.NodeID,
		AttemptID:    cfg.AttemptID,
		MasterAddr:   cfg.MasterAddr,
		TickInterval: cfg.TickInterval,
		Log:          log,
	})
	if err != nil {
		log.WithError(err).Fatal("aft-child: dial master")
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			node.Send(0, []byte(scanner.Text()))
		}
	}()

	go func() {
		for {
			msg, err := node.Recv(ctx)
			if err != nil {
				return
			}
			fmt.Printf("recv id=%d from=%d: %s\n", msg.ID, msg.From, msg.Data)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("aft-child: shutting down")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Fatal("aft-child: agent exited")
		}
	}
}
