// Package config centralizes the flag parsing shared by cmd/aft-master
// and cmd/aft-child: plain field structs rather than a configuration
// framework, so main() stays flat.
package config

import (
	"flag"
	"time"
)

// Master holds cmd/aft-master's startup parameters.
type Master struct {
	ListenAddr      string
	MetricsAddr     string
	NodeCount       int
	ChildBinary     string
	FtClockInterval time.Duration
	FtTimeout       time.Duration
	MaxForkAttempts int
}

// ParseMaster parses os.Args[1:]-style args into a Master config.
func ParseMaster(args []string) (Master, error) {
	fs := flag.NewFlagSet("aft-master", flag.ContinueOnError)
	var cfg Master
	fs.StringVar(&cfg.ListenAddr, "listen-addr", ":17000", "address to accept child connections on")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", ":18080", "address to serve /metrics on")
	fs.IntVar(&cfg.NodeCount, "node-count", 3, "number of logical nodes to run")
	fs.StringVar(&cfg.ChildBinary, "child-binary", "aft-child", "path to the child binary to spawn")
	fs.DurationVar(&cfg.FtClockInterval, "ft-clock-interval", 2*time.Second, "liveness check interval")
	fs.DurationVar(&cfg.FtTimeout, "ft-timeout", 20*time.Second, "heartbeat timeout before an attempt is declared dead")
	fs.IntVar(&cfg.MaxForkAttempts, "max-fork-attempts", 3, "failed fork effects for one attempt before it is declared dead")

	if err := fs.Parse(args); err != nil {
		return Master{}, err
	}
	return cfg, nil
}

// Child holds cmd/aft-child's startup parameters, set by the master's
// spawned command line (spec.md §6).
type Child struct {
	AttemptID    int64
	NodeID       int
	MasterAddr   string
	TickInterval time.Duration
}

// ParseChild parses os.Args[1:]-style args into a Child config.
func ParseChild(args []string) (Child, error) {
	fs := flag.NewFlagSet("aft-child", flag.ContinueOnError)
	var cfg Child
	fs.Int64Var(&cfg.AttemptID, "attempt-id", 0, "this process's attempt id")
	fs.IntVar(&cfg.NodeID, "node-id", 0, "this process's logical node id")
	fs.StringVar(&cfg.MasterAddr, "master-addr", "", "master's listen address")
	fs.DurationVar(&cfg.TickInterval, "tick-interval", 3*time.Second, "heartbeat/timestep interval")

	if err := fs.Parse(args); err != nil {
		return Child{}, err
	}
	return cfg, nil
}
