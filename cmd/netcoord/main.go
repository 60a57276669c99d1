// Command netcoord runs an in-process cluster through the snapshot, mutual
// exclusion and termination scenarios and prints the resulting global
// snapshot as JSON.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/op/go-logging"

	"netcoord/internal/cluster"
	"netcoord/internal/config"
	"netcoord/internal/inspect"
	"netcoord/internal/logx"
	"netcoord/internal/message"
)

var log = logging.MustGetLogger("main")

type options struct {
	env       string
	nodes     int
	topology  string
	parents   string
	mutex     string
	mode      string
	scenario  string
	inspect   string
	initiator int
	messages  int
	rounds    int
	seed      int64
	timeout   time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.env, "env", ".env", "optional env file with NETCOORD_* settings")
	flag.IntVar(&o.nodes, "nodes", 0, "number of nodes (overrides NETCOORD_NODES)")
	flag.StringVar(&o.topology, "topology", "", "ring, complete or an adjacency list such as 0=1|2,1=2,2=0")
	flag.StringVar(&o.parents, "parents", "", "token tree as child=parent pairs, e.g. 1=0,2=0")
	flag.StringVar(&o.mutex, "mutex", "", "mutual exclusion discipline {tree,voting}")
	flag.StringVar(&o.mode, "mode", "", "delivery mode {async,manual}")
	flag.StringVar(&o.scenario, "scenario", "all", "scenario to run {snapshot,mutex,termination,all}")
	flag.StringVar(&o.inspect, "inspect", "", "serve the inspector on this address after the run")
	flag.IntVar(&o.initiator, "initiator", 0, "node that initiates the snapshot and the computation")
	flag.IntVar(&o.messages, "messages", 20, "application messages per node in the snapshot scenario")
	flag.IntVar(&o.rounds, "rounds", 3, "critical section entries per node in the mutex scenario")
	flag.Int64Var(&o.seed, "seed", 0, "random seed for delays and manual scheduling (0 uses the clock)")
	flag.DurationVar(&o.timeout, "timeout", 30*time.Second, "time limit for each scenario")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o); err != nil {
		fmt.Fprintf(os.Stderr, "netcoord: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	if err := logx.Setup(cfg.LogLevel, os.Stderr); err != nil {
		return err
	}

	opts := []cluster.Option{
		cluster.WithApply(cluster.CountApplied),
		cluster.WithInitialState(func(message.ID) any { return 0 }),
	}
	if o.seed != 0 {
		opts = append(opts, cluster.WithSeed(o.seed))
	}
	c, err := cluster.New(cfg, opts...)
	if err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	log.Infof("started %d nodes: discipline=%s mode=%s", cfg.Nodes, cfg.Discipline, cfg.Mode)

	initiator := message.ID(o.initiator)
	scenarios := map[string]bool{}
	switch o.scenario {
	case "all":
		scenarios["snapshot"], scenarios["mutex"], scenarios["termination"] = true, true, true
	case "snapshot", "mutex", "termination":
		scenarios[o.scenario] = true
	default:
		return fmt.Errorf("unknown scenario %q", o.scenario)
	}

	if scenarios["snapshot"] {
		if err := runSnapshot(ctx, c, initiator, o); err != nil {
			return err
		}
	}
	if scenarios["mutex"] {
		sctx, cancel := context.WithTimeout(ctx, o.timeout)
		order, err := c.MutexScenario(sctx, o.rounds)
		cancel()
		if err != nil {
			return fmt.Errorf("mutex scenario: %w", err)
		}
		fmt.Printf("critical section order: %v\n", order)
	}
	if scenarios["termination"] {
		sctx, cancel := context.WithTimeout(ctx, o.timeout)
		err := c.TerminationScenario(sctx, initiator)
		cancel()
		if err != nil {
			return fmt.Errorf("termination scenario: %w", err)
		}
		fmt.Printf("termination detected at node %d\n", initiator)
	}

	if errs := c.Errors(); len(errs) > 0 {
		return fmt.Errorf("nodes reported errors: %w", errors.Join(errs...))
	}

	if o.inspect == "" && cfg.InspectAddr == "" {
		return nil
	}
	addr := o.inspect
	if addr == "" {
		addr = cfg.InspectAddr
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return inspect.Serve(ctx, lis, c)
}

func runSnapshot(ctx context.Context, c *cluster.Cluster, initiator message.ID, o options) error {
	sctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	g, err := c.SnapshotScenario(sctx, initiator, o.messages)
	if err != nil {
		return fmt.Errorf("snapshot scenario: %w", err)
	}
	s, err := inspect.GlobalStruct(g, c.Size())
	if err != nil {
		return err
	}
	out, err := inspect.MarshalJSON(s)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func loadConfig(o options) (*config.Config, error) {
	cfg, err := config.Load(o.env)
	if err != nil {
		return nil, err
	}
	if o.nodes > 0 {
		cfg.Nodes = o.nodes
		cfg.Neighbors = config.Ring(o.nodes)
		cfg.Parents = nil
	}
	if o.topology != "" {
		if cfg.Neighbors, err = config.ParseTopology(o.topology, cfg.Nodes); err != nil {
			return nil, err
		}
	}
	if o.parents != "" {
		if cfg.Parents, err = config.ParseParents(o.parents); err != nil {
			return nil, err
		}
	}
	if o.mutex != "" {
		if cfg.Discipline, err = config.ParseDiscipline(o.mutex); err != nil {
			return nil, err
		}
	}
	if o.mode != "" {
		if cfg.Mode, err = config.ParseMode(o.mode); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
