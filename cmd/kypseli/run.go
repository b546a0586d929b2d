package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mtzanidakis/kypseli/internal/orchestrator"
	"github.com/spf13/cobra"
)

var (
	runStrategy string
	runPriority string
	runSpawn    []string
	runTopology string
)

var runCmd = &cobra.Command{
	Use:   "run <objective>",
	Short: "Run one objective in a local swarm and exit",
	Long: `Start a swarm in this process, run a single objective and print its
outcome as JSON. Agents marked spawn: true in the config are started,
plus any given with --spawn. Runs are recorded in the configured store.

The embedded NATS server listens on a random port with a temporary data
directory so a running 'kypseli serve' is not disturbed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runObjective,
}

func init() {
	runCmd.Flags().StringVar(&runStrategy, "strategy", "", "sequential, parallel, hierarchical or adaptive")
	runCmd.Flags().StringVar(&runPriority, "priority", "normal", "objective priority")
	runCmd.Flags().StringArrayVar(&runSpawn, "spawn", nil, "agent definition or type to spawn (repeatable)")
	runCmd.Flags().StringVar(&runTopology, "topology", "", "override the configured topology")
}

func runObjective(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	natsDir, err := os.MkdirTemp("", "kypseli-run-")
	if err != nil {
		return fmt.Errorf("create nats data dir: %w", err)
	}
	defer os.RemoveAll(natsDir)
	cfg.NATS.Port = -1
	cfg.NATS.DataDir = natsDir
	if runTopology != "" {
		cfg.Swarm.Topology = runTopology
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A serve process may share the store, so its runs are left alone.
	n, err := startNode(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer n.Close()
	defer n.shutdown()

	for _, kind := range runSpawn {
		if _, err := n.coord.Spawn(ctx, kind, ""); err != nil {
			return fmt.Errorf("spawn %s: %w", kind, err)
		}
	}
	if len(n.coord.Agents()) == 0 {
		return fmt.Errorf("no agents to run the objective, add --spawn or mark definitions with spawn: true")
	}

	outcome, runErr := n.coord.Orchestrate(ctx, strings.Join(args, " "), orchestrator.Strategy(runStrategy), runPriority)
	if outcome != nil {
		out, err := json.MarshalIndent(outcome, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	return runErr
}
