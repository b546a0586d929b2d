package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mtzanidakis/kypseli/internal/natsbus"
	"github.com/mtzanidakis/kypseli/internal/swarm"
	"github.com/spf13/cobra"
)

var (
	ctlNATSURL string
	ctlTimeout time.Duration

	ctlTopology  string
	ctlMaxAgents int
	ctlName      string
	ctlStrategy  string
	ctlPriority  string
	ctlWait      bool
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control a running coordinator over NATS",
	Long: `Send commands to a running coordinator on its IPC subject.

The NATS URL defaults to $KYPSELI_NATS_URL, then to the port of the
local config.`,
}

var ctlInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the swarm or change its limits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return ctlSend("init", map[string]any{"topology": ctlTopology, "max_agents": ctlMaxAgents})
	},
}

var ctlSpawnCmd = &cobra.Command{
	Use:   "spawn <definition-or-type>",
	Short: "Spawn an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return ctlSend("spawn", map[string]any{"type": args[0], "name": ctlName})
	},
}

var ctlTerminateCmd = &cobra.Command{
	Use:   "terminate <agent-id>",
	Short: "Terminate an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return ctlSend("terminate", map[string]any{"id": args[0]})
	},
}

var ctlOrchestrateCmd = &cobra.Command{
	Use:   "orchestrate <objective>",
	Short: "Run an objective across the swarm",
	Long: `Submit an objective. Without --wait the command returns the run id
immediately; with --wait it blocks until the run finished and prints
its outcome.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return ctlSend("orchestrate", map[string]any{
			"objective": strings.Join(args, " "),
			"strategy":  ctlStrategy,
			"priority":  ctlPriority,
			"wait":      ctlWait,
		})
	},
}

var ctlStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the swarm status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return ctlSend("status", nil)
	},
}

var ctlShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Shut the swarm down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return ctlSend("shutdown", nil)
	},
}

var ctlEventsCmd = &cobra.Command{
	Use:   "events [pattern]",
	Short: "Stream bus events until interrupted",
	Long: `Print events published by the coordinator, one per line. The pattern
is a NATS subject and defaults to every event ("events.>").`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := natsbus.TopicEventsAll
		if len(args) == 1 {
			pattern = args[0]
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return ctlEvents(ctx, pattern)
	},
}

func init() {
	ctlCmd.PersistentFlags().StringVar(&ctlNATSURL, "nats", "", "NATS URL of the coordinator")
	ctlCmd.PersistentFlags().DurationVar(&ctlTimeout, "timeout", 10*time.Second, "request timeout")

	ctlInitCmd.Flags().StringVar(&ctlTopology, "topology", "hierarchical", "swarm topology: hierarchical, mesh, ring or star")
	ctlInitCmd.Flags().IntVar(&ctlMaxAgents, "max-agents", 8, "maximum number of agents")
	ctlSpawnCmd.Flags().StringVar(&ctlName, "name", "", "agent name")
	ctlOrchestrateCmd.Flags().StringVar(&ctlStrategy, "strategy", "", "sequential, parallel, hierarchical or adaptive")
	ctlOrchestrateCmd.Flags().StringVar(&ctlPriority, "priority", "normal", "objective priority")
	ctlOrchestrateCmd.Flags().BoolVar(&ctlWait, "wait", false, "wait for the run to finish")

	ctlCmd.AddCommand(ctlInitCmd, ctlSpawnCmd, ctlTerminateCmd, ctlOrchestrateCmd, ctlStatusCmd, ctlShutdownCmd, ctlEventsCmd)
}

func ctlURL() (string, error) {
	if ctlNATSURL != "" {
		return ctlNATSURL, nil
	}
	if v := os.Getenv("KYPSELI_NATS_URL"); v != "" {
		return v, nil
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("nats://127.0.0.1:%d", cfg.NATS.Port), nil
}

func ctlSend(cmdType string, payload map[string]any) error {
	url, err := ctlURL()
	if err != nil {
		return err
	}
	client, err := natsbus.Connect(url)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer client.Close()

	timeout := ctlTimeout
	if cmdType == "orchestrate" && ctlWait {
		// A waited run replies only when it finished.
		timeout = max(timeout, time.Hour)
	}

	resp, err := swarm.SendIPC(client, cmdType, payload, timeout)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func ctlEvents(ctx context.Context, pattern string) error {
	url, err := ctlURL()
	if err != nil {
		return err
	}
	client, err := natsbus.Connect(url)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer client.Close()

	sub, err := client.SubscribeEvents(pattern, func(subject string, evt natsbus.Event) {
		fmt.Printf("%s %s %s %s\n", evt.Timestamp.Local().Format(time.DateTime), subject, evt.Type, evt.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return nil
}
