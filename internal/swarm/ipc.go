package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/kypseli/internal/natsbus"
	"github.com/mtzanidakis/kypseli/internal/orchestrator"
)

// ServeIPC answers IPC commands on natsbus.TopicSwarmIPC until Shutdown.
func (c *Coordinator) ServeIPC() error {
	if c.deps.Client == nil {
		return fmt.Errorf("serve ipc: no nats client")
	}
	sub, err := c.deps.Client.Serve(natsbus.TopicSwarmIPC, c.handleIPC)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", natsbus.TopicSwarmIPC, err)
	}
	c.ipcSub = sub
	return nil
}

func (c *Coordinator) handleIPC(cmd natsbus.Command, reply natsbus.Reply) {
	slog.Info("IPC command received", "type", cmd.Type, "swarm", c.id)

	switch cmd.Type {
	case "init":
		c.ipcInit(cmd, reply)
	case "spawn":
		c.ipcSpawn(cmd, reply)
	case "terminate":
		c.ipcTerminate(cmd, reply)
	case "orchestrate":
		c.ipcOrchestrate(cmd, reply)
	case "status":
		reply(map[string]any{"ok": true, "status": c.Status()})
	case "shutdown":
		// Reply first: shutdown drops the IPC subscription.
		reply(map[string]any{"ok": true})
		go func() {
			if err := c.Shutdown(context.Background()); err != nil {
				slog.Warn("ipc shutdown", "error", err)
			}
		}()
	default:
		slog.Warn("unknown IPC command", "type", cmd.Type)
		reply(map[string]any{"error": "unknown command: " + cmd.Type})
	}
}

func (c *Coordinator) ipcInit(cmd natsbus.Command, reply natsbus.Reply) {
	var req struct {
		Topology  string `json:"topology"`
		MaxAgents int    `json:"max_agents"`
	}
	if err := cmd.Decode(&req); err != nil {
		reply(map[string]any{"error": "invalid payload"})
		return
	}
	topo, err := ParseTopology(req.Topology)
	if err != nil {
		reply(map[string]any{"error": err.Error()})
		return
	}
	if err := c.Init(topo, req.MaxAgents); err != nil {
		reply(map[string]any{"error": err.Error()})
		return
	}
	reply(map[string]any{"ok": true, "swarm_id": c.id})
}

func (c *Coordinator) ipcSpawn(cmd natsbus.Command, reply natsbus.Reply) {
	var req struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := cmd.Decode(&req); err != nil || req.Type == "" {
		reply(map[string]any{"error": "type is required"})
		return
	}
	d, err := c.Spawn(context.Background(), req.Type, req.Name)
	if err != nil {
		reply(map[string]any{"error": err.Error()})
		return
	}
	reply(map[string]any{"ok": true, "agent": d})
}

func (c *Coordinator) ipcTerminate(cmd natsbus.Command, reply natsbus.Reply) {
	var req struct {
		ID string `json:"id"`
	}
	if err := cmd.Decode(&req); err != nil || req.ID == "" {
		reply(map[string]any{"error": "id is required"})
		return
	}
	if err := c.Terminate(req.ID); err != nil {
		reply(map[string]any{"error": err.Error()})
		return
	}
	reply(map[string]any{"ok": true})
}

// ipcOrchestrate submits the objective. With wait set the reply is sent
// once the orchestration finished and carries its outcome.
func (c *Coordinator) ipcOrchestrate(cmd natsbus.Command, reply natsbus.Reply) {
	var req struct {
		Objective string `json:"objective"`
		Strategy  string `json:"strategy"`
		Priority  string `json:"priority"`
		Wait      bool   `json:"wait"`
	}
	if err := cmd.Decode(&req); err != nil || req.Objective == "" {
		reply(map[string]any{"error": "objective is required"})
		return
	}
	strategy := orchestrator.Strategy(req.Strategy)
	if strategy != "" && !strategy.Valid() {
		reply(map[string]any{"error": fmt.Sprintf("unknown strategy %q", req.Strategy)})
		return
	}

	if !req.Wait {
		id, err := c.Submit(req.Objective, strategy, req.Priority)
		if err != nil {
			reply(map[string]any{"error": err.Error()})
			return
		}
		reply(map[string]any{"ok": true, "run_id": id})
		return
	}

	// Handlers of one subscription run serially; do not block the others.
	go func() {
		out, err := c.Orchestrate(c.baseCtx, req.Objective, strategy, req.Priority)
		resp := map[string]any{"ok": err == nil, "outcome": out}
		if err != nil {
			resp["error"] = err.Error()
		}
		reply(resp)
	}()
}

// SendIPC sends one command to a coordinator over client and returns the
// decoded reply. A reply carrying an error is returned as an error
// wrapping natsbus.ErrCommandFailed.
func SendIPC(client *natsbus.Client, cmdType string, payload any, timeout time.Duration) (map[string]any, error) {
	var resp map[string]any
	err := client.Call(natsbus.TopicSwarmIPC, cmdType, payload, &resp, timeout)
	return resp, err
}
