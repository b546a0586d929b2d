package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/kypseli/internal/channel"
	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/llm"
	"github.com/mtzanidakis/kypseli/internal/memory"
	"github.com/mtzanidakis/kypseli/internal/natsbus"
	"github.com/mtzanidakis/kypseli/internal/orchestrator"
	"github.com/mtzanidakis/kypseli/internal/registry"
	"github.com/mtzanidakis/kypseli/internal/scheduler"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/mtzanidakis/kypseli/internal/swarm"
	"github.com/mtzanidakis/kypseli/internal/web"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the swarm coordinator",
	Long: `Start the swarm coordinator with its embedded NATS server, SQLite
store, scheduler and HTTP API. Agents marked spawn: true in the config
are started at boot. The config file is watched and reloaded on change.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting kypseli", "version", version, "config", path)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := startNode(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer n.Close()

	if err := n.coord.ServeIPC(); err != nil {
		return err
	}

	sched := scheduler.New(n.db, n.coord, n.client, cfg.Scheduler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.mem.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})

	if _, err := os.Stat(path); err == nil {
		g.Go(func() error {
			return config.Watch(gctx, path, cfg, func(_, next *config.Config, diff config.ConfigDiff) {
				n.coord.ApplyConfig(gctx, next, diff)
				if diff.SchedulerChanged {
					sched.UpdateConfig(next.Scheduler)
				}
			})
		})
	} else {
		slog.Warn("config file not found, hot reload disabled", "path", path)
	}

	if cfg.Web.Enabled {
		srv := web.NewServer(n.coord, n.db, n.mem, sched, n.client, cfg.Web, version)
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}

	<-gctx.Done()
	slog.Info("shutting down")

	n.shutdown()
	return g.Wait()
}

// node holds the components of a coordinator process.
type node struct {
	db     *store.Store
	bus    *natsbus.Bus
	client *natsbus.Client
	mem    *memory.Store
	reg    *registry.Registry
	coord  *swarm.Coordinator
}

// startNode opens the store and the embedded bus, initializes a coordinator
// from cfg and spawns the agents marked for boot. With recoverRuns, runs a
// previous process left running are marked failed.
func startNode(ctx context.Context, cfg *config.Config, recoverRuns bool) (_ *node, err error) {
	n := &node{}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	// SQLite store
	n.db, err = store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	n.bus, err = natsbus.New(cfg.NATS)
	if err != nil {
		return nil, fmt.Errorf("init nats: %w", err)
	}
	n.client, err = natsbus.NewClient(n.bus)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	slog.Info("nats started", "port", n.bus.Port())

	n.mem, err = newMemory(cfg, n.db)
	if err != nil {
		return nil, err
	}
	ch := channel.New(cfg.Channel, channel.WithPublisher(n.client), channel.WithDeadLetters(n.db))

	// The planner and llm executors need an api key; command agents do not.
	var llmClient *llm.Client
	var planner orchestrator.Planner
	if cfg.LLM.APIKey != "" {
		llmClient, err = llm.NewClient(cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("init llm client: %w", err)
		}
		planner = llm.NewPlanner(llmClient)
		slog.Info("llm enabled", "model", llmClient.Model())
	} else {
		slog.Warn("anthropic api key not set, llm planner and agents disabled")
	}

	n.reg, err = registry.New(cfg.Agents, registry.DefaultFactory(llmClient))
	if err != nil {
		return nil, fmt.Errorf("load agent definitions: %w", err)
	}

	n.coord = swarm.New(swarm.Deps{
		Memory:       n.mem,
		Channel:      ch,
		Store:        n.db,
		Client:       n.client,
		Registry:     n.reg,
		Planner:      planner,
		Orchestrator: cfg.Orchestrator,
	})
	if recoverRuns {
		if _, err := n.coord.RecoverRuns(); err != nil {
			slog.Warn("recover interrupted runs failed", "error", err)
		}
	}

	topology, err := swarm.ParseTopology(cfg.Swarm.Topology)
	if err != nil {
		return nil, err
	}
	if err := n.coord.Init(topology, cfg.Swarm.MaxAgents); err != nil {
		return nil, fmt.Errorf("init swarm: %w", err)
	}
	for _, def := range n.reg.Boot() {
		if _, err := n.coord.Spawn(ctx, def.Name, ""); err != nil {
			slog.Error("boot agent failed", "definition", def.Name, "error", err)
		}
	}
	return n, nil
}

// shutdown stops the coordinator, waiting up to shutdownTimeout for
// running orchestrations.
func (n *node) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := n.coord.Shutdown(ctx); err != nil {
		slog.Warn("swarm shutdown", "error", err)
	}
}

func (n *node) Close() {
	if n.client != nil {
		n.client.Close()
	}
	if n.bus != nil {
		n.bus.Close()
	}
	if n.db != nil {
		n.db.Close()
	}
}

func newMemory(cfg *config.Config, db *store.Store) (*memory.Store, error) {
	opts := []memory.Option{
		memory.WithBackend(memory.NewSQLBackend(db)),
		memory.WithSweepInterval(cfg.Memory.SweepInterval),
	}
	if cfg.Memory.Passphrase != "" {
		sealer, err := memory.NewSealer(cfg.Memory.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("init memory sealer: %w", err)
		}
		opts = append(opts, memory.WithSealer(sealer))
	}
	return memory.New(opts...), nil
}
