// Command agentcore wires the full supervisor core: persistence, kill
// switch, workspace provisioning, the message bus, the agent
// supervisor, the task graph, the orchestrator, the auto-delivery
// glue and the recovery/shutdown sequence. It exposes no HTTP surface
// of its own (spec §1 places that with an external collaborator).
//
// Grounded on the teacher's cmd/agent-terminal/main.go: loadEnvFile,
// setupShutdownSignals and the setupX(...) decomposition are the same
// shape, minus the Wails desktop shell and embedded apiserver, which
// have no analogue here.
package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agentcore/agentcore/internal/bus"
	"github.com/agentcore/agentcore/internal/capability"
	"github.com/agentcore/agentcore/internal/config"
	"github.com/agentcore/agentcore/internal/delivery"
	"github.com/agentcore/agentcore/internal/domain"
	"github.com/agentcore/agentcore/internal/killswitch"
	"github.com/agentcore/agentcore/internal/orchestrator"
	"github.com/agentcore/agentcore/internal/persist"
	"github.com/agentcore/agentcore/internal/recovery"
	"github.com/agentcore/agentcore/internal/runner"
	"github.com/agentcore/agentcore/internal/taskgraph"
	"github.com/agentcore/agentcore/internal/workspace"
	"github.com/agentcore/agentcore/pkg/logger"
	"github.com/agentcore/agentcore/pkg/util"
)

func main() {
	loadEnvFile()
	cfg := config.Load()
	logger.Init(cfg.Env)

	ctx, cancel, cancelWithReason, signalCleanup := setupShutdownSignals()
	defer cancel()
	defer signalCleanup()

	store, err := persist.New(cfg.StateDir, cfg.EventsDir)
	if err != nil {
		logger.Fatal("persist.New failed", logger.FieldError, err)
	}

	ws, err := workspace.New(cfg.WorkspaceRoot, cfg.SharedContextDir, cfg.PersistentReposDir)
	if err != nil {
		logger.Fatal("workspace.New failed", logger.FieldError, err)
	}

	killsw, err := killswitch.New(cfg.KillSwitchDir, buildRemoteStore(cfg), store)
	if err != nil {
		logger.Fatal("killswitch.New failed", logger.FieldError, err)
	}

	capStore := setupCapabilityStore(ctx, cfg)
	syncer := capability.NewSyncer(nil)
	if capStore != nil {
		defer capStore.Close()
		syncer = capability.NewSyncer(capStore)
	}

	b := bus.New()
	graph := taskgraph.New()

	if capStore != nil {
		n, err := capability.WarmGraph(ctx, capStore, graph)
		if err != nil {
			logger.Warn("capability: warm graph failed", logger.FieldError, err)
		} else if n > 0 {
			logger.Info("capability: restored persisted profiles", logger.FieldCount, n)
		}
	}

	// runner.New needs delivery's OnAgentIdle as its onIdle callback,
	// but delivery.New needs a live Runner. Indirect through a
	// forwarding closure so both can be constructed in either order.
	var del *delivery.Service
	onIdle := func(agentID string) {
		if del != nil {
			del.OnAgentIdle(agentID)
		}
	}
	onEvent := func(agentID string, ev domain.StreamEvent) {
		logger.Debug("agent event", logger.FieldAgentID, agentID, logger.FieldEventType, ev.Type)
	}

	runnerCfg := runnerConfigFrom(cfg)
	mgr := runner.New(runnerCfg, store, killsw, ws, onEvent, onIdle)

	rec := recovery.New(mgr, store, ws, killsw)

	if err := rec.Start(ctx); err != nil {
		logger.Error("recovery: start failed", logger.FieldError, err)
	}

	del = delivery.New(delivery.Config{SettleDelay: msDuration(cfg.DeliverySettleMs)}, mgr, b, killsw)
	detach := del.Attach()
	defer detach()

	graphWithSync := &syncingGraph{Graph: graph, syncer: syncer}
	orch := orchestrator.New(orchestrator.Config{
		TickInterval: msDuration(cfg.OrchestratorTickMs),
		MaxRetries:   cfg.MaxTaskRetries,
	}, graphWithSync, mgr, b)
	orch.Start(ctx)

	logger.Info("agentcore: started",
		logger.FieldPath, cfg.StateDir,
		"max_agents", cfg.MaxAgents,
	)

	<-ctx.Done()
	cancelWithReason("shutdown")

	orch.Stop()
	if err := rec.Stop(context.Background()); err != nil {
		logger.Warn("recovery: stop failed", logger.FieldError, err)
	}
	logger.Info("agentcore: stopped")
}

// runnerConfigFrom adapts the flat env-driven Config into
// runner.Config, converting millisecond ints into time.Duration at
// the one place that needs to know the unit.
func runnerConfigFrom(cfg *config.Config) runner.Config {
	rc := runner.DefaultConfig()
	rc.MaxAgents = cfg.MaxAgents
	rc.MaxDepth = cfg.MaxAgentDepth
	rc.MaxChildren = cfg.MaxChildrenPerAgent
	rc.SessionTTL = msDuration(cfg.SessionTTLMs)
	rc.PausedTTL = msDuration(cfg.PausedTTLMs)
	rc.WatchdogInterval = msDuration(cfg.WatchdogIntervalMs)
	rc.StallThreshold = msDuration(cfg.StallThresholdMs)
	rc.StartTimeout = msDuration(cfg.StartTimeoutMs)
	rc.MaxStallCount = cfg.MaxStallCount
	rc.AgentCommand = cfg.AgentCommand
	rc.DefaultModel = cfg.DefaultModel
	rc.MaxTurns = cfg.MaxTurns
	rc.AllowedModels = parseAllowedModels(cfg.AllowedModels)
	return rc
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func parseAllowedModels(csv string) map[string]bool {
	out := make(map[string]bool)
	for _, m := range strings.Split(csv, ",") {
		m = strings.TrimSpace(m)
		if m != "" {
			out[m] = true
		}
	}
	if len(out) == 0 {
		out["default"] = true
	}
	return out
}

func buildRemoteStore(cfg *config.Config) killswitch.RemoteStore {
	if cfg.ObjectStoreBucket == "" {
		return nil
	}
	return &killswitch.HTTPRemoteStore{URL: cfg.ObjectStoreBucket}
}

func setupCapabilityStore(ctx context.Context, cfg *config.Config) *capability.Store {
	if cfg.DatabaseURL == "" {
		logger.Info("capability: no DATABASE_URL, profiles stay in-memory only")
		return nil
	}
	capStore, err := capability.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Warn("capability: connect failed, profiles stay in-memory only", logger.FieldError, err)
		return nil
	}
	return capStore
}

// loadEnvFile searches upward from the working directory for a .env
// file and loads it, never overwriting a variable already set.
func loadEnvFile() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for range 5 {
		envPath := filepath.Join(dir, ".env")
		f, err := os.Open(envPath)
		if err == nil {
			scanner := bufio.NewScanner(f)
			count := 0
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				parts := strings.SplitN(line, "=", 2)
				if len(parts) != 2 {
					continue
				}
				key := strings.TrimSpace(parts[0])
				val := strings.TrimSpace(parts[1])
				if _, exists := os.LookupEnv(key); !exists {
					if err := os.Setenv(key, val); err != nil {
						continue
					}
					count++
				}
			}
			_ = f.Close()
			logger.Info("loaded .env file", logger.FieldPath, envPath, logger.FieldCount, count)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
}

// setupShutdownSignals wires SIGINT/SIGTERM into a cancelable context,
// recording the first reason a shutdown was triggered for.
func setupShutdownSignals() (ctx context.Context, cancel context.CancelFunc, cancelWithReason func(string), cleanup func()) {
	ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	var reason atomic.Value
	reason.Store("unknown")
	record := func(r string) {
		if strings.TrimSpace(r) == "" {
			return
		}
		if cur, _ := reason.Load().(string); cur == "" || cur == "unknown" {
			reason.Store(r)
		}
	}
	cancelWithReason = func(r string) {
		record(r)
		cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	util.SafeGo(func() {
		for sig := range sigCh {
			if sig == nil {
				continue
			}
			record("os_signal:" + sig.String())
			logger.Warn("shutdown trigger: OS signal received", "signal", sig.String())
			cancel()
		}
	})

	cleanup = func() { signal.Stop(sigCh) }
	return ctx, cancel, cancelWithReason, cleanup
}

// syncingGraph wraps *taskgraph.Graph to shadow capability outcomes
// into the optional durable store as they're recorded, so the
// in-memory mutation and its durability echo happen from one call
// site instead of threading a syncer through the orchestrator.
type syncingGraph struct {
	*taskgraph.Graph
	syncer *capability.Syncer
}

func (g *syncingGraph) RecordOutcome(agentID string, tags []string, success bool) *domain.CapabilityProfile {
	profile := g.Graph.RecordOutcome(agentID, tags, success)
	g.syncer.Persist(context.Background(), profile)
	return profile
}
