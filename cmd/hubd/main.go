// Command hubd is the Hub's process entry point: it assembles every
// service package into one running instance and fronts them with the
// HTTP/JSON/SSE transport (spec §6). Wiring order mirrors the teacher's
// devui.Start — construct stores, construct the mutually dependent
// Executor/Interrupt Subsystem pair, register at least one step handler,
// start background loops, then block on the HTTP listener until an
// interrupt signal arrives.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orchestrahub/hub/internal/agentregistry"
	"github.com/orchestrahub/hub/internal/bus"
	"github.com/orchestrahub/hub/internal/checkpoint"
	checkpointsqlite "github.com/orchestrahub/hub/internal/checkpoint/sqlite"
	"github.com/orchestrahub/hub/internal/config"
	"github.com/orchestrahub/hub/internal/demohandler"
	"github.com/orchestrahub/hub/internal/distributed"
	"github.com/orchestrahub/hub/internal/executor"
	"github.com/orchestrahub/hub/internal/guardrail"
	"github.com/orchestrahub/hub/internal/httpapi"
	"github.com/orchestrahub/hub/internal/interrupt"
	"github.com/orchestrahub/hub/internal/otelbridge"
	"github.com/orchestrahub/hub/internal/queue"
	"github.com/orchestrahub/hub/internal/queue/redisstreams"
	"github.com/orchestrahub/hub/internal/router"
	"github.com/orchestrahub/hub/internal/threadstore"
	threadstoresqlite "github.com/orchestrahub/hub/internal/threadstore/sqlite"
	"github.com/orchestrahub/hub/internal/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("hubd: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	agentStore, threadStore, checkpointStore, closers, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()

	otelbridge.SetLogger(0)
	events := bus.New()
	observer := bus.NewMultiSink(events.AsSink(), otelbridge.NewSink(nil))

	registry, err := agentregistry.New(ctx, agentStore, agentregistry.WithObserver(observer))
	if err != nil {
		return err
	}

	prober := agentregistry.NewProber(registry, agentregistry.ProberConfig{
		Interval:           cfg.HealthCheckInterval,
		UnhealthyThreshold: cfg.UnhealthyThreshold,
	})
	prober.RegisterCheck("dispatchable", func(_ context.Context, agent types.Agent) types.ComponentCheck {
		if agent.Status != types.AgentStatusActive {
			return types.ComponentCheck{Name: "dispatchable", Status: types.HealthUnhealthy, Critical: true, Message: "agent status is " + string(agent.Status)}
		}
		return types.ComponentCheck{Name: "dispatchable", Status: types.HealthHealthy, Critical: true}
	})
	// prober.Start is deferred until the Executor exists below, so its
	// queued-run source can be wired before the first probe round runs.

	threads, err := threadstore.New(ctx, threadStore)
	if err != nil {
		return err
	}

	rtr := router.New(
		router.WithCapabilityRouting(true),
		router.WithMinConfidence(cfg.MinRoutingConfidence),
	)
	rtr.MustRegister(demohandler.Echo{}.Metadata(), demohandler.Echo{})

	execCfg := executor.Config{
		Workers:              cfg.Workers,
		QueueSize:            cfg.QueueSize,
		DefaultTimeoutMs:     cfg.DefaultTimeoutMs,
		MaxTimeoutMs:         cfg.MaxTimeoutMs,
		CheckpointIntervalMs: cfg.CheckpointIntervalMs,
		CapabilityRouting:    true,
	}
	runStore := executor.NewMemStore()
	exec := executor.New(runStore, checkpointStore, registry, threads, rtr, observer, execCfg)

	interrupts, err := interrupt.New(ctx, interrupt.NewMemStore(), exec, interrupt.WithObserver(observer))
	if err != nil {
		return err
	}
	exec.SetInterrupts(interrupts)
	stopSweeper := interrupts.StartSweeper(ctx)
	defer stopSweeper()

	// Policy layer (§4.5, §7): a blocked step's input or output raises a
	// policy_violation or high_risk_operation interrupt through the same
	// Interrupt Subsystem rather than silently rejecting the call.
	exec.SetGuardrails(guardrail.NewPipeline().
		AddInput(&guardrail.PromptInjection{}).
		Add(&guardrail.ContentFilter{}).
		Add(&guardrail.PIIFilter{}).
		Add(&guardrail.SecretGuard{}).
		Add(&guardrail.MaxLength{Limit: 32_000}))

	prober.SetQueuedRunsSource(exec.CountQueuedRuns)
	prober.Start(ctx)
	defer prober.Stop()

	if err := exec.Recover(ctx); err != nil {
		log.Printf("hubd: run recovery failed: %v", err)
	}
	exec.Start(ctx)
	defer exec.Stop()

	if cfg.Distributed {
		stopWorkers, err := startDistributed(ctx, cfg, runStore, registry, threads, rtr, exec, observer)
		if err != nil {
			return err
		}
		defer stopWorkers()
	}

	server := httpapi.NewServer(httpapi.Config{
		Addr:       cfg.Addr,
		Registry:   registry,
		Threads:    threads,
		Executor:   exec,
		Interrupts: interrupts,
		Events:     events,
	})

	log.Printf("hubd: listening on %s (distributed=%v, store=%s, queue=%s)",
		cfg.Addr, cfg.Distributed, cfg.StoreBackend, cfg.QueueBackend)
	err = server.ListenAndServe(ctx)
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// openStores selects the memory or sqlite backends per cfg.StoreBackend,
// returning close funcs the caller runs in LIFO order at shutdown.
func openStores(cfg config.Config) (agentregistry.Store, threadstore.Store, checkpoint.Store, []func() error, error) {
	if cfg.StoreBackend != "sqlite" {
		return agentregistry.NewMemStore(), threadstore.NewMemStore(), checkpoint.NewMemStore(), nil, nil
	}

	agentDB, err := checkpointsqlite.New(cfg.SQLitePath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	threadDB, err := threadstoresqlite.New(cfg.SQLitePath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	// The agent registry has no sqlite backend of its own yet (spec §4.1
	// leaves persistence backend unspecified beyond "durable"); it stays
	// in-memory even in sqlite mode until one is written.
	closers := []func() error{threadDB.Close, agentDB.Close}
	return agentregistry.NewMemStore(), threadDB, agentDB, closers, nil
}

// startDistributed layers a Coordinator + local Worker on top of exec,
// per internal/distributed's design: the Coordinator enqueues runs onto a
// shared queue.Queue, and a Worker claims and drives them via
// exec.DispatchNow. Running both coordinator and worker in the same
// process is the simplest deployment; a real fleet runs many worker-only
// processes against the same queue and attempt store.
func startDistributed(ctx context.Context, cfg config.Config, store executor.Store, registry *agentregistry.Registry, threads *threadstore.Service, rtr *router.Router, exec *executor.Executor, observer bus.Sink) (func(), error) {
	q, err := openQueue(cfg)
	if err != nil {
		return nil, err
	}
	attempts := distributed.NewMemAttemptStore()

	policy := distributed.DefaultRuntimePolicy()
	coord, err := distributed.NewCoordinator(store, registry, threads, rtr, attempts, q, observer, distributed.QueueConfig{Name: "hub-runs"}, policy)
	if err != nil {
		return nil, err
	}
	_ = coord // exposed for a future distributed submission path; local Submit still serves HTTP today.

	worker, err := distributed.NewWorker(
		distributed.WorkerConfig{WorkerID: "hubd-local", Capacity: cfg.Workers},
		store, attempts, q, observer, policy,
		func(ctx context.Context, task queue.Task) error { return exec.DispatchNow(ctx, task.RunID) },
	)
	if err != nil {
		return nil, err
	}

	// ShardRouter gives this worker a rendezvous-hashed opinion on which
	// runs are "its own" once the fleet has more than one node; with a
	// single hubd-local worker every run always prefers hubd-local, so
	// this is a no-op in this deployment shape but wires the same path a
	// multi-worker-process fleet uses. Membership tracks WorkerHeartbeat
	// churn observed through the Coordinator's own heartbeat store.
	shardRouter := distributed.NewShardRouter(nil)
	worker.SetShardRouter(shardRouter)

	workerCtx, cancel := context.WithCancel(ctx)
	stopShardSync := syncShardRouter(workerCtx, coord, shardRouter, policy.HeartbeatInterval)

	go func() {
		if err := worker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("hubd: distributed worker stopped: %v", err)
		}
	}()

	return func() {
		cancel()
		stopShardSync()
		_ = worker.Stop(context.Background())
	}, nil
}

// syncShardRouter periodically rebuilds shardRouter's member set from the
// Coordinator's worker heartbeat table, so a worker that stops sending
// heartbeats drops out of the rendezvous table and one that joins starts
// receiving its rendezvous-preferred share of deliveries.
func syncShardRouter(ctx context.Context, coord distributed.Coordinator, shardRouter *distributed.ShardRouter, interval time.Duration) func() {
	refresh := func() {
		heartbeats, err := coord.ListWorkers(ctx, 100)
		if err != nil {
			return
		}
		ids := make([]string, 0, len(heartbeats))
		for _, hb := range heartbeats {
			if hb.Status == "online" {
				ids = append(ids, hb.WorkerID)
			}
		}
		shardRouter.SetWorkers(ids)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()
	return func() { <-done }
}

func openQueue(cfg config.Config) (queue.Queue, error) {
	if cfg.QueueBackend != "redis" {
		return queue.NewMemQueue(), nil
	}
	return redisstreams.New(cfg.RedisAddr, redisstreams.WithDB(cfg.RedisDB), redisstreams.WithGroup("hub-runs"))
}
