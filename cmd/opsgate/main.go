// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsgate/opsgate/pkg/approval"
	"github.com/opsgate/opsgate/pkg/config"
	"github.com/opsgate/opsgate/pkg/dispatch"
	"github.com/opsgate/opsgate/pkg/guard"
	"github.com/opsgate/opsgate/pkg/learning"
	"github.com/opsgate/opsgate/pkg/memory"
	"github.com/opsgate/opsgate/pkg/memory/ollamaembed"
	"github.com/opsgate/opsgate/pkg/memory/qdrant"
	"github.com/opsgate/opsgate/pkg/notify"
	"github.com/opsgate/opsgate/pkg/policy"
	"github.com/opsgate/opsgate/pkg/record"
	"github.com/opsgate/opsgate/pkg/router"
	"github.com/opsgate/opsgate/pkg/server"
	"github.com/opsgate/opsgate/pkg/store"
	"github.com/opsgate/opsgate/pkg/telemetry"
	"github.com/opsgate/opsgate/pkg/tools"
)

const version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}
	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fatal(fmt.Errorf("unknown command %q", os.Args[1]))
	}
}

func runServe(args []string) {
	cmd := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := cmd.String("config", "", "Path to the YAML configuration file")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(fmt.Errorf("load config: %w", err))
	}

	logger := telemetry.ConfigureSlog(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	shutdownTelemetry, err := telemetry.InitWithConfig("opsgate", version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		fatal(fmt.Errorf("init telemetry: %w", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seed, err := loadPolicySeed(cfg.Policy.SeedPath)
	if err != nil {
		fatal(fmt.Errorf("load policy seed: %w", err))
	}

	stores, closeStores, err := buildStores(cfg, seed)
	if err != nil {
		fatal(fmt.Errorf("open stores: %w", err))
	}
	defer closeStores()

	mem, err := buildMemory(ctx, cfg)
	if err != nil {
		// Memory is an enrichment, not a dependency; run without it.
		logger.Warn("main.memory.disabled", slog.String("error", err.Error()))
		mem = memory.NullStore{}
	}

	invoker, closeInvoker, err := buildInvoker(cfg)
	if err != nil {
		fatal(fmt.Errorf("connect tool adapter: %w", err))
	}
	defer closeInvoker()

	registry := dispatch.NewRegistry()
	if err := registry.Register(dispatch.NewInfraOpsAgent(invoker)); err != nil {
		fatal(err)
	}
	if err := registry.Register(dispatch.NewNetworkMonitorAgent(invoker)); err != nil {
		fatal(err)
	}
	dispatcher := dispatch.NewDispatcher(registry, dispatch.Options{
		WorkerTimeout: cfg.Dispatch.WorkerTimeout,
		MaxAttempts:   cfg.Dispatch.MaxAttempts,
		InitialDelay:  cfg.Dispatch.InitialDelay,
		Concurrency:   cfg.Dispatch.Concurrency,
	})

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.Approval.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Approval.WebhookURL)
	}
	gate := approval.NewGate(stores.approvals, notifier, cfg.Approval.Timeout)

	recorder := record.NewRecorder(stores.outcomes, stores.approvals, mem)
	rt := router.New(stores.tasks, stores.approvals, stores.outcomes, stores.policies,
		gate, dispatcher, registry, recorder, nil)
	rt.SetScreen(guard.Default())
	defer rt.Close()

	sweeper := approval.NewSweeper(gate, cfg.Approval.SweepInterval, time.Minute)
	sweeper.Start()
	defer sweeper.Stop()

	cycle := learning.NewCycle(stores.outcomes, stores.policies, mem, learning.Weights{
		Success:             cfg.Learning.SuccessWeight,
		Failure:             cfg.Learning.FailureWeight,
		Rejection:           cfg.Learning.RejectionWeight,
		EscalateFailureRate: cfg.Learning.EscalateFailureRate,
		RelaxRejectionRate:  cfg.Learning.RelaxRejectionRate,
	})
	cycle.Start(cfg.Learning.Interval)
	defer cycle.Stop()

	if resumed, err := rt.ResumeAll(ctx); err != nil {
		logger.Warn("main.resume.partial", slog.String("error", err.Error()))
	} else if resumed > 0 {
		logger.Info("main.resume", slog.Int("tasks", resumed))
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.New(rt, stores.policies, cycle).Handler(),
	}
	go func() {
		logger.Info("main.listen", slog.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("main.listen.failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("main.shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("main.shutdown.http", slog.String("error", err.Error()))
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("main.shutdown.telemetry", slog.String("error", err.Error()))
	}
}

type storeSet struct {
	tasks     store.TaskStore
	approvals store.ApprovalStore
	outcomes  store.OutcomeStore
	policies  store.PolicyStore
}

func buildStores(cfg *config.Config, seed *policy.State) (*storeSet, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		return &storeSet{
			tasks:     store.NewMemoryTaskStore(),
			approvals: store.NewMemoryApprovalStore(),
			outcomes:  store.NewMemoryOutcomeStore(),
			policies:  store.NewMemoryPolicyStore(seed),
		}, func() {}, nil
	case "", "sqlite":
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		closeDB := func() { _ = db.Close() }
		tasks, err := store.NewSQLiteTaskStore(db)
		if err != nil {
			closeDB()
			return nil, nil, err
		}
		approvals, err := store.NewSQLiteApprovalStore(db)
		if err != nil {
			closeDB()
			return nil, nil, err
		}
		outcomes, err := store.NewSQLiteOutcomeStore(db)
		if err != nil {
			closeDB()
			return nil, nil, err
		}
		policies, err := store.NewSQLitePolicyStore(db, seed)
		if err != nil {
			closeDB()
			return nil, nil, err
		}
		return &storeSet{
			tasks:     tasks,
			approvals: approvals,
			outcomes:  outcomes,
			policies:  policies,
		}, closeDB, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func loadPolicySeed(path string) (*policy.State, error) {
	if path == "" {
		return policy.NewState(nil, nil), nil
	}
	return policy.LoadSeed(path)
}

func buildMemory(ctx context.Context, cfg *config.Config) (memory.Store, error) {
	if !cfg.Memory.Enabled {
		return memory.NullStore{}, nil
	}
	vectors, err := qdrant.New(cfg.Memory.QdrantAddr)
	if err != nil {
		return nil, err
	}
	embedder := ollamaembed.New(cfg.Memory.EmbedderBaseURL, cfg.Memory.EmbedderModel)
	mem := memory.NewVectorMemory(vectors, embedder, cfg.Memory.Collection)
	if err := mem.Initialize(ctx); err != nil {
		return nil, err
	}
	return mem, nil
}

func buildInvoker(cfg *config.Config) (tools.Invoker, func(), error) {
	noop := func() {}
	switch cfg.Tools.Transport {
	case "", "none":
		// No adapter configured: acknowledge invocations without effect.
		// Keeps a development instance runnable end to end.
		return tools.InvokerFunc(func(_ context.Context, name string, _ map[string]any) (any, error) {
			return fmt.Sprintf("dry-run: %s acknowledged", name), nil
		}), noop, nil
	case "stdio":
		client, err := tools.NewClientWithStdio(cfg.Tools.Command, cfg.Tools.Args)
		if err != nil {
			return nil, nil, err
		}
		return newMCPInvoker(client)
	case "http":
		client, err := tools.NewClientWithHTTP(cfg.Tools.URL)
		if err != nil {
			return nil, nil, err
		}
		return newMCPInvoker(client)
	default:
		return nil, nil, fmt.Errorf("unknown tools transport %q", cfg.Tools.Transport)
	}
}

func newMCPInvoker(client *tools.Client) (tools.Invoker, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	defs, err := client.ListTools(ctx)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	invoker, err := tools.NewMCPInvoker(client, defs)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return invoker, func() { _ = client.Close() }, nil
}

func printUsage() {
	fmt.Println(`opsgate - orchestrator for autonomous infrastructure operations

Usage:
  opsgate serve [--config <path>]
  opsgate version

Configuration is read from the YAML file given by --config, then overridden
by OPSGATE_* environment variables (OPSGATE_SERVER_ADDR, ...).`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
