// Package core is the composition root: it wires every component
// (internal/router, internal/mlm, internal/bus, internal/workspace,
// internal/scheduler, internal/chatpipeline, internal/cron, internal/metrics,
// internal/tracing) into one running AgentCore, following the wiring order
// original_source/backend/core/agent_core.py's AgentCore.__init__ documents:
// store, bus, workspace, router+mlm, scheduler, chat pipeline, cron.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/corvidlabs/aegis/internal/agentapi"
	"github.com/corvidlabs/aegis/internal/bus"
	"github.com/corvidlabs/aegis/internal/chatpipeline"
	"github.com/corvidlabs/aegis/internal/config"
	"github.com/corvidlabs/aegis/internal/cron"
	"github.com/corvidlabs/aegis/internal/logging"
	"github.com/corvidlabs/aegis/internal/metrics"
	"github.com/corvidlabs/aegis/internal/mlm"
	"github.com/corvidlabs/aegis/internal/router"
	"github.com/corvidlabs/aegis/internal/router/llamacpp"
	"github.com/corvidlabs/aegis/internal/router/ollama"
	"github.com/corvidlabs/aegis/internal/router/openaicompat"
	"github.com/corvidlabs/aegis/internal/scheduler"
	"github.com/corvidlabs/aegis/internal/spawn"
	"github.com/corvidlabs/aegis/internal/store"
	"github.com/corvidlabs/aegis/internal/tracing"
	"github.com/corvidlabs/aegis/internal/workspace"
)

// Conventional model keys for the pipeline's cross-cutting LLM roles (spec
// §4.7/§6); operators map these onto real models via inference.models in
// config, the same way they map primary/coder/security/embedder.
const (
	ModelKeyClassifier   = "classifier"
	ModelKeyReasoner     = "reasoner"
	ModelKeyPresentation = "presentation"
)

// AgentCore is the top-level running instance: every component constructed
// from one config.Config and ready to Start.
type AgentCore struct {
	Log       *slog.Logger
	Config    *config.Config
	Store     store.Store
	Bus       *bus.Bus
	Workspace *workspace.Workspace
	Router    *router.Router
	MLM       *mlm.Manager
	Registry  *agentapi.Registry
	Scheduler *scheduler.Scheduler
	Chat      *chatpipeline.Pipeline
	Cron      *cron.Scheduler
	Heartbeat *cron.Heartbeat
	Metrics   *metrics.Metrics

	caps           *capabilities
	tracerShutdown func(context.Context) error
}

// Options lets a caller plug in the out-of-scope external collaborators
// (tools, channel, security heartbeat sensors) without AgentCore needing to
// know their concrete implementations.
type Options struct {
	Tools   ToolRegistry
	Channel ChannelSink

	ProcessLister        cron.ProcessLister
	NetworkLister        cron.NetworkLister
	FileIntegrityWatcher cron.FileIntegrityWatcher
	SecurityAgent        cron.SecurityAgent
}

// New builds a fully wired but unstarted AgentCore.
func New(ctx context.Context, cfg *config.Config, opts Options) (*AgentCore, error) {
	level := logging.ParseLevel(cfg.LogLevel)
	log := logging.New(level, os.Stdout, true)

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	b, err := bus.New(ctx, log, st, cfg.Bus.MaxCachedMessages)
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}

	ws, err := workspace.New(ctx, log, st)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}

	rt := router.New(log)
	if err := wireBackends(rt, cfg.Inference.Backends); err != nil {
		return nil, err
	}
	rt.SetDefaultBackend(cfg.DefaultBackendName())
	for key, mc := range cfg.Inference.Models {
		rt.RegisterModel(router.ModelMapping{
			Key:           key,
			Backend:       mc.Backend,
			ModelID:       mc.ModelID,
			Tier:          mc.Tier,
			MaxTokens:     mc.MaxTokens,
			Temperature:   mc.Temperature,
			EstimatedVRAM: mc.EstimatedVRAM,
		})
	}

	realRT := spawn.NewReal()

	var resourceMonitor mlm.ResourceMonitor = mlm.NewProcMemInfoMonitor()

	reg := agentapi.NewRegistry()

	metricsReg := metrics.New("aegis")
	b.SetMetrics(metricsReg)

	bcastFn := func(event map[string]any) {
		if opts.Channel != nil {
			opts.Channel.Post(ctx, event)
		}
	}

	manager := mlm.New(log, rt, realRT, resourceMonitor, bcastFn, mlm.Config{
		TTL:          cfg.MLM.TTL,
		HeadroomGB:   cfg.MLM.HeadroomGB,
		LargeModelGB: cfg.MLM.LargeModelGB,
		Metrics:      metricsReg,
	})

	agentFilters := make(map[string]agentapi.ToolFilter)
	caps := newCapabilities(log, rt, ws, opts.Tools, opts.Channel, bcastFn, agentFilters)

	sched := scheduler.New(log, b, reg, caps, realRT, scheduler.BroadcastFunc(bcastFn), scheduler.Config{
		PollInterval:        cfg.Scheduler.PollInterval,
		PerAgentConcurrency: cfg.Scheduler.PerAgentConcurrency,
		MaxCachedMissions:   cfg.Scheduler.MaxCachedMissions,
		Metrics:             metricsReg,
	})

	mem := newStoreMemory(log, st)
	classifier := newClassifierRole(rt, ModelKeyClassifier)
	planner := newPlannerRole(rt, ModelKeyReasoner)
	presenter := newPresenterRole(rt, ModelKeyPresentation)

	chat := chatpipeline.New(chatpipeline.Config{
		Log:       log,
		Registry:  reg,
		MLM:       manager,
		Scheduler: sched,
		Caps:      caps,
		Classify:  classifier,
		Plan:      planner,
		Present:   presenter,
		Memory:    mem,
		Broadcast: chatpipeline.BroadcastFunc(bcastFn),
		Metrics:   metricsReg,
	})

	dispatcher := newMissionDispatcher(sched, chat)
	cronSched, err := cron.New(log, st, dispatcher, realRT)
	if err != nil {
		return nil, fmt.Errorf("open cron scheduler: %w", err)
	}

	var heartbeat *cron.Heartbeat
	if opts.SecurityAgent != nil {
		hbCfg := cron.DefaultHeartbeatConfig()
		if cfg.Cron.HeartbeatInterval > 0 {
			hbCfg.IntervalSeconds = cfg.Cron.HeartbeatInterval
		}
		heartbeat = cron.NewHeartbeat(log, realRT, hbCfg, opts.ProcessLister, opts.NetworkLister, opts.FileIntegrityWatcher, opts.SecurityAgent, bcastFn)
	}

	var tracerShutdown func(context.Context) error
	if cfg.Tracing.Enabled {
		_, shutdown, err := tracing.Init(ctx, log, tracing.Config{Enabled: true, ServiceName: cfg.Tracing.ServiceName})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		tracerShutdown = shutdown
	}

	return &AgentCore{
		Log:            log,
		Config:         cfg,
		Store:          st,
		Bus:            b,
		Workspace:      ws,
		Router:         rt,
		MLM:            manager,
		Registry:       reg,
		Scheduler:      sched,
		Chat:           chat,
		Cron:           cronSched,
		Heartbeat:      heartbeat,
		Metrics:        metricsReg,
		caps:           caps,
		tracerShutdown: tracerShutdown,
	}, nil
}

func wireBackends(rt *router.Router, backends []config.BackendConfig) error {
	for _, bc := range backends {
		if !bc.IsEnabled() {
			continue
		}
		switch bc.Type {
		case "openai":
			rt.RegisterBackend(openaicompat.New(openaicompat.Config{
				Name:    bc.Name,
				BaseURL: bc.BaseURL,
				APIKey:  bc.APIKey,
			}))
		case "ollama":
			rt.RegisterBackend(ollama.New(ollama.Config{
				Name:    bc.Name,
				BaseURL: bc.BaseURL,
			}))
		case "llamacpp":
			rt.RegisterBackend(llamacpp.New(llamacpp.Config{
				Name:    bc.Name,
				BaseURL: bc.BaseURL,
			}))
		default:
			return fmt.Errorf("unknown backend type %q for backend %q", bc.Type, bc.Name)
		}
	}
	return nil
}

// RegisterAgent adds a concrete specialist agent to the registry and records
// its tool filter for centralized enforcement (capabilities.ExecuteTool).
// Agent business logic itself is an external collaborator per spec §1.
func (a *AgentCore) RegisterAgent(agent agentapi.Agent) error {
	if err := a.Registry.RegisterAgent(agent); err != nil {
		return err
	}
	def := agent.Definition()
	a.caps.agentFilters[def.AgentID] = def.Tools
	return nil
}

// Start brings every background loop up: MLM always-loaded reconciliation,
// the scheduler's dispatch loop, the cron tick loop, and (if wired) the
// security heartbeat.
func (a *AgentCore) Start(ctx context.Context) {
	a.MLM.Start(ctx)
	a.Scheduler.Start(ctx)
	a.Cron.Start(ctx)
	if a.Heartbeat != nil {
		a.Heartbeat.Start(ctx)
	}
}

// Stop tears background loops down in reverse order and releases the store.
func (a *AgentCore) Stop(ctx context.Context) {
	if a.Heartbeat != nil {
		a.Heartbeat.Stop()
	}
	a.Cron.Stop()
	a.Scheduler.Stop()
	if a.tracerShutdown != nil {
		_ = a.tracerShutdown(ctx)
	}
	if err := a.Store.Close(); err != nil {
		a.Log.Warn("error closing store", slog.Any("err", err))
	}
}
