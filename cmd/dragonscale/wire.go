package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	dragonscale "github.com/ZanzyTHEbar/dragonscale-adaptive"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/adapters"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/cache"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/config"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/executor"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/orchestrator"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/planner"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/store"
	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/tools"
	"github.com/firebase/genkit/go/genkit"
	"github.com/rs/zerolog/log"
)

// planCacheTTL bounds how long the decomposition of a task is reused.
const planCacheTTL = 5 * time.Minute

// app holds every component built from the configuration.
type app struct {
	genkit       *genkit.Genkit
	registry     *tools.Registry
	stats        dragonscale.ToolStats
	store        *store.SQLiteStore
	cache        *cache.InMemoryCache
	bus          eventbus.EventBus
	planner      *planner.TaskPlanner
	executor     *executor.DAGExecutor
	orchestrator *orchestrator.Orchestrator
	engine       *dragonscale.Engine
}

type appOptions struct {
	orchestrate bool
	demo        []tools.DemoOption
}

func newApp(cfg config.Config, opts appOptions) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			_ = a.close()
		}
	}()

	demoOpts := []tools.DemoOption{tools.WithDemoLogger(log.Logger)}
	plannerOpts := []planner.Option{}
	if cfg.Classifier == config.ClassifierFlow {
		g, err := genkit.Init(context.Background())
		if err != nil {
			return nil, fmt.Errorf("init genkit: %w", err)
		}
		a.genkit = g
		demoOpts = append(demoOpts, tools.WithGenkit(g))
		flow := adapters.DefineClassifierFlow(g, "classifyTask", planner.KeywordClassifier{})
		plannerOpts = append(plannerOpts, planner.WithClassifier(adapters.NewFlowClassifier(flow)))
	}

	registry, err := tools.SetupRegistry(append(demoOpts, opts.demo...)...)
	if err != nil {
		return nil, err
	}
	a.registry = registry

	a.stats = store.NewMemoryStats()
	if cfg.DBPath != "" {
		st, err := store.Open(cfg.DBPath, store.WithLogger(log.Logger))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.stats = st
	}

	if cfg.Events.Enabled {
		bus := eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(cfg.Events.BufferSize),
			eventbus.WithWorkerCount(cfg.Events.Workers),
			eventbus.WithLogger(log.Logger),
		)
		if cfg.Log.Debug {
			if _, err := bus.SubscribeAll(logEvent); err != nil {
				return nil, err
			}
		}
		a.bus = bus
	}

	a.cache = cache.NewInMemoryCache(planCacheTTL, cache.WithLogger(log.Logger))
	a.planner, err = planner.New(registry, append(plannerOpts,
		planner.WithToolStats(a.stats),
		planner.WithScoreExpression(cfg.ScoreExpression),
		planner.WithDefaultTool(cfg.DefaultTool),
		planner.WithCache(a.cache),
		planner.WithEventBus(a.bus),
		planner.WithLogger(log.Logger),
	)...)
	if err != nil {
		return nil, err
	}

	a.executor = executor.NewExecutor(registry,
		executor.WithMaxConcurrency(cfg.MaxConcurrency),
		executor.WithMaxRetries(cfg.MaxRetries),
		executor.WithRetryBaseDelay(cfg.RetryBaseDelay),
		executor.WithStepTimeout(cfg.StepTimeout),
		executor.WithExecutionTimeout(cfg.ExecutionTimeout),
		executor.WithToolStats(a.stats),
		executor.WithEventBus(a.bus),
		executor.WithLogger(log.Logger),
	)

	orchOpts := []orchestrator.Option{
		orchestrator.WithCompositionThreshold(cfg.CompositionThreshold),
		orchestrator.WithTopK(cfg.TopK),
		orchestrator.WithLearningRate(cfg.LearningRate),
		orchestrator.WithFallback(orchestrator.DefaultFallback(a.planner)),
		orchestrator.WithEventBus(a.bus),
		orchestrator.WithLogger(log.Logger),
	}
	if a.store != nil {
		orchOpts = append(orchOpts, orchestrator.WithWeightStore(a.store))
	}
	a.orchestrator = orchestrator.New(a.executor, orchOpts...)

	engineOpts := []dragonscale.Option{
		dragonscale.WithConfig(cfg.Engine()),
		dragonscale.WithPlanner(a.planner),
		dragonscale.WithExecutor(a.executor),
		dragonscale.WithToolRegistry(registry),
		dragonscale.WithLogger(log.Logger),
	}
	if a.bus != nil {
		engineOpts = append(engineOpts, dragonscale.WithEventBus(a.bus))
	}
	if a.store != nil {
		engineOpts = append(engineOpts, dragonscale.WithHistoryStore(a.store))
	}
	if opts.orchestrate {
		engineOpts = append(engineOpts, dragonscale.WithStrategies(a.orchestrator, orchestrator.DefaultStrategies(a.planner)...))
	}
	a.engine, err = dragonscale.New(engineOpts...)
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func (a *app) close() error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

func logEvent(ctx context.Context, evt eventbus.Event) error {
	log.Debug().
		Str("event", string(evt.Type())).
		Str("source", evt.Source()).
		Interface("metadata", evt.Metadata()).
		Msg("event")
	return nil
}
