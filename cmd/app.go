package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/taskdispatch/config"
	"github.com/angeloszaimis/taskdispatch/internal/adapter"
	memadapter "github.com/angeloszaimis/taskdispatch/internal/adapter/memory"
	"github.com/angeloszaimis/taskdispatch/internal/adapter/redisqueue"
	"github.com/angeloszaimis/taskdispatch/internal/adapter/webhook"
	"github.com/angeloszaimis/taskdispatch/internal/adapter/workflowhttp"
	"github.com/angeloszaimis/taskdispatch/internal/apperr"
	"github.com/angeloszaimis/taskdispatch/internal/backoff"
	"github.com/angeloszaimis/taskdispatch/internal/circuitbreaker"
	"github.com/angeloszaimis/taskdispatch/internal/dispatcher"
	"github.com/angeloszaimis/taskdispatch/internal/eventstream"
	"github.com/angeloszaimis/taskdispatch/internal/handler"
	"github.com/angeloszaimis/taskdispatch/internal/healthcheck"
	"github.com/angeloszaimis/taskdispatch/internal/httpserver"
	"github.com/angeloszaimis/taskdispatch/internal/metrics"
	"github.com/angeloszaimis/taskdispatch/internal/reporting"
	"github.com/angeloszaimis/taskdispatch/internal/router"
	badgerstore "github.com/angeloszaimis/taskdispatch/internal/store/badger"
	memstore "github.com/angeloszaimis/taskdispatch/internal/store/memory"
	redisstore "github.com/angeloszaimis/taskdispatch/internal/store/redis"
	"github.com/angeloszaimis/taskdispatch/internal/task"
	"github.com/angeloszaimis/taskdispatch/internal/telemetry"
	"github.com/angeloszaimis/taskdispatch/internal/tracker"
	"github.com/angeloszaimis/taskdispatch/pkg/logger"
)

const sentryFlushTimeout = 2 * time.Second

type app struct {
	cfg        *config.Config
	log        *slog.Logger
	registry   *circuitbreaker.Registry
	backends   map[task.BackendKind]dispatcher.Backend
	dispatcher *dispatcher.Dispatcher
	collector  *metrics.Collector
	hub        *eventstream.Hub
	sentry     *reporting.Sentry
	mux        *http.ServeMux
	server     *httpserver.Server
	closers    []func() error
}

// newApp builds every component. On error the resources opened so far are
// released.
func newApp(cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	store, err := a.openStore()
	if err != nil {
		return nil, err
	}

	adapters, err := a.buildAdapters()
	if err != nil {
		return nil, err
	}

	a.registry, err = circuitbreaker.NewRegistry(cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout,
		breakerOptions(cfg.Breaker, logger.Component(log, "circuitbreaker"))...)
	if err != nil {
		return nil, err
	}

	a.backends = make(map[task.BackendKind]dispatcher.Backend, len(adapters))
	for kind, ad := range adapters {
		cb, err := a.registry.GetBreaker(string(kind))
		if err != nil {
			return nil, err
		}
		a.backends[kind] = dispatcher.Backend{Adapter: ad, Breaker: cb}
	}

	a.collector = metrics.NewCollector(cfg.Metrics.BufferSize, logger.Component(log, "metrics"))
	a.registry.Subscribe(a.collector.BreakerListener())

	breakerMetrics, err := telemetry.GlobalBreakerMetrics()
	if err != nil {
		return nil, err
	}
	a.registry.Subscribe(breakerMetrics)

	a.hub = eventstream.NewHub(eventstream.WithLogger(logger.Component(log, "eventstream")))
	a.registry.Subscribe(a.hub.Listener())

	var reporter reporting.Reporter = reporting.Nop{}
	if cfg.Sentry.DSN != "" {
		a.sentry, err = reporting.NewSentry(cfg.Sentry.DSN, cfg.Sentry.Release, "dispatcher")
		if err != nil {
			return nil, err
		}
		reporter = a.sentry
	}

	rt := router.New(routerConfig(cfg.Router), router.WithLogger(logger.Component(log, "router")))
	trk := tracker.New(store, tracker.WithLogger(logger.Component(log, "tracker")))

	a.dispatcher, err = dispatcher.New(rt, trk, a.backends,
		dispatcher.WithLogger(logger.Component(log, "dispatcher")),
		dispatcher.WithDowngrade(cfg.Dispatcher.Downgrade),
		dispatcher.WithRetryPolicy(retryPolicy(cfg.Backoff)),
		dispatcher.WithReporter(reporter),
		dispatcher.WithMetrics(a.collector),
	)
	if err != nil {
		return nil, err
	}

	taskHandler := handler.NewTaskHandler(logger.Component(log, "handler"), a.dispatcher)
	a.mux = setupRouter(taskHandler, a.collector, a.hub)

	a.server, err = httpserver.New(cfg.Server.Address, a.mux,
		httpserver.WithShutdownTimeout(cfg.Server.ShutdownTimeout))
	if err != nil {
		return nil, err
	}

	return a, nil
}

// run serves until ctx is done or a component fails, then shuts down.
func (a *app) run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.collector.Run(gctx)
	})

	if a.cfg.HealthCheck.Enabled {
		a.startMonitors(gctx, g)
	}

	g.Go(func() error {
		a.log.Info("Dispatcher listening", slog.String("addr", a.server.Addr()))
		return a.server.Start()
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("Shutting down gracefully...")
		a.hub.Close()
		return a.server.Shutdown(context.Background())
	})

	return g.Wait()
}

func (a *app) startMonitors(ctx context.Context, g *errgroup.Group) {
	for kind, b := range a.backends {
		pinger, ok := b.Adapter.(adapter.Pinger)
		if !ok {
			continue
		}
		name, breaker := string(kind), b.Breaker
		g.Go(func() error {
			healthcheck.Monitor(ctx, name, pinger, breaker, a.cfg.HealthCheck.Interval,
				logger.Component(a.log, "healthcheck"), a.collector)
			return nil
		})
	}
}

func (a *app) close() {
	if a.sentry != nil {
		a.sentry.Flush(sentryFlushTimeout)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("Failed to release resource", slog.Any("err", err))
		}
	}
	a.closers = nil
}

func (a *app) openStore() (tracker.Store, error) {
	sc := a.cfg.Store
	switch sc.Type {
	case config.TypeMemory:
		return memstore.New(), nil

	case config.TypeBadger:
		s, err := badgerstore.Open(sc.Path,
			badgerstore.WithTTL(sc.TTL),
			badgerstore.WithLogger(logger.Component(a.log, "store")))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil

	case config.TypeRedis:
		client := a.redisClient(sc.RedisAddr)
		s := redisstore.New(client, redisstore.WithKeyPrefix(sc.KeyPrefix), redisstore.WithTTL(sc.TTL))
		return s, nil

	default:
		return nil, apperr.New(apperr.KindConfiguration, "store.open", "unknown store type "+sc.Type)
	}
}

func (a *app) buildAdapters() (map[task.BackendKind]adapter.Adapter, error) {
	bc := a.cfg.Backends
	adapters := make(map[task.BackendKind]adapter.Adapter, len(task.BackendKinds))

	switch bc.Queue.Type {
	case config.TypeMemory:
		adapters[task.BackendQueue] = memadapter.New(string(task.BackendQueue))
	case config.TypeRedis:
		adapters[task.BackendQueue] = redisqueue.New(a.redisClient(bc.Queue.RedisAddr),
			redisqueue.WithQueue(bc.Queue.Queue),
			redisqueue.WithKeyPrefix(bc.Queue.KeyPrefix),
			redisqueue.WithLogger(logger.Component(a.log, "redisqueue")))
	default:
		return nil, apperr.New(apperr.KindConfiguration, "backends.queue", "unknown queue type "+bc.Queue.Type)
	}

	switch bc.Workflow.Type {
	case config.TypeMemory:
		adapters[task.BackendWorkflow] = memadapter.New(string(task.BackendWorkflow))
	case config.TypeHTTP:
		c, err := workflowhttp.New(bc.Workflow.URL,
			workflowhttp.WithNamespace(bc.Workflow.Namespace),
			workflowhttp.WithWorkflowKeys(a.cfg.Router.WorkflowKeys...),
			workflowhttp.WithLogger(logger.Component(a.log, "workflowhttp")))
		if err != nil {
			return nil, err
		}
		adapters[task.BackendWorkflow] = c
	default:
		return nil, apperr.New(apperr.KindConfiguration, "backends.workflow", "unknown workflow type "+bc.Workflow.Type)
	}

	switch bc.External.Type {
	case config.TypeMemory:
		adapters[task.BackendExternal] = memadapter.New(string(task.BackendExternal))
	case config.TypeWebhook:
		c, err := webhook.New(bc.External.URL,
			webhook.WithAPIKey(bc.External.APIKey),
			webhook.WithRateLimit(bc.External.RateLimit, bc.External.Burst),
			webhook.WithAutomationKeys(a.cfg.Router.AutomationKeys...),
			webhook.WithLogger(logger.Component(a.log, "webhook")))
		if err != nil {
			return nil, err
		}
		adapters[task.BackendExternal] = c
	default:
		return nil, apperr.New(apperr.KindConfiguration, "backends.external", "unknown external type "+bc.External.Type)
	}

	return adapters, nil
}

func (a *app) redisClient(addr string) *goredis.Client {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	a.closers = append(a.closers, client.Close)
	return client
}

func breakerOptions(bc config.BreakerConfig, log *slog.Logger) []circuitbreaker.Option {
	return []circuitbreaker.Option{
		circuitbreaker.WithVolumeThreshold(bc.VolumeThreshold),
		circuitbreaker.WithErrorPercentageThreshold(bc.ErrorPercentageThreshold),
		circuitbreaker.WithTimeout(bc.Timeout),
		circuitbreaker.WithMaxRetries(bc.MaxRetries),
		circuitbreaker.WithEnabled(bc.Enabled),
		circuitbreaker.WithFailurePredicate(circuitbreaker.DependencyFault),
		circuitbreaker.WithLogger(log),
	}
}

func retryPolicy(bc config.BackoffConfig) backoff.Policy {
	p := backoff.DefaultPolicy()
	p.BaseDelay = bc.BaseDelay
	p.Coefficient = bc.Coefficient
	p.MaxDelay = bc.MaxDelay
	p.MaxAttempts = bc.MaxAttempts
	p.Jitter = bc.Jitter
	return p
}

func routerConfig(rc config.RouterConfig) router.Config {
	cfg := router.DefaultConfig()
	if len(rc.WorkflowKeys) > 0 {
		cfg.WorkflowKeys = rc.WorkflowKeys
	}
	if len(rc.AutomationKeys) > 0 {
		cfg.AutomationKeys = rc.AutomationKeys
	}
	cfg.WorkflowKinds = rc.WorkflowKinds
	cfg.ExternalKinds = rc.ExternalKinds
	return cfg
}
