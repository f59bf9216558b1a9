package main

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	redis "github.com/redis/go-redis/v9"

	"github.com/timour/txbus/broker"
	"github.com/timour/txbus/common/config"
	"github.com/timour/txbus/common/metrics"
	"github.com/timour/txbus/common/tracing"
	"github.com/timour/txbus/consumer"
	"github.com/timour/txbus/discovery"
	"github.com/timour/txbus/discovery/consul"
	"github.com/timour/txbus/examples/activities"
	"github.com/timour/txbus/examples/ordersaga"
	"github.com/timour/txbus/internal/txlog"
	"github.com/timour/txbus/registration"
	"github.com/timour/txbus/retry"
	"github.com/timour/txbus/routingslip"
	"github.com/timour/txbus/saga"
)

const sagaQueue = "order-saga"

// App wires one process's share of the bus: the broker connection, the order
// saga's consumer endpoint, its Postgres/Redis-backed store, the service
// registry entry, and the routing-slip executor sagas dispatch commands to.
type App struct {
	cfg       Config
	log       *slog.Logger
	transport *broker.Transport
	registry  discovery.Registry
	registrar *registration.HealthRegistrar
	pipeline  *consumer.Pipeline
	machine   *saga.Machine
	executor  *routingslip.Executor
	sagaRepo  *saga.PostgresRepository
	itemsDB   *sql.DB

	shutdownTracer func()
}

func NewApp(cfg Config) (*App, error) {
	log := txlog.New(cfg.ServiceName)

	shutdownTracer, err := tracing.Init(cfg.ServiceName, log)
	if err != nil {
		return nil, err
	}

	registry, err := consul.NewRegistry(cfg.ConsulAddr)
	if err != nil {
		shutdownTracer()
		return nil, err
	}

	transportMx := metrics.NewTransportMetrics(cfg.ServiceName)
	transport := broker.New(broker.Config{Cluster: cfg.ServiceName, AMQPURL: cfg.AMQPURL}, log, transportMx)

	pgRepo, err := saga.NewPostgresRepository(cfg.PostgresURL, "order_saga_instances")
	if err != nil {
		shutdownTracer()
		return nil, err
	}
	itemsDB, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		shutdownTracer()
		return nil, err
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	cached := saga.NewCachedRepository(pgRepo, redisClient, 10*time.Minute, log)
	repo := saga.NewRetryingRepository(cached, retry.Exponential{N: 4, Initial: 100 * time.Millisecond, Factor: 2})

	sagaMx := metrics.NewSagaMetrics(cfg.ServiceName)
	machine := &saga.Machine{
		Def:         ordersaga.Definition(),
		Repo:        repo,
		Publisher:   transport,
		Cluster:     cfg.ServiceName,
		AutoArchive: true,
		Metrics:     sagaMx,
		Log:         log,
	}

	slipMx := metrics.NewRoutingSlipMetrics(cfg.ServiceName)
	executor := routingslip.NewExecutor()
	executor.AddActivity("ProcessPayment", func() routingslip.Activity {
		return &activities.ProcessPayment{APIKey: config.GetEnv("STRIPE_API_KEY", "")}
	})
	executor.AddActivity("ReserveInventory", func() routingslip.Activity {
		return &activities.ReserveInventory{DB: itemsDB}
	})
	executor.Metrics = slipMx
	executor.Log = log

	return &App{
		cfg:            cfg,
		log:            log,
		transport:      transport,
		registry:       registry,
		machine:        machine,
		executor:       executor,
		sagaRepo:       pgRepo,
		itemsDB:        itemsDB,
		shutdownTracer: shutdownTracer,
	}, nil
}

// Start connects the broker, declares the order-saga endpoint, registers
// every saga event handler against it, registers the instance with the
// service registry, and begins consuming.
func (a *App) Start(ctx context.Context) error {
	if err := a.transport.Connect(ctx); err != nil {
		return err
	}

	cfg := registration.New()
	cfg.AddEndpoint(sagaQueue, []string{
		"OrderSubmitted", "PaymentProcessed", "OrderFailed", "InventoryReserved",
	}, registration.EndpointOptions{
		PrefetchCount:  16,
		UseIdempotency: true,
		Retry:          retry.Intervals{Delays: []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, time.Second}},
		Redelivery:     retry.Exponential{N: 6, Initial: 5 * time.Second, Factor: 2},
	})

	declared, err := cfg.Apply(ctx, a.transport)
	if err != nil {
		return err
	}
	endpoint := declared[0]

	pipeline := consumer.NewPipeline(sagaQueue, endpoint.Endpoint, a.transport, endpoint.Binding.Options)
	pipeline.Log = a.log
	pipeline.Metrics = metrics.NewPipelineMetrics(a.cfg.ServiceName)
	registerSagaHandlers(pipeline, a.machine)
	a.pipeline = pipeline

	a.registrar = registration.NewHealthRegistrar(a.registry, a.cfg.ServiceName, a.cfg.HostPort, a.log)
	if err := a.registrar.Start(ctx, a.cfg.HostPort, 2*time.Second); err != nil {
		return err
	}

	go pipeline.Run(ctx)
	a.log.Info("order saga consuming", slog.String("queue", sagaQueue))
	return nil
}

// registerSagaHandlers binds every event the order saga definition reacts to
// onto the pipeline, each handler simply forwarding the envelope's raw
// message and saga header into Machine.Execute.
func registerSagaHandlers(p *consumer.Pipeline, machine *saga.Machine) {
	bind := func(messageType string, newFn func() any) {
		p.Register(messageType, consumer.Binding{
			New: newFn,
			Handle: func(cctx *consumer.Context, _ any) (any, error) {
				err := machine.Execute(cctx.Context, cctx.Envelope.MessageType, cctx.Envelope.Headers.Saga, cctx.Envelope.Message)
				return nil, err
			},
		})
	}
	bind("OrderSubmitted", func() any { return &ordersaga.OrderSubmitted{} })
	bind("PaymentProcessed", func() any { return &ordersaga.PaymentProcessed{} })
	bind("OrderFailed", func() any { return &ordersaga.OrderFailed{} })
	bind("InventoryReserved", func() any { return &ordersaga.InventoryReserved{} })
}

// Shutdown deregisters the instance and closes the broker connection.
func (a *App) Shutdown(ctx context.Context) error {
	if a.registrar != nil {
		if err := a.registrar.Close(ctx); err != nil {
			a.log.Error("deregister failed", slog.Any("error", err))
		}
	}
	if a.shutdownTracer != nil {
		a.shutdownTracer()
	}
	_ = a.sagaRepo.Close()
	_ = a.itemsDB.Close()
	return a.transport.Close()
}
