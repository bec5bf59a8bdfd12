package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/orders/internal/platform/config"
	"github.com/hanko-field/orders/internal/platform/events"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/platform/idempotency"
	"github.com/hanko-field/orders/internal/platform/observability"
	"github.com/hanko-field/orders/internal/repositories"
	firestoreRepo "github.com/hanko-field/orders/internal/repositories/firestore"
	"github.com/hanko-field/orders/internal/repositories/memory"
	"github.com/hanko-field/orders/internal/repositories/postgres"
	"github.com/hanko-field/orders/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders    services.OrderService
	Inventory services.InventoryService
	Payments  services.PaymentService
	Reporting services.ReportingService
	Counters  services.CounterService
	Audit     services.AuditLogService
	System    services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Events       *events.Publisher

	closers []func() error
}

// Option customises container construction.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	clock        func() time.Time
	sink         events.Sink
	reportWriter services.ReportWriter
	build        services.BuildInfo
	checks       []repositories.DependencyCheck
	closers      []func() error
}

// WithLogger sets the base logger used for service events.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides time.Now for every service.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithEventSink sets the broker sink. The sink is wrapped in a circuit breaker; without one events
// are written to the log.
func WithEventSink(sink events.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithReportWriter enables report exports.
func WithReportWriter(writer services.ReportWriter) Option {
	return func(o *options) { o.reportWriter = writer }
}

// WithBuildInfo sets the build metadata reported by the system service.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *options) { o.build = build }
}

// WithDependencyChecks adds readiness checks beyond storage and events.
func WithDependencyChecks(checks ...repositories.DependencyCheck) Option {
	return func(o *options) { o.checks = append(o.checks, checks...) }
}

// WithCloser registers a function run by Container.Close after the registry is closed.
func WithCloser(fn func() error) Option {
	return func(o *options) {
		if fn != nil {
			o.closers = append(o.closers, fn)
		}
	}
}

// NewContainer constructs the runtime dependencies. Production wiring supplies the storage driver
// selected by configuration, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	o := options{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	sink := o.sink
	if sink == nil {
		sink = events.NewLogSink(o.logger.Named("events"))
	}
	breaker := events.NewBreakerSink(sink, events.BreakerSettings{
		Name:                "events-" + cfg.Events.Driver,
		ConsecutiveFailures: cfg.Events.BreakerFailures,
		OpenTimeout:         cfg.Events.BreakerTimeout,
		Logger:              o.logger.Named("events"),
	})
	publisher, err := events.NewPublisher(breaker, events.WithClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("build event publisher: %w", err)
	}

	checks := []repositories.DependencyCheck{
		{Name: "storage", Timeout: 1500 * time.Millisecond, Check: reg.Ping},
		{Name: "events", Timeout: time.Second, Optional: true, Check: breaker.Ping},
	}
	checks = append(checks, o.checks...)

	svc, err := buildServices(ctx, cfg, reg, publisher, checks, o)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
		Events:       publisher,
		closers:      o.closers,
	}, nil
}

// Close flushes the event sink and releases repository clients and any registered closers.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Events != nil {
		errs = append(errs, c.Events.Close())
	}
	if c.Repositories != nil {
		errs = append(errs, c.Repositories.Close(ctx))
	}
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

func buildServices(_ context.Context, cfg config.Config, reg repositories.Registry, publisher *events.Publisher, checks []repositories.DependencyCheck, o options) (Services, error) {
	var svc Services
	eventLogger := observability.NewEventLogger(o.logger.Named("services"))

	auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository: reg.AuditLogs(),
		Clock:      o.clock,
		Logger:     observability.NewPrintfAdapter(o.logger.Named("audit")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build audit log service: %w", err)
	}
	svc.Audit = auditSvc

	numberZone, err := time.LoadLocation(cfg.Orders.NumberTimeZone)
	if err != nil {
		return Services{}, fmt.Errorf("order number time zone: %w", err)
	}
	counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
		Repository: reg.Counters(),
		Clock:      o.clock,
		Prefix:     cfg.Orders.NumberPrefix,
		Location:   numberZone,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build counter service: %w", err)
	}
	svc.Counters = counterSvc

	inventorySvc, err := services.NewInventoryService(services.InventoryServiceDeps{
		Inventory:         reg.Inventory(),
		Audit:             auditSvc,
		Clock:             o.clock,
		Logger:            eventLogger,
		LowStockThreshold: cfg.Orders.LowStockThreshold,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory service: %w", err)
	}
	svc.Inventory = inventorySvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Counters:   counterSvc,
		Inventory:  inventorySvc,
		UnitOfWork: reg,
		Audit:      auditSvc,
		Clock:      o.clock,
		Events:     publisher,
		Logger:     eventLogger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Payments:    reg.Payments(),
		Orders:      reg.Orders(),
		Inventory:   inventorySvc,
		UnitOfWork:  reg,
		Audit:       auditSvc,
		Clock:       o.clock,
		Events:      publisher,
		OrderEvents: publisher,
		Logger:      eventLogger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	reportingSvc, err := services.NewReportingService(services.ReportingServiceDeps{
		Orders:  reg.Orders(),
		Writer:  o.reportWriter,
		Clock:   o.clock,
		MaxRows: cfg.Reports.MaxRows,
		Logger:  eventLogger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reporting service: %w", err)
	}
	svc.Reporting = reportingSvc

	healthRepo, err := repositories.NewDependencyHealthRepository(checks, repositories.WithDependencyClock(o.clock))
	if err != nil {
		return Services{}, fmt.Errorf("build health repository: %w", err)
	}
	build := o.build
	if build.StartedAt.IsZero() {
		build.StartedAt = o.clock().UTC()
	}
	if build.Environment == "" {
		build.Environment = cfg.Security.Environment
	}
	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Clock:            o.clock,
		Build:            build,
		RequiredChecks:   []string{"storage"},
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = systemSvc

	return svc, nil
}

// Storage is the persistence backend selected by Storage.Driver together with the idempotency
// store that lives beside it.
type Storage struct {
	Registry    repositories.Registry
	Idempotency idempotency.Store
}

// OpenStorage connects the configured storage driver.
func OpenStorage(ctx context.Context, cfg config.Config, firestoreOpts ...option.ClientOption) (Storage, error) {
	switch cfg.Storage.Driver {
	case config.StorageFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore, firestoreOpts...)
		if _, err := provider.Client(ctx); err != nil {
			return Storage{}, fmt.Errorf("connect firestore: %w", err)
		}
		reg, err := firestoreRepo.NewRegistry(provider)
		if err != nil {
			_ = provider.Close(ctx)
			return Storage{}, fmt.Errorf("build firestore registry: %w", err)
		}
		return Storage{Registry: reg, Idempotency: idempotency.NewFirestoreStore(provider)}, nil
	case config.StoragePostgres:
		reg, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return Storage{}, fmt.Errorf("connect postgres: %w", err)
		}
		return Storage{Registry: reg, Idempotency: idempotency.NewPostgresStore(reg.Pool())}, nil
	case config.StorageMemory:
		return Storage{Registry: memory.NewRegistry(), Idempotency: idempotency.NewMemoryStore()}, nil
	default:
		return Storage{}, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

// OpenEventSink connects the configured broker. The returned closer releases broker clients the
// sink does not own.
func OpenEventSink(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger) (events.Sink, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Driver {
	case config.EventsPubSub:
		client, err := pubsub.NewClient(ctx, strings.TrimSpace(cfg.ProjectID))
		if err != nil {
			return nil, noop, fmt.Errorf("connect pubsub: %w", err)
		}
		sink, err := events.NewPubSubSink(client.Topic(cfg.Topic))
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return sink, client.Close, nil
	case config.EventsKafka:
		sink, err := events.DialKafka(cfg.KafkaBrokers, cfg.Topic)
		if err != nil {
			return nil, noop, fmt.Errorf("connect kafka: %w", err)
		}
		return sink, noop, nil
	case config.EventsLog, "":
		return events.NewLogSink(logger), noop, nil
	default:
		return nil, noop, fmt.Errorf("unsupported events driver %q", cfg.Driver)
	}
}
