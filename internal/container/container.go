package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/garyjia/devportal-approvals/internal/application/action"
	"github.com/garyjia/devportal-approvals/internal/application/dispatcher"
	"github.com/garyjia/devportal-approvals/internal/application/port"
	"github.com/garyjia/devportal-approvals/internal/application/service"
	"github.com/garyjia/devportal-approvals/internal/config"
	"github.com/garyjia/devportal-approvals/internal/infrastructure/eventsink"
	"github.com/garyjia/devportal-approvals/internal/infrastructure/metrics"
	"github.com/garyjia/devportal-approvals/internal/infrastructure/notify"
	"github.com/garyjia/devportal-approvals/internal/infrastructure/persistence/sqlstore"
	"github.com/garyjia/devportal-approvals/internal/infrastructure/worker"
	apihttp "github.com/garyjia/devportal-approvals/internal/interfaces/http"
	"github.com/garyjia/devportal-approvals/pkg/database"
	"github.com/garyjia/devportal-approvals/pkg/utils"
)

// Container manages all application dependencies and lifecycle.
// Components are initialized in dependency order and torn down in reverse.
type Container struct {
	config *config.Config
	logger *zap.Logger

	db    *database.DB
	store *sqlstore.ApprovalStore

	redisClient *redis.Client
	notifier    port.DecisionNotifier
	kafkaSink   *eventsink.KafkaSink
	metrics     *metrics.Metrics
	dispatcher  dispatcher.Dispatcher

	approvals service.ApprovalService
	actions   *action.Registry

	server  *apihttp.Server
	workers *worker.Manager

	mu     sync.Mutex
	ready  atomic.Bool
	closed atomic.Bool
}

// HealthStatus represents the health of all components
type HealthStatus struct {
	Overall    bool                       `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents health of a single component
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// NewContainer creates a new container from configuration.
// It does not initialize components - call Start() to initialize.
func NewContainer(cfg *config.Config, logger *zap.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Container{config: cfg, logger: logger}, nil
}

// Start initializes all components and starts background workers:
// 1. Database and store
// 2. Event dispatcher, notifier and event subscribers
// 3. Approval service and workflow actions
// 4. HTTP server (not yet listening)
// 5. Workers
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container has been closed")
	}
	if c.ready.Load() {
		return fmt.Errorf("container already started")
	}

	c.logger.Info("Starting container initialization")

	if err := c.initDatabase(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	c.logger.Info("Database initialized", zap.String("driver", c.db.Driver()))

	if err := c.initEvents(ctx); err != nil {
		return fmt.Errorf("failed to initialize events: %w", err)
	}

	if err := c.initServices(); err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := c.initServer(); err != nil {
		return fmt.Errorf("failed to initialize http server: %w", err)
	}

	if err := c.initWorkers(ctx); err != nil {
		return fmt.Errorf("failed to initialize workers: %w", err)
	}

	c.ready.Store(true)
	c.logger.Info("Container started successfully")
	return nil
}

// Serve blocks serving HTTP until ctx is done
func (c *Container) Serve(ctx context.Context) error {
	if !c.ready.Load() {
		return fmt.Errorf("container not started")
	}
	return c.server.Start(ctx)
}

// Close gracefully shuts down all components in reverse order
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container already closed")
	}
	c.logger.Info("Closing container")

	var errs []error
	closeStep := func(name string, fn func() error) {
		if err := fn(); err != nil {
			c.logger.Error("Failed to close component", zap.String("component", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}

	if c.workers != nil {
		closeStep("workers", c.workers.StopAll)
	}
	if c.server != nil {
		closeStep("http server", c.server.Stop)
	}
	// Drains in-flight async handlers before their sinks close
	if c.dispatcher != nil {
		closeStep("dispatcher", c.dispatcher.Close)
	}
	if c.kafkaSink != nil {
		closeStep("kafka sink", c.kafkaSink.Close)
	}
	if c.redisClient != nil {
		closeStep("redis", c.redisClient.Close)
	}
	if c.db != nil {
		closeStep("database", c.db.Close)
	}

	c.closed.Store(true)
	c.ready.Store(false)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.logger.Info("Container closed successfully")
	return nil
}

// Ready returns true when all components are initialized
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Health returns health status of all components
func (c *Container) Health(ctx context.Context) *HealthStatus {
	status := &HealthStatus{Overall: true, Components: make(map[string]ComponentHealth)}
	set := func(name string, err error) {
		if err != nil {
			status.Components[name] = ComponentHealth{Healthy: false, Message: err.Error()}
			status.Overall = false
			return
		}
		status.Components[name] = ComponentHealth{Healthy: true}
	}

	if c.db == nil {
		set("database", fmt.Errorf("not initialized"))
	} else {
		set("database", c.db.PingContext(ctx))
	}

	if c.redisClient != nil {
		set("redis", c.redisClient.Ping(ctx).Err())
	}

	if c.workers == nil || !c.workers.IsRunning() {
		set("workers", fmt.Errorf("not running"))
	} else {
		set("workers", nil)
	}

	return status
}

// healthCheck adapts Health to the HTTP server's readiness probe
func (c *Container) healthCheck(ctx context.Context) error {
	status := c.Health(ctx)
	if status.Overall {
		return nil
	}
	var errs []error
	for name, comp := range status.Components {
		if !comp.Healthy {
			errs = append(errs, fmt.Errorf("%s: %s", name, comp.Message))
		}
	}
	return errors.Join(errs...)
}

func (c *Container) initDatabase(ctx context.Context) error {
	db, err := ProvideDatabase(ctx, c.config.Database, c.logger)
	if err != nil {
		return err
	}
	c.db = db
	c.store = sqlstore.NewApprovalStore(db, c.logger)
	return nil
}

func (c *Container) initEvents(ctx context.Context) error {
	c.dispatcher = ProvideDispatcher(c.logger)

	notifier, client, err := ProvideNotifier(ctx, c.config.Redis, c.logger)
	if err != nil {
		return err
	}
	c.notifier = notifier
	c.redisClient = client

	subscribers := []dispatcher.Subscriber{notify.NewEventBridge(notifier)}

	if c.config.Metrics.Enabled {
		c.metrics = metrics.New()
		subscribers = append(subscribers, c.metrics)
	}
	if sink := ProvideKafkaSink(c.config.Kafka, c.logger); sink != nil {
		c.kafkaSink = sink
		subscribers = append(subscribers, sink)
	}
	if lark := ProvideLarkNotifier(c.config.Lark, c.logger); lark != nil {
		subscribers = append(subscribers, lark)
	}

	for _, s := range subscribers {
		s.Register(c.dispatcher)
	}
	c.logger.Info("Event subscribers registered", zap.Int("count", len(subscribers)))
	return nil
}

func (c *Container) initServices() error {
	catalog, err := ProvideCatalog(c.config.Catalog, c.logger)
	if err != nil {
		return err
	}

	c.approvals = service.NewApprovalService(service.Dependencies{
		Store:    c.store,
		Catalog:  catalog,
		Notifier: c.notifier,
		Events:   c.dispatcher,
		Logger:   utils.NewSugarAdapter(c.logger),
	}, service.Options{
		PollInterval:           c.config.Approval.PollInterval,
		MaxConsecutiveFailures: c.config.Approval.MaxConsecutiveFailures,
	})

	c.actions = action.NewRegistry(action.NewApprovalAction(c.approvals, utils.NewSugarAdapter(c.logger)))
	return nil
}

func (c *Container) initServer() error {
	resolver, err := ProvideIdentity(c.config.Auth)
	if err != nil {
		return err
	}
	policy, err := ProvidePolicy(c.config.Permission, c.logger)
	if err != nil {
		return err
	}

	deps := apihttp.Dependencies{
		Service: c.approvals,
		Logger:  utils.NewSugarAdapter(c.logger),
		Health:  c.healthCheck,
	}
	// Typed nils must not reach the interface fields
	if resolver != nil {
		deps.Identity = resolver
	}
	if policy != nil {
		deps.Authorizer = policy
	}
	if c.metrics != nil {
		deps.Metrics = c.metrics
	}

	srv := c.config.Server
	c.server = apihttp.NewServer(apihttp.ServerConfig{
		Host:             srv.Host,
		Port:             srv.Port,
		ReadTimeout:      srv.ReadTimeout,
		WriteTimeout:     srv.WriteTimeout,
		ShutdownTimeout:  srv.ShutdownTimeout,
		DevUserHeader:    c.config.Auth.DevUserHeader,
		DefaultApprovers: c.config.Approval.DefaultApprovers,
		RestrictCreate:   c.config.Permission.Enabled && c.config.Permission.RestrictCreate,
	}, deps)
	return nil
}

func (c *Container) initWorkers(ctx context.Context) error {
	c.workers = worker.NewManager(c.logger)
	c.workers.Register(worker.NewExpirySweeper(worker.SweeperConfig{
		Interval:  c.config.Approval.SweepInterval,
		BatchSize: c.config.Approval.SweepBatch,
	}, c.approvals, c.logger))

	return c.workers.StartAll(ctx)
}

// Approvals returns the approval service
func (c *Container) Approvals() service.ApprovalService {
	return c.approvals
}

// Actions returns the workflow action registry
func (c *Container) Actions() *action.Registry {
	return c.actions
}

// Server returns the HTTP server
func (c *Container) Server() *apihttp.Server {
	return c.server
}

// Dispatcher returns the event dispatcher
func (c *Container) Dispatcher() dispatcher.Dispatcher {
	return c.dispatcher
}

// Logger returns the container's logger
func (c *Container) Logger() *zap.Logger {
	return c.logger
}
