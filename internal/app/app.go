// Package app wires the index queue components together and manages their
// lifecycle.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	httpapi "github.com/solrqueue/solrqueue/internal/api/http"
	"github.com/solrqueue/solrqueue/internal/cache"
	"github.com/solrqueue/solrqueue/internal/config"
	"github.com/solrqueue/solrqueue/internal/eventqueue"
	"github.com/solrqueue/solrqueue/internal/events"
	"github.com/solrqueue/solrqueue/internal/garbage"
	"github.com/solrqueue/solrqueue/internal/indexer"
	"github.com/solrqueue/solrqueue/internal/initializer"
	"github.com/solrqueue/solrqueue/internal/logging"
	"github.com/solrqueue/solrqueue/internal/observability"
	"github.com/solrqueue/solrqueue/internal/queue"
	"github.com/solrqueue/solrqueue/internal/rootpage"
	"github.com/solrqueue/solrqueue/internal/scheduler"
	"github.com/solrqueue/solrqueue/internal/server"
	"github.com/solrqueue/solrqueue/internal/site"
	"github.com/solrqueue/solrqueue/internal/solr"
	"github.com/solrqueue/solrqueue/internal/store"
	"github.com/solrqueue/solrqueue/internal/update"
)

// statsWindow is how long finished runs stay in the run statistics.
const statsWindow = 24 * time.Hour

// App owns every component of the index queue.
type App struct {
	cfg    *config.Config
	logger logrus.FieldLogger
	now    func() time.Time

	// Shared resources
	db        *sql.DB
	recordsDB *sql.DB
	redis     redis.UniversalClient
	shutdown  *server.ShutdownManager

	// Components
	records     store.RecordStore
	sites       *site.Repository
	resolver    *rootpage.Resolver
	queue       *queue.Queue
	conns       *solr.ConnectionManager
	remover     *garbage.Remover
	handler     *update.Handler
	events      *eventqueue.Repository
	processor   *eventqueue.Processor
	detector    *events.Detector
	stats       *observability.RunStats
	indexer     *indexer.Service
	initializer *initializer.Service
	daemon      *scheduler.Daemon

	httpServer *http.Server
	listener   net.Listener

	// Lifecycle
	mu      sync.Mutex
	opened  bool
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures an App.
type Option func(*App)

// WithClock sets the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// New creates an App with the given configuration. Resources are acquired by
// Open or Start.
func New(cfg *config.Config, logger logrus.FieldLogger, opts ...Option) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &App{
		cfg:    cfg,
		logger: logging.OrDiscard(logger),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig(), a.logger)
	return a, nil
}

// Open acquires the databases and the cache and builds every component.
// It is a no-op when already open.
func (a *App) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opened {
		return nil
	}
	if err := a.initSharedResources(ctx); err != nil {
		a.closeResources()
		return err
	}
	a.shutdown.RegisterCloser("resources", server.CloserFunc(func() error {
		a.closeResources()
		return nil
	}))
	a.buildComponents()
	a.opened = true
	return nil
}

func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	a.db, err = store.Open(a.cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open queue database: %w", err)
	}
	a.recordsDB = a.db
	if a.cfg.Database.RecordsPath != a.cfg.Database.Path {
		a.recordsDB, err = store.Open(a.cfg.Database.RecordsPath)
		if err != nil {
			return fmt.Errorf("failed to open records database: %w", err)
		}
	}

	if a.cfg.Cache.RedisURL != "" {
		opts, err := redis.ParseURL(a.cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid cache.redis_url: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = client
	}
	return nil
}

func (a *App) buildComponents() {
	cfg, logger := a.cfg, a.logger

	var remote *cache.Cache[[]int64]
	if a.redis != nil {
		remote = cache.New(cache.Options[[]int64]{
			Client: a.redis,
			Prefix: cfg.Cache.Prefix + ":rootpage",
		})
	}
	rootCache := cache.NewTwoLevel(remote, cfg.Cache.TTL, logger.WithField("component", "cache"))

	a.records = store.NewSQLRecordStore(a.recordsDB)
	a.sites = site.NewRepository(cfg)
	a.resolver = rootpage.NewResolver(a.records, a.sites, cfg, rootCache, logger.WithField("component", "rootpage"))
	a.stats = observability.NewRunStats(statsWindow)

	a.queue = queue.New(a.db, a.records, a.resolver, a.sites, cfg,
		queue.WithClock(a.now),
		queue.WithLogger(logger.WithField("component", "queue")),
	)
	a.conns = solr.NewConnectionManager(a.sites, cfg.Solr, logger.WithField("component", "solr"))
	a.remover = garbage.NewRemover(a.queue, a.resolver, a.sites, a.conns, cfg.Solr.Commit, logger.WithField("component", "garbage"))
	a.remover.SetStats(a.stats)
	a.handler = update.NewHandler(a.queue, a.records, a.resolver, a.remover, cfg,
		update.WithClock(a.now),
		update.WithLogger(logger.WithField("component", "update")),
	)

	a.events = eventqueue.NewRepository(a.db,
		eventqueue.WithClock(a.now),
		eventqueue.WithLogger(logger.WithField("component", "eventqueue")),
	)
	a.processor = eventqueue.NewProcessor(a.events, a.handler, logger.WithField("component", "eventqueue"))

	var enqueuer events.Enqueuer
	if a.delayed() {
		enqueuer = a.events
	}
	a.detector = events.NewDetector(cfg, a.handler, enqueuer,
		events.WithDetectorClock(a.now),
		events.WithDetectorLogger(logger.WithField("component", "events")),
	)

	a.indexer = indexer.NewService(a.queue, a.records, a.sites, a.conns, cfg,
		indexer.WithClock(a.now),
		indexer.WithLogger(logger.WithField("component", "indexer")),
		indexer.WithStats(a.stats),
		indexer.WithBatchSize(cfg.Scheduler.BatchSize),
	)
	a.initializer = initializer.NewService(a.records, a.resolver, a.queue, a.sites, cfg,
		initializer.WithClock(a.now),
		initializer.WithLogger(logger.WithField("component", "initializer")),
		initializer.WithStats(a.stats),
	)

	var replayer scheduler.Replayer
	if a.delayed() {
		replayer = a.processor
	}
	a.daemon = scheduler.NewDaemon(cfg.Scheduler, replayer, a.indexer, a.stats, logger.WithField("component", "scheduler"))
	a.daemon.AfterCycle(a.resolver.ResetRequestCache)
	a.daemon.SetThrottle(scheduler.NewThrottle(scheduler.ThrottleConfig{
		MaxDocuments: cfg.Scheduler.MaxDocuments,
		MinDocuments: cfg.Scheduler.BatchSize,
	}))
}

func (a *App) delayed() bool {
	return a.cfg.Monitoring.Mode == config.MonitoringDelayed
}

// Start opens the app, starts the scheduler when enabled and serves the HTTP
// API on cfg.HTTP.Addr.
func (a *App) Start(ctx context.Context) error {
	if err := a.Open(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.cfg.Scheduler.Enabled {
		if err := a.daemon.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		a.shutdown.RegisterCloser("scheduler", a.daemon)
	}

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.listener = ln
	a.httpServer = &http.Server{
		Handler:      a.Router(),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	errCh := a.shutdown.Serve(a.httpServer, ln)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err, ok := <-errCh; ok && err != nil {
			a.logger.WithError(err).Error("app: http server failed")
		}
	}()

	a.running = true
	a.logger.WithFields(logrus.Fields{
		"addr":       ln.Addr().String(),
		"monitoring": a.cfg.Monitoring.Mode,
		"scheduler":  a.cfg.Scheduler.Enabled,
		"sites":      len(a.cfg.Sites),
	}).Info("app: started")
	return nil
}

// Router builds the HTTP API over the app's components. The app must be open.
func (a *App) Router() http.Handler {
	svc := httpapi.Services{
		Sites:                 a.sites,
		Queue:                 a.queue,
		Events:                a.events,
		Runs:                  a.stats,
		Initializer:           a.initializer,
		Indexer:               a.indexer,
		Connections:           a.conns,
		Detector:              a.detector,
		Health:                httpapi.NewHealthHandler(a.db.PingContext),
		DefaultMaxDocuments:   a.cfg.Scheduler.MaxDocuments,
		DefaultEventQueueSize: a.cfg.Scheduler.EventQueueLimit,
	}
	if a.delayed() {
		svc.Replayer = a.processor
	}
	return httpapi.NewRouter(svc, a.logger.WithField("component", "http"),
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RequestScopeMiddleware(a.resolver.ResetRequestCache))
}

// Stop stops the HTTP server and the scheduler, then releases every resource.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("app: shutdown timeout, some goroutines may not have finished")
	}

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	a.logger.Info("app: stopped")
	return err
}

// Close releases every resource of an app that was opened but not started.
func (a *App) Close() error {
	return a.Stop(context.Background())
}

// WaitForShutdown blocks until a shutdown signal is received or ctx is done.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}

func (a *App) closeResources() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.WithError(err).Warn("app: failed to close redis client")
		}
	}
	if a.recordsDB != nil && a.recordsDB != a.db {
		if err := a.recordsDB.Close(); err != nil {
			a.logger.WithError(err).Warn("app: failed to close records database")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.WithError(err).Warn("app: failed to close queue database")
		}
	}
}

// Addr returns the address the HTTP API listens on, empty before Start.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config { return a.cfg }

// DB returns the queue database.
func (a *App) DB() *sql.DB { return a.db }

// RecordsDB returns the CMS record database.
func (a *App) RecordsDB() *sql.DB { return a.recordsDB }

// Sites returns the site repository.
func (a *App) Sites() *site.Repository { return a.sites }

// Queue returns the index queue.
func (a *App) Queue() *queue.Queue { return a.queue }

// Resolver returns the root page resolver.
func (a *App) Resolver() *rootpage.Resolver { return a.resolver }

// Connections returns the Solr connection manager.
func (a *App) Connections() *solr.ConnectionManager { return a.conns }

// Remover returns the garbage remover.
func (a *App) Remover() *garbage.Remover { return a.remover }

// EventQueue returns the event queue repository.
func (a *App) EventQueue() *eventqueue.Repository { return a.events }

// Processor returns the event queue processor.
func (a *App) Processor() *eventqueue.Processor { return a.processor }

// Detector returns the record change detector.
func (a *App) Detector() *events.Detector { return a.detector }

// Indexer returns the index service.
func (a *App) Indexer() *indexer.Service { return a.indexer }

// Initializer returns the queue initialization service.
func (a *App) Initializer() *initializer.Service { return a.initializer }

// Scheduler returns the scheduler daemon.
func (a *App) Scheduler() *scheduler.Daemon { return a.daemon }

// Stats returns the run statistics.
func (a *App) Stats() *observability.RunStats { return a.stats }
