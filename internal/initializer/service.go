package initializer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/solrqueue/solrqueue/internal/config"
	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
	"github.com/solrqueue/solrqueue/internal/logging"
	"github.com/solrqueue/solrqueue/internal/notify"
	"github.com/solrqueue/solrqueue/internal/observability"
	"github.com/solrqueue/solrqueue/internal/site"
	"github.com/solrqueue/solrqueue/internal/store"
)

const tracerName = "github.com/solrqueue/solrqueue/internal/initializer"

// AllConfigurations selects every indexing configuration of a site.
const AllConfigurations = "*"

// Result is the outcome of initializing one indexing configuration.
type Result struct {
	Table string `json:"table"`
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

// AfterQueueInitialized is emitted once per initialized configuration.
type AfterQueueInitialized struct {
	Site          *site.Site
	Configuration string
	Table         string
	Count         int
	Err           error
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = l }
}

// WithRegistry replaces the default initializer registry.
func WithRegistry(r *Registry) Option {
	return func(s *Service) { s.registry = r }
}

// WithStats records every initialization in rs.
func WithStats(rs *observability.RunStats) Option {
	return func(s *Service) { s.stats = rs }
}

// Service initializes the index queue of sites.
type Service struct {
	records  store.RecordStore
	tree     PageTree
	queue    QueueWriter
	sites    *site.Repository
	cfg      *config.Config
	registry *Registry
	stats    *observability.RunStats
	now      func() time.Time
	logger   logrus.FieldLogger
	tracer   trace.Tracer

	initialized *notify.Listeners[AfterQueueInitialized]
}

// NewService creates an initialization service.
func NewService(records store.RecordStore, tree PageTree, q QueueWriter, sites *site.Repository, cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		records:     records,
		tree:        tree,
		queue:       q,
		sites:       sites,
		cfg:         cfg,
		registry:    NewRegistry(),
		now:         time.Now,
		tracer:      otel.Tracer(tracerName),
		initialized: notify.New[AfterQueueInitialized]("after-queue-initialized"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger)
	return s
}

// Registry returns the initializer registry.
func (s *Service) Registry() *Registry { return s.registry }

// OnQueueInitialized registers a listener called after every configuration.
func (s *Service) OnQueueInitialized(l notify.Listener[AfterQueueInitialized]) {
	s.initialized.Add(l)
}

// InitializeBySiteAndIndexConfiguration rebuilds the queue rows of one
// configuration of a site, or of all of them for AllConfigurations. With
// AllConfigurations a failing configuration is reported in its result and
// the others still run; a single named configuration returns its error.
func (s *Service) InitializeBySiteAndIndexConfiguration(ctx context.Context, st *site.Site, name string) (map[string]Result, error) {
	if name == AllConfigurations {
		return s.InitializeBySite(ctx, st)
	}
	ic, err := st.IndexingConfiguration(name)
	if err != nil {
		return nil, err
	}
	res, err := s.initialize(ctx, st, ic)
	return map[string]Result{ic.Name: res}, err
}

// InitializeBySite rebuilds the queue rows of every configuration of a site.
func (s *Service) InitializeBySite(ctx context.Context, st *site.Site) (map[string]Result, error) {
	out := make(map[string]Result)
	for _, ic := range st.IndexingConfigurations() {
		out[ic.Name], _ = s.initialize(ctx, st, ic)
	}
	return out, nil
}

// InitializeAll rebuilds the queue of every site, keyed by root page id.
func (s *Service) InitializeAll(ctx context.Context) (map[int64]map[string]Result, error) {
	out := make(map[int64]map[string]Result)
	for _, st := range s.sites.GetAvailableSites() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := s.InitializeBySite(ctx, st)
		if err != nil {
			return out, err
		}
		out[st.RootPageID] = res
	}
	return out, nil
}

func (s *Service) initialize(ctx context.Context, st *site.Site, ic *config.IndexingConfig) (Result, error) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "InitializeQueue")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("root", st.RootPageID),
		attribute.String("configuration", ic.Name),
		attribute.String("table", ic.Table),
	)

	res := Result{Table: ic.Table}
	count, err := s.run(ctx, st, ic)
	res.Count = count

	logger := s.logger.WithFields(logrus.Fields{
		"root":          st.RootPageID,
		"configuration": ic.Name,
		"table":         ic.Table,
	})
	failed := 0
	if err != nil {
		failed = 1
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.stats.RecordError(observability.OpInitialize, sqerrors.GetCode(err))
		logger.WithError(err).Error("initializer: queue initialization failed")
	} else {
		span.SetAttributes(attribute.Int("count", count))
		logger.WithField("count", count).Info("initializer: queue initialized")
	}
	s.stats.RecordRun(observability.OpInitialize, count, failed, s.now().Sub(start))

	s.initialized.Notify(ctx, s.logger, AfterQueueInitialized{
		Site:          st,
		Configuration: ic.Name,
		Table:         ic.Table,
		Count:         count,
		Err:           err,
	})
	return res, err
}

func (s *Service) run(ctx context.Context, st *site.Site, ic *config.IndexingConfig) (int, error) {
	init, err := s.registry.New(ic.Type, Deps{
		Records: s.records,
		Tree:    s.tree,
		Queue:   s.queue,
		Config:  s.cfg,
		Now:     s.now,
	})
	if err != nil {
		return 0, err
	}
	return init.Initialize(ctx, st, ic)
}
