package http

import (
	"net/http"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/solrqueue/solrqueue/internal/logging"
	"github.com/solrqueue/solrqueue/internal/observability"
)

// Services are the components the API exposes. Replayer and Events may be
// nil when delayed monitoring is off.
type Services struct {
	Sites       Sites
	Queue       QueueStatistics
	Events      EventQueueCounter
	Runs        *observability.RunStats
	Initializer QueueInitializer
	Indexer     Indexer
	Replayer    Replayer
	Connections ConnectionUpdater
	Detector    ChangeDetector
	Health      *HealthHandler

	DefaultMaxDocuments   int
	DefaultEventQueueSize int
}

// NewRouter builds the API handler tree.
func NewRouter(s Services, logger logrus.FieldLogger, middlewares ...func(http.Handler) http.Handler) http.Handler {
	logger = logging.OrDiscard(logger)

	health := s.Health
	if health == nil {
		health = NewHealthHandler(nil)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", health)
	mux.Handle("GET /v1/queue/statistics", NewStatisticsHandler(s.Sites, s.Queue, s.Events, s.Runs))
	mux.Handle("POST /v1/queue/initialize", NewInitializeHandler(s.Sites, s.Initializer))
	mux.Handle("POST /v1/index", NewIndexHandler(s.Sites, s.Indexer, s.DefaultMaxDocuments))
	mux.Handle("POST /v1/connections/update", NewConnectionsHandler(s.Connections))
	mux.Handle("POST /v1/hooks/record", NewRecordHookHandler(s.Detector))
	if s.Replayer != nil {
		mux.Handle("POST /v1/eventqueue/process", NewEventQueueHandler(s.Replayer, s.DefaultEventQueueSize))
	}

	chain := append([]func(http.Handler) http.Handler{
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger),
	}, middlewares...)
	return otelhttp.NewHandler(ChainMiddleware(chain...)(mux), "solrqueue-api")
}
