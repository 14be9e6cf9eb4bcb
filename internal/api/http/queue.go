package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/solrqueue/solrqueue/internal/indexer"
	"github.com/solrqueue/solrqueue/internal/initializer"
	"github.com/solrqueue/solrqueue/internal/observability"
	"github.com/solrqueue/solrqueue/internal/queue"
	"github.com/solrqueue/solrqueue/internal/site"
)

// Sites looks up configured sites.
type Sites interface {
	GetSiteByRootPageID(root int64) (*site.Site, error)
	GetAvailableSites() []*site.Site
}

// QueueStatistics reads queue counters.
type QueueStatistics interface {
	GetStatisticsFor(ctx context.Context, root int64) (queue.Statistics, error)
	GetStatisticsByConfiguration(ctx context.Context, root int64) (map[string]queue.Statistics, error)
}

// EventQueueCounter counts deferred events.
type EventQueueCounter interface {
	Count(ctx context.Context) (total, erroneous int64, err error)
}

// QueueInitializer rebuilds queue rows.
type QueueInitializer interface {
	InitializeBySiteAndIndexConfiguration(ctx context.Context, s *site.Site, name string) (map[string]initializer.Result, error)
	InitializeAll(ctx context.Context) (map[int64]map[string]initializer.Result, error)
}

// Indexer runs index passes.
type Indexer interface {
	IndexItems(ctx context.Context, maxDocuments int, roots ...int64) (*indexer.RunResult, error)
}

// SiteStatistics is the queue state of one site.
type SiteStatistics struct {
	RootPageID     int64                       `json:"root_page_id"`
	Name           string                      `json:"name"`
	Queue          queue.Statistics            `json:"queue"`
	SuccessPercent float64                     `json:"success_percent"`
	Configurations map[string]queue.Statistics `json:"configurations"`
}

// EventQueueStatistics is the state of the event queue.
type EventQueueStatistics struct {
	Total     int64 `json:"total"`
	Erroneous int64 `json:"erroneous"`
}

// StatisticsResponse is the body of GET /v1/queue/statistics.
type StatisticsResponse struct {
	Sites      []SiteStatistics               `json:"sites"`
	EventQueue *EventQueueStatistics          `json:"event_queue,omitempty"`
	Runs       []observability.OperationStats `json:"runs,omitempty"`
	RequestID  string                         `json:"request_id"`
}

// StatisticsHandler serves GET /v1/queue/statistics[?site=N].
type StatisticsHandler struct {
	sites  Sites
	queue  QueueStatistics
	events EventQueueCounter
	runs   *observability.RunStats
}

// NewStatisticsHandler creates a statistics handler. events and runs may be
// nil.
func NewStatisticsHandler(sites Sites, q QueueStatistics, events EventQueueCounter, runs *observability.RunStats) *StatisticsHandler {
	return &StatisticsHandler{sites: sites, queue: q, events: events, runs: runs}
}

// ServeHTTP handles the statistics request.
func (h *StatisticsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	targets, ok := resolveSites(w, r, h.sites)
	if !ok {
		return
	}

	resp := StatisticsResponse{RequestID: GetRequestID(r.Context())}
	for _, s := range targets {
		st, err := h.queue.GetStatisticsFor(r.Context(), s.RootPageID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		byConfig, err := h.queue.GetStatisticsByConfiguration(r.Context(), s.RootPageID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Sites = append(resp.Sites, SiteStatistics{
			RootPageID:     s.RootPageID,
			Name:           s.Name,
			Queue:          st,
			SuccessPercent: st.SuccessPercentage(),
			Configurations: byConfig,
		})
	}

	if h.events != nil {
		total, erroneous, err := h.events.Count(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.EventQueue = &EventQueueStatistics{Total: total, Erroneous: erroneous}
	}
	if h.runs != nil {
		resp.Runs = h.runs.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

// InitializeResponse is the body of POST /v1/queue/initialize.
type InitializeResponse struct {
	Results   map[int64]map[string]initializer.Result `json:"results"`
	RequestID string                                  `json:"request_id"`
}

// InitializeHandler serves POST /v1/queue/initialize?site=N&config=name.
// Without site every site is initialized with every configuration.
type InitializeHandler struct {
	sites Sites
	init  QueueInitializer
}

// NewInitializeHandler creates an initialize handler.
func NewInitializeHandler(sites Sites, init QueueInitializer) *InitializeHandler {
	return &InitializeHandler{sites: sites, init: init}
}

// ServeHTTP handles the initialize request.
func (h *InitializeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	root, hasRoot, err := int64Param(r, "site")
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	name := r.URL.Query().Get("config")
	if name == "" {
		name = initializer.AllConfigurations
	}

	resp := InitializeResponse{RequestID: GetRequestID(r.Context())}
	if !hasRoot {
		if name != initializer.AllConfigurations {
			writeBadRequest(w, r, "config requires site")
			return
		}
		resp.Results, err = h.init.InitializeAll(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	s, err := h.sites.GetSiteByRootPageID(root)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.init.InitializeBySiteAndIndexConfiguration(r.Context(), s, name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp.Results = map[int64]map[string]initializer.Result{root: res}
	writeJSON(w, http.StatusOK, resp)
}

// IndexResponse is the body of POST /v1/index.
type IndexResponse struct {
	*indexer.RunResult
	RequestID string `json:"request_id"`
}

// IndexHandler serves POST /v1/index?site=N&max=M.
type IndexHandler struct {
	sites      Sites
	indexer    Indexer
	defaultMax int
}

// NewIndexHandler creates an index handler. defaultMax applies when the
// request has no max parameter.
func NewIndexHandler(sites Sites, idx Indexer, defaultMax int) *IndexHandler {
	return &IndexHandler{sites: sites, indexer: idx, defaultMax: defaultMax}
}

// ServeHTTP handles the index request.
func (h *IndexHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	targets, ok := resolveSites(w, r, h.sites)
	if !ok {
		return
	}
	limit, hasMax, err := int64Param(r, "max")
	if err != nil || (hasMax && limit <= 0) {
		writeBadRequest(w, r, "max must be a positive integer")
		return
	}
	if !hasMax {
		limit = int64(h.defaultMax)
	}

	var roots []int64
	if r.URL.Query().Has("site") {
		for _, s := range targets {
			roots = append(roots, s.RootPageID)
		}
	}
	res, err := h.indexer.IndexItems(r.Context(), int(limit), roots...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IndexResponse{RunResult: res, RequestID: GetRequestID(r.Context())})
}

// resolveSites returns the site named by the site parameter, or every site.
// It writes the error response itself and reports false on failure.
func resolveSites(w http.ResponseWriter, r *http.Request, sites Sites) ([]*site.Site, bool) {
	root, ok, err := int64Param(r, "site")
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return nil, false
	}
	if !ok {
		return sites.GetAvailableSites(), true
	}
	s, err := sites.GetSiteByRootPageID(root)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return []*site.Site{s}, true
}

func int64Param(r *http.Request, name string) (int64, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, true, nil
}
