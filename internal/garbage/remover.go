// Package garbage removes documents of records that must no longer be
// found from every Solr core of the sites owning them.
package garbage

import (
	"context"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/solrqueue/solrqueue/internal/config"
	"github.com/solrqueue/solrqueue/internal/logging"
	"github.com/solrqueue/solrqueue/internal/observability"
	"github.com/solrqueue/solrqueue/internal/site"
	"github.com/solrqueue/solrqueue/internal/solr"
)

// RootResolver resolves the site roots responsible for a record.
type RootResolver interface {
	ResponsibleRootPageIDs(ctx context.Context, table string, uid int64) (mapset.Set[int64], error)
}

// QueueLookup exposes the queue operations the remover needs.
type QueueLookup interface {
	RootsOf(ctx context.Context, table string, uid int64) ([]int64, error)
	DeleteItem(ctx context.Context, table string, uid int64) error
}

// ConnectionProvider returns the Solr connections of a site.
type ConnectionProvider interface {
	GetConnectionsBySite(s *site.Site) ([]*solr.Connection, error)
}

// Result summarizes a removal.
type Result struct {
	Deleted   int `json:"deleted"`
	Failed    int `json:"failed"`
	Committed int `json:"committed"`
}

// Remover issues delete-by-query requests for stale documents. Failures are
// logged, never returned.
type Remover struct {
	queue    QueueLookup
	resolver RootResolver
	sites    *site.Repository
	conns    ConnectionProvider
	commit   config.CommitPolicy
	logger   logrus.FieldLogger
	stats    *observability.RunStats
}

// NewRemover creates a garbage remover. Deletes are committed according to
// the commit policy; CommitNone leaves visibility to autocommit.
func NewRemover(q QueueLookup, resolver RootResolver, sites *site.Repository, conns ConnectionProvider, commit config.CommitPolicy, logger logrus.FieldLogger) *Remover {
	return &Remover{
		queue:    q,
		resolver: resolver,
		sites:    sites,
		conns:    conns,
		commit:   commit,
		logger:   logging.OrDiscard(logger),
	}
}

// SetStats records every removal under the garbage operation.
func (r *Remover) SetStats(rs *observability.RunStats) { r.stats = rs }

// Query returns the delete query of a record within a site.
func Query(table string, uid int64, siteHash string) string {
	return fmt.Sprintf("type:%s AND uid:%d AND siteHash:%s", table, uid, siteHash)
}

// RemoveGarbageOf removes the documents of a record from every site it is
// queued for or resolvable to.
func (r *Remover) RemoveGarbageOf(ctx context.Context, table string, uid int64) Result {
	if table == config.PagesTable {
		return r.RemoveGarbageOfPage(ctx, uid)
	}
	return r.RemoveGarbageOfRecord(ctx, table, uid)
}

// RemoveGarbageOfPage removes the documents of a page.
func (r *Remover) RemoveGarbageOfPage(ctx context.Context, uid int64) Result {
	return r.RemoveFromRoots(ctx, config.PagesTable, uid, r.roots(ctx, config.PagesTable, uid))
}

// RemoveGarbageOfRecord removes the documents of a non-page record.
func (r *Remover) RemoveGarbageOfRecord(ctx context.Context, table string, uid int64) Result {
	return r.RemoveFromRoots(ctx, table, uid, r.roots(ctx, table, uid))
}

// CollectGarbage removes the documents of a record and its queue rows.
func (r *Remover) CollectGarbage(ctx context.Context, table string, uid int64) Result {
	res := r.RemoveGarbageOf(ctx, table, uid)
	if err := r.queue.DeleteItem(ctx, table, uid); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"table": table,
			"uid":   uid,
		}).Warn("garbage: failed to remove queue items")
	}
	return res
}

// RemoveFromRoots removes the documents of a record from the given sites.
func (r *Remover) RemoveFromRoots(ctx context.Context, table string, uid int64, roots []int64) Result {
	var res Result
	start := time.Now()
	defer func() {
		r.stats.RecordRun(observability.OpGarbage, res.Deleted, res.Failed, time.Since(start))
	}()
	for _, root := range roots {
		s, err := r.sites.GetSiteByRootPageID(root)
		if err != nil {
			r.logger.WithError(err).WithField("root", root).Warn("garbage: unknown site")
			continue
		}
		conns, err := r.conns.GetConnectionsBySite(s)
		if err != nil {
			r.logger.WithError(err).WithField("root", root).Warn("garbage: no connections")
			res.Failed++
			continue
		}

		query := Query(table, uid, s.Hash)
		for _, c := range conns {
			r.deleteOn(ctx, c.Write, query, &res)
		}
	}
	return res
}

func (r *Remover) deleteOn(ctx context.Context, client *solr.Client, query string, res *Result) {
	entry := r.logger.WithFields(logrus.Fields{
		"core":  client.Endpoint().CorePath(),
		"query": query,
	})

	resp, err := client.DeleteByQuery(ctx, query)
	if err != nil || !resp.Successful() {
		res.Failed++
		status, msg := solr.StatusAndMessage(resp, err)
		entry.WithFields(logrus.Fields{
			"status":  status,
			"message": msg,
		}).Error("garbage: delete by query failed")
		return
	}
	res.Deleted++

	if r.commit == config.CommitNone || r.commit == "" {
		return
	}
	resp, err = client.Commit(ctx, r.commit == config.CommitSoft)
	if err != nil || !resp.Successful() {
		status, msg := solr.StatusAndMessage(resp, err)
		entry.WithFields(logrus.Fields{
			"status":  status,
			"message": msg,
		}).Error("garbage: commit failed")
		return
	}
	res.Committed++
}

// roots merges the roots a record is queued for with the roots it resolves
// to. Unresolvable records only use the queue.
func (r *Remover) roots(ctx context.Context, table string, uid int64) []int64 {
	set := mapset.NewThreadUnsafeSet[int64]()
	queued, err := r.queue.RootsOf(ctx, table, uid)
	if err != nil {
		r.logger.WithError(err).Warn("garbage: failed to read queued roots")
	}
	set.Append(queued...)

	if r.resolver != nil {
		resolved, err := r.resolver.ResponsibleRootPageIDs(ctx, table, uid)
		if err == nil {
			set.Append(resolved.ToSlice()...)
		}
	}

	ids := set.ToSlice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
