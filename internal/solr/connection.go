package solr

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/solrqueue/solrqueue/internal/config"
	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
	"github.com/solrqueue/solrqueue/internal/logging"
	"github.com/solrqueue/solrqueue/internal/site"
)

// Connection is the read and write client pair of one site language.
type Connection struct {
	RootPageID int64
	Language   int
	Read       *Client
	Write      *Client
}

// ConnectionStatus reports the outcome of pinging one endpoint.
type ConnectionStatus struct {
	RootPageID int64  `json:"root_page_id"`
	Language   int    `json:"language"`
	Role       string `json:"role"`
	Core       string `json:"core"`
	Reachable  bool   `json:"reachable"`
	Error      string `json:"error,omitempty"`
}

type connectionKey struct {
	root int64
	lang int
}

// ClientFactory creates a client for an endpoint.
type ClientFactory func(ep Endpoint, timeouts Timeouts) *Client

// ConnectionManager builds and caches connections per root page and language.
type ConnectionManager struct {
	sites    *site.Repository
	timeouts Timeouts
	factory  ClientFactory
	logger   logrus.FieldLogger

	// PingConcurrency bounds concurrent pings in UpdateConnections
	PingConcurrency int

	mu    sync.Mutex
	conns map[connectionKey]*Connection
}

// NewConnectionManager creates a connection manager.
func NewConnectionManager(sites *site.Repository, sc config.SolrConfig, logger logrus.FieldLogger) *ConnectionManager {
	return &ConnectionManager{
		sites:           sites,
		timeouts:        TimeoutsFromConfig(sc),
		factory:         NewClient,
		logger:          logging.OrDiscard(logger),
		PingConcurrency: 4,
		conns:           make(map[connectionKey]*Connection),
	}
}

// GetConnectionByRootPageID returns the connection of a site language.
func (m *ConnectionManager) GetConnectionByRootPageID(ctx context.Context, root int64, language int) (*Connection, error) {
	s, err := m.sites.GetSiteByRootPageID(root)
	if err != nil {
		return nil, err
	}
	return m.connection(s, language)
}

// GetConnectionsBySite returns one connection per configured language of s.
func (m *ConnectionManager) GetConnectionsBySite(s *site.Site) ([]*Connection, error) {
	var out []*Connection
	for _, lang := range s.Languages() {
		c, err := m.connection(s, lang)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// GetAllConnections returns the connections of every site.
func (m *ConnectionManager) GetAllConnections() ([]*Connection, error) {
	var out []*Connection
	for _, s := range m.sites.GetAvailableSites() {
		conns, err := m.GetConnectionsBySite(s)
		if err != nil {
			return nil, err
		}
		out = append(out, conns...)
	}
	return out, nil
}

// UpdateConnections drops the cached connections of the given roots (all
// sites when none are given), rebuilds them and pings every endpoint.
func (m *ConnectionManager) UpdateConnections(ctx context.Context, roots ...int64) ([]ConnectionStatus, error) {
	var sites []*site.Site
	if len(roots) == 0 {
		sites = m.sites.GetAvailableSites()
	} else {
		for _, root := range roots {
			s, err := m.sites.GetSiteByRootPageID(root)
			if err != nil {
				return nil, err
			}
			sites = append(sites, s)
		}
	}

	m.mu.Lock()
	for _, s := range sites {
		for key := range m.conns {
			if key.root == s.RootPageID {
				delete(m.conns, key)
			}
		}
	}
	m.mu.Unlock()

	type target struct {
		root   int64
		lang   int
		role   string
		client *Client
	}
	var targets []target
	for _, s := range sites {
		conns, err := m.GetConnectionsBySite(s)
		if err != nil {
			return nil, err
		}
		for _, c := range conns {
			targets = append(targets, target{c.RootPageID, c.Language, "read", c.Read})
			if c.Write != c.Read {
				targets = append(targets, target{c.RootPageID, c.Language, "write", c.Write})
			}
		}
	}

	statuses := make([]ConnectionStatus, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, m.PingConcurrency))
	for i, t := range targets {
		g.Go(func() error {
			st := ConnectionStatus{
				RootPageID: t.root,
				Language:   t.lang,
				Role:       t.role,
				Core:       t.client.Endpoint().CoreURL(),
			}
			resp, err := t.client.Ping(gctx)
			switch {
			case err != nil:
				st.Error = err.Error()
			case !resp.Successful():
				st.Error = fmt.Sprintf("ping answered %d", resp.HTTPStatus)
			default:
				st.Reachable = true
			}
			statuses[i] = st
			return nil
		})
	}
	g.Wait()

	sort.SliceStable(statuses, func(i, j int) bool {
		if statuses[i].RootPageID != statuses[j].RootPageID {
			return statuses[i].RootPageID < statuses[j].RootPageID
		}
		return statuses[i].Language < statuses[j].Language
	})

	for _, st := range statuses {
		entry := m.logger.WithFields(logrus.Fields{
			"root":     st.RootPageID,
			"language": st.Language,
			"role":     st.Role,
			"core":     st.Core,
		})
		if st.Reachable {
			entry.Info("solr: connection available")
		} else {
			entry.WithField("error", st.Error).Warn("solr: connection unavailable")
		}
	}
	return statuses, nil
}

func (m *ConnectionManager) connection(s *site.Site, language int) (*Connection, error) {
	key := connectionKey{root: s.RootPageID, lang: language}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[key]; ok {
		return c, nil
	}

	lc, ok := s.Config().Language(language)
	if !ok {
		return nil, sqerrors.NewConfigurationError(sqerrors.CodeNoConnection,
			fmt.Sprintf("site %d has no solr connection for language %d", s.RootPageID, language))
	}

	read := m.factory(EndpointFromConfig(lc.Read), m.timeouts)
	write := read
	if !lc.Write.IsZero() {
		write = m.factory(EndpointFromConfig(lc.Write), m.timeouts)
	}

	c := &Connection{RootPageID: s.RootPageID, Language: language, Read: read, Write: write}
	m.conns[key] = c
	return c, nil
}
