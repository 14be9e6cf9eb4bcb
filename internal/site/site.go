// Package site exposes the configured sites keyed by root page.
package site

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/spaolacci/murmur3"

	"github.com/solrqueue/solrqueue/internal/config"
	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
)

// Site is one indexable site.
type Site struct {
	RootPageID int64
	Name       string
	Domain     string
	BaseURL    string

	// Hash scopes every Solr document of the site
	Hash string

	cfg *config.SiteConfig
}

// Config returns the underlying site configuration.
func (s *Site) Config() *config.SiteConfig { return s.cfg }

// IndexingConfiguration returns the named indexing configuration.
func (s *Site) IndexingConfiguration(name string) (*config.IndexingConfig, error) {
	ic, ok := s.cfg.IndexingConfiguration(name)
	if !ok {
		return nil, sqerrors.NewConfigurationError(sqerrors.CodeUnknownIndexingConfiguration,
			fmt.Sprintf("site %d has no indexing configuration %q", s.RootPageID, name))
	}
	return ic, nil
}

// IndexingConfigurations returns every indexing configuration of the site.
func (s *Site) IndexingConfigurations() []*config.IndexingConfig {
	out := make([]*config.IndexingConfig, len(s.cfg.Indexing))
	for i := range s.cfg.Indexing {
		out[i] = &s.cfg.Indexing[i]
	}
	return out
}

// IndexingConfigurationsForTable returns the configurations indexing table.
func (s *Site) IndexingConfigurationsForTable(table string) []*config.IndexingConfig {
	return s.cfg.IndexingConfigurationsForTable(table)
}

// Languages returns the configured language ids in ascending order.
func (s *Site) Languages() []int {
	ids := make([]int, 0, len(s.cfg.Languages))
	for _, l := range s.cfg.Languages {
		ids = append(ids, l.ID)
	}
	sort.Ints(ids)
	return ids
}

// Hash computes the site hash for a domain: the hex encoded murmur3 128-bit
// digest of the domain and the installation's encryption key.
func Hash(domain, encryptionKey string) string {
	h := murmur3.New128()
	h.Write([]byte(strings.ToLower(domain)))
	h.Write([]byte("###"))
	h.Write([]byte(encryptionKey))
	h.Write([]byte("###solrqueue"))
	return hex.EncodeToString(h.Sum(nil))
}

// Repository resolves sites by root page.
type Repository struct {
	sites map[int64]*Site
	order []int64
}

// NewRepository builds a repository from the configured sites.
func NewRepository(cfg *config.Config) *Repository {
	r := &Repository{sites: make(map[int64]*Site, len(cfg.Sites))}
	for i := range cfg.Sites {
		sc := &cfg.Sites[i]
		r.sites[sc.RootPageID] = &Site{
			RootPageID: sc.RootPageID,
			Name:       sc.Name,
			Domain:     sc.Domain,
			BaseURL:    sc.BaseURL,
			Hash:       Hash(sc.Domain, cfg.EncryptionKey),
			cfg:        sc,
		}
		r.order = append(r.order, sc.RootPageID)
	}
	return r
}

// GetSiteByRootPageID returns the site for root or a CONFIGURATION/UNKNOWN_SITE error.
func (r *Repository) GetSiteByRootPageID(root int64) (*Site, error) {
	s, ok := r.sites[root]
	if !ok {
		return nil, sqerrors.NewConfigurationError(sqerrors.CodeUnknownSite,
			fmt.Sprintf("no site configured for root page %d", root))
	}
	return s, nil
}

// HasSite reports whether root is a configured site root.
func (r *Repository) HasSite(root int64) bool {
	_, ok := r.sites[root]
	return ok
}

// GetAvailableSites returns every site in configuration order.
func (r *Repository) GetAvailableSites() []*Site {
	out := make([]*Site, 0, len(r.order))
	for _, root := range r.order {
		out = append(out, r.sites[root])
	}
	return out
}

// SitesObservingPage returns the roots of sites having an indexing
// configuration for table that lists pageID as an additional storage page.
func (r *Repository) SitesObservingPage(table string, pageID int64) []int64 {
	var roots []int64
	for _, root := range r.order {
		for _, ic := range r.sites[root].IndexingConfigurationsForTable(table) {
			if ic.ObservesPage(pageID) {
				roots = append(roots, root)
				break
			}
		}
	}
	return roots
}
