package config

import (
	"fmt"
	"regexp"
)

// IndexingType selects the initializer and document builder of a configuration.
type IndexingType string

const (
	IndexingTypeRecord IndexingType = "record"
	IndexingTypePage   IndexingType = "page"
)

// SiteConfig describes one indexable site keyed by its root page.
type SiteConfig struct {
	RootPageID int64  `json:"root_page_id" yaml:"root_page_id"`
	Name       string `json:"name" yaml:"name"`
	Domain     string `json:"domain" yaml:"domain"`
	BaseURL    string `json:"base_url" yaml:"base_url"`

	Languages []LanguageConfig `json:"languages" yaml:"languages"`
	Indexing  []IndexingConfig `json:"indexing" yaml:"indexing"`
}

// LanguageConfig binds a language to its Solr cores.
type LanguageConfig struct {
	ID    int            `json:"id" yaml:"id"`
	Read  EndpointConfig `json:"read" yaml:"read"`
	Write EndpointConfig `json:"write" yaml:"write"`
}

// EndpointConfig locates a Solr core.
type EndpointConfig struct {
	Scheme   string `json:"scheme" yaml:"scheme"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Path     string `json:"path" yaml:"path"`
	Core     string `json:"core" yaml:"core"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// IsZero reports whether no endpoint was configured.
func (e EndpointConfig) IsZero() bool {
	return e.Host == "" && e.Core == ""
}

// IndexingConfig is one named indexing profile of a site.
type IndexingConfig struct {
	Name  string       `json:"name" yaml:"name"`
	Type  IndexingType `json:"type" yaml:"type"`
	Table string       `json:"table" yaml:"table"`

	// AdditionalWhere is an SQL fragment ANDed to record selection
	AdditionalWhere string `json:"additional_where" yaml:"additional_where"`

	// AdditionalPageIDs are storage pages outside the site tree
	AdditionalPageIDs []int64 `json:"additional_page_ids" yaml:"additional_page_ids"`

	// AllowedPageTypes restricts page configurations to these doktypes
	AllowedPageTypes []int `json:"allowed_page_types" yaml:"allowed_page_types"`

	Priority int `json:"priority" yaml:"priority"`

	Fields         []FieldMapping        `json:"fields" yaml:"fields"`
	Classification *ClassificationConfig `json:"classification" yaml:"classification"`
}

// FieldMapping copies a record column into a Solr field.
type FieldMapping struct {
	Field     string `json:"field" yaml:"field"`
	Source    string `json:"source" yaml:"source"`
	Transform string `json:"transform" yaml:"transform"`
	Separator string `json:"separator" yaml:"separator"`
}

// ClassificationConfig tags documents by matching patterns against fields.
type ClassificationConfig struct {
	SourceFields []string      `json:"source_fields" yaml:"source_fields"`
	TargetField  string        `json:"target_field" yaml:"target_field"`
	Classes      []ClassConfig `json:"classes" yaml:"classes"`
}

// ClassConfig is a single class with its match and unmatch patterns.
type ClassConfig struct {
	Class   string   `json:"class" yaml:"class"`
	Match   []string `json:"match" yaml:"match"`
	Unmatch []string `json:"unmatch" yaml:"unmatch"`
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsIdentifier reports whether s is a safe table or column name.
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// IndexingConfiguration returns the configuration with the given name.
func (s *SiteConfig) IndexingConfiguration(name string) (*IndexingConfig, bool) {
	for i := range s.Indexing {
		if s.Indexing[i].Name == name {
			return &s.Indexing[i], true
		}
	}
	return nil, false
}

// IndexingConfigurationsForTable returns all configurations indexing table.
func (s *SiteConfig) IndexingConfigurationsForTable(table string) []*IndexingConfig {
	var out []*IndexingConfig
	for i := range s.Indexing {
		if s.Indexing[i].Table == table {
			out = append(out, &s.Indexing[i])
		}
	}
	return out
}

// IndexingConfigurationNames returns configuration names in declaration order.
func (s *SiteConfig) IndexingConfigurationNames() []string {
	names := make([]string, 0, len(s.Indexing))
	for _, ic := range s.Indexing {
		names = append(names, ic.Name)
	}
	return names
}

// Language returns the language configuration for id.
func (s *SiteConfig) Language(id int) (*LanguageConfig, bool) {
	for i := range s.Languages {
		if s.Languages[i].ID == id {
			return &s.Languages[i], true
		}
	}
	return nil, false
}

// AllowsPageType reports whether doktype is indexed by this configuration.
func (ic *IndexingConfig) AllowsPageType(doktype int) bool {
	for _, t := range ic.AllowedPageTypes {
		if t == doktype {
			return true
		}
	}
	return false
}

// ObservesPage reports whether pageID is one of the additional storage pages.
func (ic *IndexingConfig) ObservesPage(pageID int64) bool {
	for _, id := range ic.AdditionalPageIDs {
		if id == pageID {
			return true
		}
	}
	return false
}

func (s *SiteConfig) validate(tables map[string]TableConfig) error {
	if s.RootPageID <= 0 {
		return fmt.Errorf("site %q: root_page_id must be positive", s.Name)
	}
	if s.Domain == "" {
		return fmt.Errorf("site %d: domain is required", s.RootPageID)
	}
	if len(s.Languages) == 0 {
		return fmt.Errorf("site %d: at least one language is required", s.RootPageID)
	}
	langs := make(map[int]bool, len(s.Languages))
	for _, l := range s.Languages {
		if l.Read.IsZero() {
			return fmt.Errorf("site %d: language %d has no read endpoint", s.RootPageID, l.ID)
		}
		if l.Read.Core == "" {
			return fmt.Errorf("site %d: language %d has no core", s.RootPageID, l.ID)
		}
		if langs[l.ID] {
			return fmt.Errorf("site %d: duplicate language %d", s.RootPageID, l.ID)
		}
		langs[l.ID] = true
	}

	names := make(map[string]bool, len(s.Indexing))
	for _, ic := range s.Indexing {
		if ic.Name == "" || ic.Name == "*" {
			return fmt.Errorf("site %d: invalid indexing configuration name %q", s.RootPageID, ic.Name)
		}
		if names[ic.Name] {
			return fmt.Errorf("site %d: duplicate indexing configuration %q", s.RootPageID, ic.Name)
		}
		names[ic.Name] = true

		if !IsIdentifier(ic.Table) {
			return fmt.Errorf("site %d: indexing configuration %q has invalid table %q", s.RootPageID, ic.Name, ic.Table)
		}
		if _, ok := tables[ic.Table]; !ok {
			return fmt.Errorf("site %d: table %q is not configured", s.RootPageID, ic.Table)
		}
		switch ic.Type {
		case IndexingTypeRecord, IndexingTypePage:
		default:
			return fmt.Errorf("site %d: indexing configuration %q has invalid type %q", s.RootPageID, ic.Name, ic.Type)
		}
		if ic.Type == IndexingTypePage && ic.Table != PagesTable {
			return fmt.Errorf("site %d: page configuration %q must index the %s table", s.RootPageID, ic.Name, PagesTable)
		}
		for _, f := range ic.Fields {
			if f.Field == "" || !IsIdentifier(f.Source) {
				return fmt.Errorf("site %d: indexing configuration %q has invalid field mapping %q <- %q", s.RootPageID, ic.Name, f.Field, f.Source)
			}
		}
		if ic.Classification != nil {
			for _, cl := range ic.Classification.Classes {
				if cl.Class == "" {
					return fmt.Errorf("site %d: indexing configuration %q has a class without name", s.RootPageID, ic.Name)
				}
				for _, p := range append(append([]string{}, cl.Match...), cl.Unmatch...) {
					if _, err := regexp.Compile(p); err != nil {
						return fmt.Errorf("site %d: class %q has invalid pattern %q: %w", s.RootPageID, cl.Class, p, err)
					}
				}
			}
		}
	}
	return nil
}
