package config

// Well-known CMS tables.
const (
	PagesTable   = "pages"
	ContentTable = "tt_content"
)

// Page types.
const (
	PageTypeStandard   = 1
	PageTypeShortcut   = 4
	PageTypeMountPoint = 7
	PageTypeFolder     = 254
)

// Page flag columns.
const (
	PageColumnIsSiteRoot       = "is_siteroot"
	PageColumnDoktype          = "doktype"
	PageColumnMountPID         = "mount_pid"
	PageColumnMountPIDOverlay  = "mount_pid_ol"
	PageColumnExtendToSubpages = "extendToSubpages"
	PageColumnNoSearch         = "no_search"
)

// TableConfig describes how a CMS table stores its bookkeeping columns.
type TableConfig struct {
	// TimestampColumn holds the last modification time (unix seconds)
	TimestampColumn string `json:"tstamp" yaml:"tstamp"`

	// CreatedColumn holds the creation time (unix seconds)
	CreatedColumn string `json:"crdate" yaml:"crdate"`

	// ParentColumn holds the owning page id
	ParentColumn string `json:"parent" yaml:"parent"`

	// LanguageColumn holds the language id; empty means language 0 only
	LanguageColumn string `json:"language" yaml:"language"`

	EnableColumns EnableColumns `json:"enable_columns" yaml:"enable_columns"`
}

// EnableColumns names the visibility columns of a table. Empty names are
// not evaluated.
type EnableColumns struct {
	Deleted       string `json:"deleted" yaml:"deleted"`
	Disabled      string `json:"disabled" yaml:"disabled"`
	StartTime     string `json:"starttime" yaml:"starttime"`
	EndTime       string `json:"endtime" yaml:"endtime"`
	FrontendGroup string `json:"fe_group" yaml:"fe_group"`
}

// DefaultTables returns the table configuration of the core CMS tables.
func DefaultTables() map[string]TableConfig {
	standard := TableConfig{
		TimestampColumn: "tstamp",
		CreatedColumn:   "crdate",
		ParentColumn:    "pid",
		LanguageColumn:  "sys_language_uid",
		EnableColumns: EnableColumns{
			Deleted:       "deleted",
			Disabled:      "hidden",
			StartTime:     "starttime",
			EndTime:       "endtime",
			FrontendGroup: "fe_group",
		},
	}
	return map[string]TableConfig{
		PagesTable:   standard,
		ContentTable: standard,
	}
}

// DefaultAllowedPageTypes returns the page types indexed by page configurations.
func DefaultAllowedPageTypes() []int {
	return []int{PageTypeStandard, PageTypeShortcut, PageTypeMountPoint}
}

func (tc TableConfig) withDefaults() TableConfig {
	if tc.ParentColumn == "" {
		tc.ParentColumn = "pid"
	}
	return tc
}
