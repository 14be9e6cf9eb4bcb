package indexer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/solrqueue/solrqueue/internal/classification"
	"github.com/solrqueue/solrqueue/internal/config"
	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
	"github.com/solrqueue/solrqueue/internal/queue"
	"github.com/solrqueue/solrqueue/internal/site"
	"github.com/solrqueue/solrqueue/internal/solr"
	"github.com/solrqueue/solrqueue/internal/store"
)

// DefaultClassificationField receives classes when no target field is configured.
const DefaultClassificationField = "classification"

// Input is everything a builder needs to turn a queue item into a document.
type Input struct {
	Item     *queue.Item
	Site     *site.Site
	Config   *config.IndexingConfig
	Record   store.Record
	Language int
}

// Builder turns a queue item into a Solr document.
type Builder interface {
	Build(ctx context.Context, in Input) (solr.Document, error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(ctx context.Context, in Input) (solr.Document, error)

// Build implements Builder.
func (f BuilderFunc) Build(ctx context.Context, in Input) (solr.Document, error) { return f(ctx, in) }

// Registry maps indexing configuration types to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[config.IndexingType]Builder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[config.IndexingType]Builder)}
}

// DefaultRegistry returns a registry with the record and page builders.
func DefaultRegistry(records store.RecordStore, cfg *config.Config, now func() time.Time) *Registry {
	rb := NewRecordBuilder(cfg)
	r := NewRegistry()
	r.Register(config.IndexingTypeRecord, rb)
	r.Register(config.IndexingTypePage, NewPageBuilder(rb, records, cfg, now))
	return r
}

// Register binds a builder to an indexing type, replacing any previous one.
func (r *Registry) Register(t config.IndexingType, b Builder) {
	r.mu.Lock()
	r.builders[t] = b
	r.mu.Unlock()
}

// Get returns the builder of t.
func (r *Registry) Get(t config.IndexingType) (Builder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[t]
	if !ok {
		return nil, sqerrors.NewConfigurationError(sqerrors.CodeInvalidConfiguration,
			fmt.Sprintf("no document builder for indexing type %q", t))
	}
	return b, nil
}

// DocumentID builds the unique id of a document within the whole index.
func DocumentID(siteHash, table string, uid int64, language int, mountIdentifier string) string {
	id := siteHash + "/" + table + "/" + strconv.FormatInt(uid, 10)
	if language > 0 {
		id += "/" + strconv.Itoa(language)
	}
	if mountIdentifier != "" {
		id += "/m" + mountIdentifier
	}
	return id
}

var reservedFields = map[string]bool{
	"id": true, "type": true, "uid": true, "pid": true, "siteHash": true,
	"site": true, "root": true, "language": true,
}

// RecordBuilder maps record columns onto the base document of an item.
type RecordBuilder struct {
	cfg *config.Config

	mu          sync.Mutex
	classifiers map[*config.ClassificationConfig]*classification.Classifier
}

// NewRecordBuilder creates a record builder.
func NewRecordBuilder(cfg *config.Config) *RecordBuilder {
	return &RecordBuilder{
		cfg:         cfg,
		classifiers: make(map[*config.ClassificationConfig]*classification.Classifier),
	}
}

// Build implements Builder.
func (b *RecordBuilder) Build(ctx context.Context, in Input) (solr.Document, error) {
	table := in.Item.Type
	tc := b.cfg.Table(table)
	rec := in.Record

	doc := solr.Document{
		"id":                    DocumentID(in.Site.Hash, table, rec.UID(), in.Language, in.Item.MountIdentifier),
		"type":                  table,
		"uid":                   rec.UID(),
		"pid":                   rec.Int(tc.ParentColumn),
		"site":                  in.Site.Domain,
		"siteHash":              in.Site.Hash,
		"root":                  in.Item.Root,
		"language":              in.Language,
		"indexingConfiguration": in.Config.Name,
		"access":                accessValue(rec, tc),
		"changed":               FormatDate(in.Item.Changed),
	}
	if tc.CreatedColumn != "" {
		if created := rec.Int(tc.CreatedColumn); created > 0 {
			doc["created"] = FormatDate(created)
		}
	}
	if tc.EnableColumns.EndTime != "" {
		if end := rec.Int(tc.EnableColumns.EndTime); end > 0 {
			doc["endtime"] = FormatDate(end)
		}
	}

	fields, err := MapFields(rec, in.Config.Fields)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		if !reservedFields[k] {
			doc[k] = v
		}
	}

	if err := b.classify(doc, rec, in.Config.Classification); err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *RecordBuilder) classify(doc solr.Document, rec store.Record, cc *config.ClassificationConfig) error {
	if cc == nil || len(cc.Classes) == 0 {
		return nil
	}
	cl, err := b.classifier(cc)
	if err != nil {
		return err
	}

	var text []string
	for _, f := range cc.SourceFields {
		if v, ok := doc[f]; ok {
			text = append(text, documentText(v))
		} else if rec.Has(f) {
			text = append(text, StripTags(rec.String(f)))
		}
	}
	classes := cl.Classify(strings.Join(text, " "))
	if len(classes) == 0 {
		return nil
	}

	target := cc.TargetField
	if target == "" {
		target = DefaultClassificationField
	}
	doc[target] = classes
	return nil
}

func (b *RecordBuilder) classifier(cc *config.ClassificationConfig) (*classification.Classifier, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cl, ok := b.classifiers[cc]; ok {
		return cl, nil
	}
	cl, err := classification.NewClassifier(cc)
	if err != nil {
		return nil, sqerrors.Wrap(sqerrors.ErrCategoryConfiguration, sqerrors.CodeInvalidConfiguration,
			"invalid classification", err)
	}
	b.classifiers[cc] = cl
	return cl, nil
}

// PageBuilder extends the record document of a page with the text of its
// visible content elements.
type PageBuilder struct {
	records store.RecordStore
	base    Builder
	cfg     *config.Config
	now     func() time.Time
}

// NewPageBuilder creates a page builder on top of base.
func NewPageBuilder(base Builder, records store.RecordStore, cfg *config.Config, now func() time.Time) *PageBuilder {
	if now == nil {
		now = time.Now
	}
	return &PageBuilder{records: records, base: base, cfg: cfg, now: now}
}

// Build implements Builder.
func (b *PageBuilder) Build(ctx context.Context, in Input) (solr.Document, error) {
	doc, err := b.base.Build(ctx, in)
	if err != nil {
		return nil, err
	}
	if _, ok := doc["title"]; !ok {
		if title := in.Record.String("title"); title != "" {
			doc["title"] = title
		}
	}
	if in.Site.BaseURL != "" {
		doc["url"] = strings.TrimSuffix(in.Site.BaseURL, "/") + "/index.php?id=" + strconv.FormatInt(in.Record.UID(), 10)
	}

	content, err := b.content(ctx, in)
	if err != nil {
		return nil, err
	}
	if content != "" {
		if existing, ok := doc["content"].(string); ok && existing != "" {
			content = existing + " " + content
		}
		doc["content"] = content
	}
	return doc, nil
}

func (b *PageBuilder) content(ctx context.Context, in Input) (string, error) {
	ctc := b.cfg.Table(config.ContentTable)
	preds := []store.Predicate{store.Eq(ctc.ParentColumn, in.Record.UID())}
	if ctc.LanguageColumn != "" {
		preds = append(preds, store.Predicate{
			Column:   ctc.LanguageColumn,
			Operator: "IN",
			Values:   []any{int64(in.Language), int64(-1)},
		})
	}

	elements, err := b.records.FindRecords(ctx, store.Query{
		Table:      config.ContentTable,
		Predicates: preds,
		Where:      visibleClause(ctc, b.now().Unix()),
		OrderBy:    "sorting, uid",
	})
	if err != nil {
		return "", err
	}

	var parts []string
	for _, ce := range elements {
		for _, col := range []string{"header", "bodytext"} {
			if t := StripTags(ce.String(col)); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, " "), nil
}

// visibleClause extends the indexable condition with the starttime check.
func visibleClause(tc config.TableConfig, now int64) string {
	clause := store.IndexableClause(tc, now)
	if c := tc.EnableColumns.StartTime; c != "" {
		start := fmt.Sprintf("%s <= %d", c, now)
		if clause == "" {
			return start
		}
		clause += " AND " + start
	}
	return clause
}

func accessValue(rec store.Record, tc config.TableConfig) string {
	groups := "0"
	if fg := tc.EnableColumns.FrontendGroup; fg != "" {
		if v := strings.TrimSpace(rec.String(fg)); v != "" {
			groups = v
		}
	}
	return "r:" + groups
}

func documentText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []string:
		return strings.Join(t, " ")
	default:
		return fmt.Sprint(t)
	}
}
