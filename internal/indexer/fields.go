package indexer

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/solrqueue/solrqueue/internal/config"
	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
	"github.com/solrqueue/solrqueue/internal/store"
)

// Field transforms.
const (
	TransformNone      = ""
	TransformStripTags = "strip_tags"
	TransformInt       = "int"
	TransformDate      = "date"
	TransformSplit     = "split"
	TransformLower     = "lower"
)

// SolrDateFormat is the date format Solr expects (always UTC).
const SolrDateFormat = "2006-01-02T15:04:05Z"

var (
	tagPattern        = regexp.MustCompile(`(?s)<[^>]*>`)
	scriptPattern     = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// StripTags removes markup, decodes entities and collapses whitespace.
func StripTags(s string) string {
	s = scriptPattern.ReplaceAllString(s, " ")
	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// FormatDate renders a unix timestamp as a Solr date.
func FormatDate(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(SolrDateFormat)
}

// Transform converts a raw column value according to transform. Empty
// results report ok=false so the field is left out of the document.
func Transform(raw any, fm config.FieldMapping) (value any, ok bool, err error) {
	if raw == nil {
		return nil, false, nil
	}
	text := valueString(raw)

	switch fm.Transform {
	case TransformNone:
		if text == "" {
			return nil, false, nil
		}
		return raw, true, nil

	case TransformStripTags:
		text = StripTags(text)
		return text, text != "", nil

	case TransformLower:
		text = strings.ToLower(strings.TrimSpace(text))
		return text, text != "", nil

	case TransformInt:
		if text == "" {
			return nil, false, nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return nil, false, sqerrors.NewValidationError(sqerrors.CodeInvalidArgument,
				fmt.Sprintf("field %s: %q is not an integer", fm.Field, text))
		}
		return n, true, nil

	case TransformDate:
		n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return nil, false, sqerrors.NewValidationError(sqerrors.CodeInvalidArgument,
				fmt.Sprintf("field %s: %q is not a timestamp", fm.Field, text))
		}
		if n <= 0 {
			return nil, false, nil
		}
		return FormatDate(n), true, nil

	case TransformSplit:
		sep := fm.Separator
		if sep == "" {
			sep = ","
		}
		var parts []string
		for _, p := range strings.Split(text, sep) {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		return parts, len(parts) > 0, nil
	}

	return nil, false, sqerrors.NewConfigurationError(sqerrors.CodeInvalidConfiguration,
		fmt.Sprintf("field %s: unknown transform %q", fm.Field, fm.Transform))
}

// MapFields applies the field mapping of ic to rec.
func MapFields(rec store.Record, mappings []config.FieldMapping) (map[string]any, error) {
	out := make(map[string]any, len(mappings))
	for _, fm := range mappings {
		v, ok, err := Transform(rec[fm.Source], fm)
		if err != nil {
			return nil, err
		}
		if ok {
			out[fm.Field] = v
		}
	}
	return out, nil
}

func valueString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(t)
	}
}
