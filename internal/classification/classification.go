// Package classification tags free text with classes based on regular
// expression match and unmatch patterns.
package classification

import (
	"fmt"
	"regexp"

	"github.com/solrqueue/solrqueue/internal/config"
)

// Classification maps patterns to a class name. A text belongs to the class
// when at least one match pattern hits and no unmatch pattern does.
type Classification struct {
	Class   string
	match   []*regexp.Regexp
	unmatch []*regexp.Regexp
}

// New compiles a classification. Patterns are matched case-insensitively.
func New(class string, match, unmatch []string) (*Classification, error) {
	c := &Classification{Class: class}
	var err error
	if c.match, err = compileAll(match); err != nil {
		return nil, fmt.Errorf("classification %q: %w", class, err)
	}
	if c.unmatch, err = compileAll(unmatch); err != nil {
		return nil, fmt.Errorf("classification %q: %w", class, err)
	}
	return c, nil
}

// Matches reports whether text belongs to the class.
func (c *Classification) Matches(text string) bool {
	hit := false
	for _, re := range c.match {
		if re.MatchString(text) {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}
	for _, re := range c.unmatch {
		if re.MatchString(text) {
			return false
		}
	}
	return true
}

// Classifier holds an ordered set of classifications.
type Classifier struct {
	classes []*Classification
}

// NewClassifier builds a classifier from configuration.
func NewClassifier(cfg *config.ClassificationConfig) (*Classifier, error) {
	cl := &Classifier{}
	if cfg == nil {
		return cl, nil
	}
	for _, cc := range cfg.Classes {
		c, err := New(cc.Class, cc.Match, cc.Unmatch)
		if err != nil {
			return nil, err
		}
		cl.classes = append(cl.classes, c)
	}
	return cl, nil
}

// Classify returns the classes text belongs to, in configuration order.
// Every class appears at most once.
func (cl *Classifier) Classify(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, c := range cl.classes {
		if seen[c.Class] {
			continue
		}
		if c.Matches(text) {
			out = append(out, c.Class)
			seen[c.Class] = true
		}
	}
	return out
}

// Len returns the number of classifications.
func (cl *Classifier) Len() int { return len(cl.classes) }

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
