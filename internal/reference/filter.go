// Package reference holds the known-entities snapshot that gates which
// discovered locators the crawl is allowed to follow.
package reference

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/alvmarrod/lineage-weaver/internal/locator"
)

// Filter answers whether a locator is worth fetching. It is read-only after
// construction and safe for concurrent use.
type Filter struct {
	allowed map[string]struct{}
	open    bool
}

// Canonicalizer maps snapshot entries to locators.
type Canonicalizer interface {
	Canonical(href string) (string, bool)
}

type snapshot struct {
	Locators []string `yaml:"locators"`
}

// Open returns a Filter that admits every non-excluded locator.
func Open() *Filter {
	return &Filter{open: true}
}

// New returns a Filter admitting exactly the given locators.
func New(locators []string) *Filter {
	f := &Filter{allowed: make(map[string]struct{}, len(locators))}
	for _, loc := range locators {
		f.allowed[loc] = struct{}{}
	}
	return f
}

// Load reads a snapshot file. The file is YAML (or JSON) holding either a
// top-level list of locators or a mapping with a "locators" list. Entries
// may be absolute URLs; canon maps them to locators and entries it rejects
// are skipped. An empty path yields Open().
func Load(path string, canon Canonicalizer) (*Filter, error) {
	if path == "" {
		return Open(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference snapshot: %w", err)
	}

	entries, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse reference snapshot %s: %w", path, err)
	}

	locators := make([]string, 0, len(entries))
	for _, entry := range entries {
		if canon == nil {
			locators = append(locators, entry)
			continue
		}
		if loc, ok := canon.Canonical(entry); ok {
			locators = append(locators, loc)
		}
	}
	return New(locators), nil
}

func decode(data []byte) ([]string, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, errors.New("empty document")
	}

	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := root.Decode(&list); err != nil {
			return nil, err
		}
		return list, nil
	case yaml.MappingNode:
		var snap snapshot
		if err := root.Decode(&snap); err != nil {
			return nil, err
		}
		return snap.Locators, nil
	default:
		return nil, fmt.Errorf("unexpected top-level yaml kind %d", root.Kind)
	}
}

// IsEligible reports whether loc may be admitted to the crawl frontier.
func (f *Filter) IsEligible(loc string) bool {
	if locator.IsExcluded(loc) {
		return false
	}
	if f.open {
		return true
	}
	_, ok := f.allowed[loc]
	return ok
}

// Len is the number of snapshot entries, or -1 for an open filter.
func (f *Filter) Len() int {
	if f.open {
		return -1
	}
	return len(f.allowed)
}
