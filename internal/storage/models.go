package storage

import (
	"strings"
	"time"
)

// Entity is one row of the entity table.
//
// Nil link slices mean "not parsed yet" and are distinct from empty slices,
// which mean "parsed, no links in that direction". Scalar fields and
// RawContent use the empty string for "not known yet".
type Entity struct {
	ID         int64
	Locator    string
	Name       string
	Attribute  string
	Stage      string
	Type       string
	RawContent string

	PredecessorLinks []string
	SuccessorLinks   []string

	ResolvedPredecessors []int64
	ResolvedSuccessors   []int64
}

// FullyFetched reports whether the entity's own page has been parsed.
func (e *Entity) FullyFetched() bool {
	return e.PredecessorLinks != nil && e.SuccessorLinks != nil
}

// IsPlaceholder reports whether the row only carries id and locator.
func (e *Entity) IsPlaceholder() bool {
	return e.RawContent == "" && !e.FullyFetched()
}

// Fields is everything one parsed page contributes to its entity row.
type Fields struct {
	Name      string
	Attribute string
	Stage     string
	Type      string

	Predecessors []string
	Successors   []string

	// RawContent replaces the stored page body when non-empty.
	RawContent string
}

// Links returns predecessors followed by successors, skipping self and
// repeated locators.
func (f Fields) Links(self string) []string {
	seen := make(map[string]struct{}, len(f.Predecessors)+len(f.Successors))
	out := make([]string, 0, len(f.Predecessors)+len(f.Successors))
	for _, group := range [][]string{f.Predecessors, f.Successors} {
		for _, loc := range group {
			if loc == self {
				continue
			}
			if _, dup := seen[loc]; dup {
				continue
			}
			seen[loc] = struct{}{}
			out = append(out, loc)
		}
	}
	return out
}

// PageCommit is the unit of work written atomically after a page is parsed.
type PageCommit struct {
	Locator string
	Fields  Fields
}

// Placeholder is a row created for a linked locator that has not been fetched.
type Placeholder struct {
	ID      int64
	Locator string
}

// CommitResult reports the entity id of a committed page and the
// placeholders that did not exist before the commit.
type CommitResult struct {
	ID      int64
	Created []Placeholder
}

// ResumeCandidate is a row the crawl still has to visit.
type ResumeCandidate struct {
	ID          int64
	Locator     string
	Placeholder bool
}

// UnknownStage is the level of a stage name missing from the stage table.
const UnknownStage = -1

var stageLevels = map[string]int{
	"baby i":   1,
	"baby ii":  2,
	"child":    3,
	"adult":    4,
	"perfect":  5,
	"ultimate": 6,
	// side branches sit at the adult level
	"armor":  4,
	"hybrid": 4,
}

// StageLevel maps an evolution stage name to its ordinal, 1 for Baby I up
// to 6 for Ultimate. Matching ignores case and surrounding space.
func StageLevel(stage string) int {
	if level, ok := stageLevels[strings.ToLower(strings.TrimSpace(stage))]; ok {
		return level
	}
	return UnknownStage
}

// StageLevel returns the ordinal of the entity's stage.
func (e *Entity) StageLevel() int {
	return StageLevel(e.Stage)
}

// Projection selects which columns AllEntities loads.
type Projection int

const (
	// ProjectionLinks loads everything except the raw page body.
	ProjectionLinks Projection = iota
	// ProjectionFull also loads the raw page body.
	ProjectionFull
)

// Metrics tracks run statistics for export on exit
type Metrics struct {
	RunID               string    `json:"run_id"`
	Mode                string    `json:"mode"`
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
	PagesFetched        int       `json:"pages_fetched"`
	PagesReplayed       int       `json:"pages_replayed"`
	PagesFailed         int       `json:"pages_failed"`
	ParseFailures       int       `json:"parse_failures"`
	StoreFailures       int       `json:"store_failures"`
	PlaceholdersCreated int       `json:"placeholders_created"`
	RowsResolved        int       `json:"rows_resolved"`
	LinksDropped        int       `json:"links_dropped"`
	TotalFetchTimeMs    int64     `json:"total_fetch_time_ms"`
	AvgFetchTimeMs      int64     `json:"avg_fetch_time_ms"`
	TerminationReason   string    `json:"termination_reason"`
}
