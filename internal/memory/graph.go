package memory

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/alvmarrod/lineage-weaver/internal/storage"
)

// MemoryGraph is an in-process storage.Store. It loses everything on exit
// and backs ephemeral runs and tests.
type MemoryGraph struct {
	entities  map[string]*storage.Entity // locator -> entity
	byID      map[int64]*storage.Entity  // id -> entity
	visited   map[string]bool            // locator -> failed
	idCounter int64                      // auto-increment for entity IDs
	mu        sync.RWMutex
}

var _ storage.Store = (*MemoryGraph)(nil)

// NewMemoryGraph creates a new in-memory graph
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{
		entities: make(map[string]*storage.Entity),
		byID:     make(map[int64]*storage.Entity),
		visited:  make(map[string]bool),
	}
}

// GetOrCreatePlaceholder returns the id for locator, creating a bare row if needed
func (mg *MemoryGraph) GetOrCreatePlaceholder(_ context.Context, locator string) (int64, bool, error) {
	mg.mu.Lock()
	defer mg.mu.Unlock()

	id, created := mg.getOrCreate(locator)
	return id, created, nil
}

func (mg *MemoryGraph) getOrCreate(locator string) (int64, bool) {
	if e, exists := mg.entities[locator]; exists {
		return e.ID, false
	}

	mg.idCounter++
	e := &storage.Entity{ID: mg.idCounter, Locator: locator}
	mg.entities[locator] = e
	mg.byID[e.ID] = e
	return e.ID, true
}

// CompleteEntity writes fields and both link lists for an existing row
func (mg *MemoryGraph) CompleteEntity(_ context.Context, id int64, fields storage.Fields) error {
	mg.mu.Lock()
	defer mg.mu.Unlock()

	return storage.Wrap("complete entity", "", mg.complete(id, fields))
}

func (mg *MemoryGraph) complete(id int64, fields storage.Fields) error {
	e, exists := mg.byID[id]
	if !exists {
		return fmt.Errorf("entity %d: %w", id, storage.ErrNotFound)
	}

	e.Name = fields.Name
	e.Attribute = fields.Attribute
	e.Stage = fields.Stage
	e.Type = fields.Type
	if fields.RawContent != "" {
		e.RawContent = fields.RawContent
	}
	e.PredecessorLinks = slices.Clone(storage.NonNilLocators(fields.Predecessors))
	e.SuccessorLinks = slices.Clone(storage.NonNilLocators(fields.Successors))
	return nil
}

// MarkVisited records locator in the visited set
func (mg *MemoryGraph) MarkVisited(_ context.Context, locator string, failed bool) error {
	mg.mu.Lock()
	defer mg.mu.Unlock()

	mg.visited[locator] = failed
	return nil
}

// IsVisited reports whether locator is in the visited set
func (mg *MemoryGraph) IsVisited(_ context.Context, locator string) (bool, error) {
	mg.mu.RLock()
	defer mg.mu.RUnlock()

	_, ok := mg.visited[locator]
	return ok, nil
}

// EntityByLocator retrieves an entity by locator, returns nil if not found
func (mg *MemoryGraph) EntityByLocator(_ context.Context, locator string) (*storage.Entity, error) {
	mg.mu.RLock()
	defer mg.mu.RUnlock()

	if e, exists := mg.entities[locator]; exists {
		// Return a copy to prevent external modifications
		c := clone(e)
		return &c, nil
	}
	return nil, nil
}

// CommitPage applies a parsed page under a single lock so readers never see it half-written
func (mg *MemoryGraph) CommitPage(_ context.Context, page storage.PageCommit) (storage.CommitResult, error) {
	mg.mu.Lock()
	defer mg.mu.Unlock()

	id, _ := mg.getOrCreate(page.Locator)
	if err := mg.complete(id, page.Fields); err != nil {
		return storage.CommitResult{}, storage.Wrap("commit page", page.Locator, err)
	}

	result := storage.CommitResult{ID: id}
	for _, link := range page.Fields.Links(page.Locator) {
		if linkID, created := mg.getOrCreate(link); created {
			result.Created = append(result.Created, storage.Placeholder{ID: linkID, Locator: link})
		}
	}
	mg.visited[page.Locator] = false
	return result, nil
}

// CacheRawContent stores a page body without touching links or the visited set
func (mg *MemoryGraph) CacheRawContent(_ context.Context, locator, raw string) (int64, error) {
	mg.mu.Lock()
	defer mg.mu.Unlock()

	id, _ := mg.getOrCreate(locator)
	mg.byID[id].RawContent = raw
	return id, nil
}

// ResumeCandidates mirrors the SQL implementation's selection rules
func (mg *MemoryGraph) ResumeCandidates(_ context.Context) ([]storage.ResumeCandidate, error) {
	mg.mu.RLock()
	defer mg.mu.RUnlock()

	var out []storage.ResumeCandidate
	for _, id := range mg.sortedIDs() {
		e := mg.byID[id]
		failed, visited := mg.visited[e.Locator]
		if failed {
			continue
		}
		if e.FullyFetched() && visited {
			continue
		}
		out = append(out, storage.ResumeCandidate{
			ID:          e.ID,
			Locator:     e.Locator,
			Placeholder: e.IsPlaceholder(),
		})
	}
	return out, nil
}

// AllEntities yields copies in id order without holding the lock across yields
func (mg *MemoryGraph) AllEntities(_ context.Context, projection storage.Projection) iter.Seq2[storage.Entity, error] {
	return func(yield func(storage.Entity, error) bool) {
		mg.mu.RLock()
		ids := mg.sortedIDs()
		mg.mu.RUnlock()

		for _, id := range ids {
			mg.mu.RLock()
			e := clone(mg.byID[id])
			mg.mu.RUnlock()

			if projection != storage.ProjectionFull {
				e.RawContent = ""
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// UpdateResolvedLinks overwrites both resolved id lists of a row
func (mg *MemoryGraph) UpdateResolvedLinks(_ context.Context, id int64, predecessors, successors []int64) error {
	mg.mu.Lock()
	defer mg.mu.Unlock()

	e, exists := mg.byID[id]
	if !exists {
		return storage.Wrap("update resolved links", "", fmt.Errorf("entity %d: %w", id, storage.ErrNotFound))
	}
	e.ResolvedPredecessors = slices.Clone(storage.NonNilIDs(predecessors))
	e.ResolvedSuccessors = slices.Clone(storage.NonNilIDs(successors))
	return nil
}

// GetStats returns current graph statistics
func (mg *MemoryGraph) GetStats() (entityCount, visitedCount int) {
	mg.mu.RLock()
	defer mg.mu.RUnlock()

	return len(mg.entities), len(mg.visited)
}

// Close is a no-op; the graph lives as long as the process.
func (mg *MemoryGraph) Close() error {
	return nil
}

func (mg *MemoryGraph) sortedIDs() []int64 {
	ids := make([]int64, 0, len(mg.byID))
	for id := range mg.byID {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func clone(e *storage.Entity) storage.Entity {
	c := *e
	c.PredecessorLinks = slices.Clone(e.PredecessorLinks)
	c.SuccessorLinks = slices.Clone(e.SuccessorLinks)
	c.ResolvedPredecessors = slices.Clone(e.ResolvedPredecessors)
	c.ResolvedSuccessors = slices.Clone(e.ResolvedSuccessors)
	return c
}
