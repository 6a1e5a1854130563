package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// ErrNotFound is returned when an operation targets an entity id that does not exist.
var ErrNotFound = errors.New("entity not found")

// Store is the durable state shared by the crawl controller and the link resolver.
type Store interface {
	// GetOrCreatePlaceholder returns the id for locator, inserting a
	// placeholder row when none exists. created is true only for the call
	// that inserted the row.
	GetOrCreatePlaceholder(ctx context.Context, locator string) (id int64, created bool, err error)

	// CompleteEntity writes the scalar fields and both link lists of an
	// existing row in one statement.
	CompleteEntity(ctx context.Context, id int64, fields Fields) error

	MarkVisited(ctx context.Context, locator string, failed bool) error
	IsVisited(ctx context.Context, locator string) (bool, error)

	// EntityByLocator returns nil, nil when no row exists.
	EntityByLocator(ctx context.Context, locator string) (*Entity, error)

	// CommitPage ensures the page's row exists, completes it, creates a
	// placeholder for every linked locator and marks the page visited, all
	// in one transaction.
	CommitPage(ctx context.Context, page PageCommit) (CommitResult, error)

	// CacheRawContent keeps a page body whose parse failed.
	CacheRawContent(ctx context.Context, locator, raw string) (int64, error)

	ResumeCandidates(ctx context.Context) ([]ResumeCandidate, error)

	// AllEntities yields every row in id order. No cursor is held between
	// yields, so callers may write to the store while iterating.
	AllEntities(ctx context.Context, projection Projection) iter.Seq2[Entity, error]

	UpdateResolvedLinks(ctx context.Context, id int64, predecessors, successors []int64) error

	Close() error
}

// StoreError wraps every failure surfaced by a Store implementation.
type StoreError struct {
	Op      string
	Locator string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Locator != "" {
		return fmt.Sprintf("store %s %q: %v", e.Op, e.Locator, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Wrap returns err as a *StoreError unless it already is one.
func Wrap(op, locator string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Locator: locator, Err: err}
}

// NonNilLocators returns links, or an empty slice when links is nil.
func NonNilLocators(links []string) []string {
	if links == nil {
		return []string{}
	}
	return links
}

// NonNilIDs returns ids, or an empty slice when ids is nil.
func NonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
