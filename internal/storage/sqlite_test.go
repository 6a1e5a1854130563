package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(filepath.Join(t.TempDir(), "weaver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetOrCreatePlaceholderIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStorage(t)

	id, created, err := s.GetOrCreatePlaceholder(ctx, "/Agumon")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.GetOrCreatePlaceholder(ctx, "/Agumon")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	e, err := s.EntityByLocator(ctx, "/Agumon")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.True(t, e.IsPlaceholder())
	assert.Nil(t, e.PredecessorLinks)
	assert.Nil(t, e.ResolvedSuccessors)
}

func TestEntityByLocatorMissing(t *testing.T) {
	t.Parallel()
	s := newTestStorage(t)

	e, err := s.EntityByLocator(context.Background(), "/Nobody")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestCompleteEntityKeepsRawContentWhenEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStorage(t)

	id, err := s.CacheRawContent(ctx, "/Gabumon", "<html>gabumon</html>")
	require.NoError(t, err)

	require.NoError(t, s.CompleteEntity(ctx, id, Fields{
		Name:         "Gabumon",
		Attribute:    "Data",
		Predecessors: []string{"/Tsunomon"},
	}))

	e, err := s.EntityByLocator(ctx, "/Gabumon")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "<html>gabumon</html>", e.RawContent)
	assert.Equal(t, "Gabumon", e.Name)
	assert.Equal(t, []string{"/Tsunomon"}, e.PredecessorLinks)
	assert.Equal(t, []string{}, e.SuccessorLinks)
	assert.True(t, e.FullyFetched())
}

func TestCompleteEntityUnknownID(t *testing.T) {
	t.Parallel()
	s := newTestStorage(t)

	err := s.CompleteEntity(context.Background(), 42, Fields{Name: "ghost"})
	require.Error(t, err)

	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommitPageCreatesPlaceholdersAndMarksVisited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStorage(t)

	existing, _, err := s.GetOrCreatePlaceholder(ctx, "/Koromon")
	require.NoError(t, err)

	res, err := s.CommitPage(ctx, PageCommit{
		Locator: "/Agumon",
		Fields: Fields{
			Name:         "Agumon",
			Predecessors: []string{"/Koromon"},
			Successors:   []string{"/Greymon", "/Agumon", "/Greymon", "/GeoGreymon"},
			RawContent:   "<html>agumon</html>",
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Created, 2)
	assert.Equal(t, "/Greymon", res.Created[0].Locator)
	assert.Equal(t, "/GeoGreymon", res.Created[1].Locator)

	visited, err := s.IsVisited(ctx, "/Agumon")
	require.NoError(t, err)
	assert.True(t, visited)

	koromon, err := s.EntityByLocator(ctx, "/Koromon")
	require.NoError(t, err)
	assert.Equal(t, existing, koromon.ID)

	agumon, err := s.EntityByLocator(ctx, "/Agumon")
	require.NoError(t, err)
	assert.Equal(t, res.ID, agumon.ID)
	assert.Equal(t, []string{"/Greymon", "/Agumon", "/Greymon", "/GeoGreymon"}, agumon.SuccessorLinks)
}

func TestResumeCandidates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStorage(t)

	// done: fully fetched and visited
	_, err := s.CommitPage(ctx, PageCommit{Locator: "/Done", Fields: Fields{Successors: []string{"/Pending"}}})
	require.NoError(t, err)

	// crashed: fully fetched, never marked visited
	crashed, _, err := s.GetOrCreatePlaceholder(ctx, "/Crashed")
	require.NoError(t, err)
	require.NoError(t, s.CompleteEntity(ctx, crashed, Fields{Name: "Crashed", RawContent: "<html/>"}))

	// broken: fetch gave up
	_, _, err = s.GetOrCreatePlaceholder(ctx, "/Broken")
	require.NoError(t, err)
	require.NoError(t, s.MarkVisited(ctx, "/Broken", true))

	// cached: body kept after a parse failure
	_, err = s.CacheRawContent(ctx, "/Cached", "<html>odd</html>")
	require.NoError(t, err)

	got, err := s.ResumeCandidates(ctx)
	require.NoError(t, err)

	byLocator := make(map[string]ResumeCandidate, len(got))
	for _, c := range got {
		byLocator[c.Locator] = c
	}
	assert.Len(t, byLocator, 3)
	assert.True(t, byLocator["/Pending"].Placeholder)
	assert.False(t, byLocator["/Crashed"].Placeholder)
	assert.False(t, byLocator["/Cached"].Placeholder)
	assert.NotContains(t, byLocator, "/Done")
	assert.NotContains(t, byLocator, "/Broken")
}

func TestAllEntitiesAllowsWritesWhileIterating(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStorage(t)

	const rows = batchSize + 10
	for i := range rows {
		_, _, err := s.GetOrCreatePlaceholder(ctx, "/E"+string(rune('A'+i%26))+string(rune('a'+i/26)))
		require.NoError(t, err)
	}

	seen := 0
	var last int64
	for e, err := range s.AllEntities(ctx, ProjectionLinks) {
		require.NoError(t, err)
		assert.Greater(t, e.ID, last)
		last = e.ID
		require.NoError(t, s.UpdateResolvedLinks(ctx, e.ID, []int64{e.ID}, nil))
		seen++
	}
	assert.Equal(t, rows, seen)

	e, err := s.EntityByLocator(ctx, "/EAa")
	require.NoError(t, err)
	assert.Equal(t, []int64{e.ID}, e.ResolvedPredecessors)
	assert.Equal(t, []int64{}, e.ResolvedSuccessors)
}

func TestAllEntitiesProjection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStorage(t)

	_, err := s.CacheRawContent(ctx, "/Page", "<html>body</html>")
	require.NoError(t, err)

	for e, err := range s.AllEntities(ctx, ProjectionLinks) {
		require.NoError(t, err)
		assert.Empty(t, e.RawContent)
	}
	for e, err := range s.AllEntities(ctx, ProjectionFull) {
		require.NoError(t, err)
		assert.Equal(t, "<html>body</html>", e.RawContent)
	}
}

func TestDataSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "weaver.db")

	s, err := NewStorage(path)
	require.NoError(t, err)
	id, _, err := s.GetOrCreatePlaceholder(ctx, "/Agumon")
	require.NoError(t, err)
	require.NoError(t, s.MarkVisited(ctx, "/Agumon", false))
	require.NoError(t, s.Close())

	reopened, err := NewStorage(path)
	require.NoError(t, err)
	defer reopened.Close()

	again, created, err := reopened.GetOrCreatePlaceholder(ctx, "/Agumon")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	visited, err := reopened.IsVisited(ctx, "/Agumon")
	require.NoError(t, err)
	assert.True(t, visited)
}

func TestFieldsLinks(t *testing.T) {
	t.Parallel()
	f := Fields{
		Predecessors: []string{"/A", "/Self", "/B"},
		Successors:   []string{"/B", "/C", "/A"},
	}
	assert.Equal(t, []string{"/A", "/B", "/C"}, f.Links("/Self"))
}
