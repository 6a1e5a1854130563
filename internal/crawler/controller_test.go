package crawler

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/lineage-weaver/internal/fetch"
	"github.com/alvmarrod/lineage-weaver/internal/memory"
	"github.com/alvmarrod/lineage-weaver/internal/metrics"
	"github.com/alvmarrod/lineage-weaver/internal/parse"
	"github.com/alvmarrod/lineage-weaver/internal/reference"
	"github.com/alvmarrod/lineage-weaver/internal/resolver"
	"github.com/alvmarrod/lineage-weaver/internal/storage"
)

// fakeWiki serves and parses pages from an in-memory link table.
type fakeWiki struct {
	mu     sync.Mutex
	pages  map[string]storage.Fields
	broken map[string]bool
	down   map[string]bool
	calls  map[string]int
}

func newFakeWiki() *fakeWiki {
	return &fakeWiki{
		pages:  make(map[string]storage.Fields),
		broken: make(map[string]bool),
		down:   make(map[string]bool),
		calls:  make(map[string]int),
	}
}

func (w *fakeWiki) page(loc string, preds, succs []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pages[loc] = storage.Fields{
		Name:         strings.TrimPrefix(loc, "/"),
		Stage:        "Child",
		Predecessors: preds,
		Successors:   succs,
	}
}

func (w *fakeWiki) Fetch(_ context.Context, loc string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls[loc]++
	if w.down[loc] {
		return "", &fetch.FetchError{Locator: loc, StatusCode: http.StatusServiceUnavailable, Err: errors.New("unavailable")}
	}
	return "<html>" + loc + "</html>", nil
}

func (w *fakeWiki) Parse(loc, raw string) (storage.Fields, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken[loc] {
		return storage.Fields{}, &parse.ParseError{Locator: loc, Reason: "not an entity page"}
	}
	f, ok := w.pages[loc]
	if !ok {
		f = storage.Fields{Name: strings.TrimPrefix(loc, "/")}
	}
	f.Predecessors = append([]string{}, f.Predecessors...)
	f.Successors = append([]string{}, f.Successors...)
	return f, nil
}

func (w *fakeWiki) fetches(loc string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[loc]
}

func (w *fakeWiki) totalFetches() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := 0
	for _, n := range w.calls {
		total += n
	}
	return total
}

// lineage builds A -> {B, C} with both children pointing back at A.
func lineage() *fakeWiki {
	w := newFakeWiki()
	w.page("/A", nil, []string{"/B", "/C"})
	w.page("/B", []string{"/A"}, nil)
	w.page("/C", []string{"/A"}, nil)
	return w
}

func newTestController(t *testing.T, store storage.Store, wiki *fakeWiki, filter Eligibility, rec Recorder) (*Controller, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewController(store, wiki, wiki, filter, Config{Workers: 3, Logger: logger, Recorder: rec}), hook
}

func entity(t *testing.T, store storage.Store, loc string) *storage.Entity {
	t.Helper()
	e, err := store.EntityByLocator(context.Background(), loc)
	require.NoError(t, err)
	require.NotNil(t, e, "missing entity %s", loc)
	return e
}

func TestRunFreshCrawlsLineage(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryGraph()
	wiki := lineage()
	c, _ := newTestController(t, store, wiki, reference.Open(), nil)

	assert.Equal(t, StateIdle, c.State())

	sum, err := c.RunFresh(ctx, []string{"/A"})
	require.NoError(t, err)

	assert.Equal(t, StateDone, c.State())
	assert.Equal(t, ModeFresh, sum.Mode)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 1, sum.Seeded)
	assert.Equal(t, 3, sum.Fetched)
	assert.Equal(t, 2, sum.PlaceholdersCreated)
	assert.False(t, sum.Interrupted)

	for _, loc := range []string{"/A", "/B", "/C"} {
		assert.Equal(t, 1, wiki.fetches(loc), loc)
		e := entity(t, store, loc)
		assert.True(t, e.FullyFetched(), loc)
		assert.Equal(t, "Child", e.Stage)
		assert.Equal(t, "<html>"+loc+"</html>", e.RawContent)

		visited, err := store.IsVisited(ctx, loc)
		require.NoError(t, err)
		assert.True(t, visited, loc)
	}

	a := entity(t, store, "/A")
	assert.Equal(t, []string{}, a.PredecessorLinks)
	assert.Equal(t, []string{"/B", "/C"}, a.SuccessorLinks)

	entities, visited := store.GetStats()
	assert.Equal(t, 3, entities)
	assert.Equal(t, 3, visited)
}

func TestRunFreshHonorsEligibility(t *testing.T) {
	store := memory.NewMemoryGraph()
	wiki := lineage()
	c, _ := newTestController(t, store, wiki, reference.New([]string{"/A", "/B"}), nil)

	sum, err := c.RunFresh(context.Background(), []string{"/A"})
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Fetched)
	assert.Equal(t, 2, sum.PlaceholdersCreated)
	assert.Zero(t, wiki.fetches("/C"))

	// The ineligible locator still gets its row so resolution can link it
	cRow := entity(t, store, "/C")
	assert.True(t, cRow.IsPlaceholder())
}

func TestRunFreshSeedsBypassEligibility(t *testing.T) {
	store := memory.NewMemoryGraph()
	wiki := lineage()
	c, _ := newTestController(t, store, wiki, reference.New(nil), nil)

	sum, err := c.RunFresh(context.Background(), []string{"/A", "/A"})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Seeded)
	assert.Equal(t, 1, sum.Fetched)
	assert.Equal(t, 1, wiki.fetches("/A"))
}

func TestRunResumeAfterCompletedCrawlFetchesNothing(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryGraph()
	wiki := lineage()
	c, _ := newTestController(t, store, wiki, reference.Open(), nil)

	_, err := c.RunFresh(ctx, []string{"/A"})
	require.NoError(t, err)
	before := wiki.totalFetches()

	sum, err := c.RunResume(ctx)
	require.NoError(t, err)

	assert.Equal(t, ModeResume, sum.Mode)
	assert.Zero(t, sum.Seeded)
	assert.Zero(t, sum.Fetched)
	assert.Equal(t, before, wiki.totalFetches())
}

func TestRunResumeAfterCrashBeforeFetch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryGraph()
	wiki := lineage()

	// A crash right after seeding leaves only the placeholder row
	_, _, err := store.GetOrCreatePlaceholder(ctx, "/A")
	require.NoError(t, err)

	c, _ := newTestController(t, store, wiki, reference.Open(), nil)
	sum, err := c.RunResume(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, wiki.fetches("/A"))
	assert.Equal(t, 3, sum.Fetched)
	assert.True(t, entity(t, store, "/A").FullyFetched())
}

func TestRunResumeReplaysCachedPage(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryGraph()
	wiki := lineage()

	// A crash between fetch and commit leaves raw content with no links
	_, err := store.CacheRawContent(ctx, "/A", "<html>cached</html>")
	require.NoError(t, err)

	c, _ := newTestController(t, store, wiki, reference.Open(), nil)
	sum, err := c.RunResume(ctx)
	require.NoError(t, err)

	assert.Zero(t, wiki.fetches("/A"))
	assert.Equal(t, 1, sum.Replayed)
	assert.Equal(t, 2, sum.Fetched)

	a := entity(t, store, "/A")
	assert.True(t, a.FullyFetched())
	assert.Equal(t, "<html>cached</html>", a.RawContent)
}

func TestRunResumeSkipsIneligiblePlaceholders(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryGraph()
	wiki := lineage()

	_, _, err := store.GetOrCreatePlaceholder(ctx, "/A")
	require.NoError(t, err)
	_, err = store.CacheRawContent(ctx, "/B", "<html>cached</html>")
	require.NoError(t, err)

	// /B was already fetched once, so it is resumed even though it is not eligible
	c, _ := newTestController(t, store, wiki, reference.New([]string{"/C"}), nil)
	sum, err := c.RunResume(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.Seeded)
	assert.Equal(t, 1, sum.Replayed)
	assert.Zero(t, wiki.fetches("/A"))
	assert.True(t, entity(t, store, "/B").FullyFetched())
}

func TestRunFreshParseFailureKeepsRawContent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryGraph()
	wiki := lineage()
	wiki.broken["/A"] = true
	c, hook := newTestController(t, store, wiki, reference.Open(), nil)

	sum, err := c.RunFresh(ctx, []string{"/A"})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Fetched)
	assert.Equal(t, 1, sum.ParseFailed)

	a := entity(t, store, "/A")
	assert.Equal(t, "<html>/A</html>", a.RawContent)
	assert.False(t, a.FullyFetched())

	visited, err := store.IsVisited(ctx, "/A")
	require.NoError(t, err)
	assert.False(t, visited)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["locator"] == "/A" {
			warned = true
		}
	}
	assert.True(t, warned)

	// Once the parser copes, resume finishes the page from cache
	wiki.broken["/A"] = false
	sum, err = c.RunResume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Replayed)
	assert.Equal(t, 1, wiki.fetches("/A"))
	assert.True(t, entity(t, store, "/A").FullyFetched())
}

func TestRunFreshFetchFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryGraph()
	wiki := lineage()
	wiki.down["/B"] = true
	c, _ := newTestController(t, store, wiki, reference.Open(), nil)

	sum, err := c.RunFresh(ctx, []string{"/A"})
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Fetched)
	assert.Equal(t, 1, sum.Failed)

	visited, err := store.IsVisited(ctx, "/B")
	require.NoError(t, err)
	assert.True(t, visited)

	cands, err := store.ResumeCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestRunReprocessRewritesFromCache(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryGraph()
	wiki := lineage()
	c, _ := newTestController(t, store, wiki, reference.Open(), nil)

	_, err := c.RunFresh(ctx, []string{"/A"})
	require.NoError(t, err)
	fetched := wiki.totalFetches()
	entitiesBefore, visitedBefore := store.GetStats()

	// The parser changed: A now names an unseen successor and a new stage
	wiki.page("/A", nil, []string{"/B", "/C", "/D"})
	wiki.mu.Lock()
	f := wiki.pages["/A"]
	f.Stage = "Adult"
	wiki.pages["/A"] = f
	wiki.mu.Unlock()

	sum, err := c.RunReprocess(ctx)
	require.NoError(t, err)

	assert.Equal(t, ModeReprocess, sum.Mode)
	assert.Equal(t, 3, sum.Replayed)
	assert.Zero(t, sum.PlaceholdersCreated)
	assert.Equal(t, fetched, wiki.totalFetches())

	a := entity(t, store, "/A")
	assert.Equal(t, "Adult", a.Stage)
	assert.Equal(t, []string{"/B", "/C", "/D"}, a.SuccessorLinks)
	assert.Equal(t, "<html>/A</html>", a.RawContent)

	entitiesAfter, visitedAfter := store.GetStats()
	assert.Equal(t, entitiesBefore, entitiesAfter)
	assert.Equal(t, visitedBefore, visitedAfter)

	missing, err := store.EntityByLocator(ctx, "/D")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRunReprocessSkipsRowsWithoutContent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryGraph()
	_, _, err := store.GetOrCreatePlaceholder(ctx, "/A")
	require.NoError(t, err)

	wiki := lineage()
	c, _ := newTestController(t, store, wiki, reference.Open(), nil)
	sum, err := c.RunReprocess(ctx)
	require.NoError(t, err)

	assert.Zero(t, sum.Replayed)
	assert.True(t, entity(t, store, "/A").IsPlaceholder())
}

func TestRunFreshCanceledBeforeStart(t *testing.T) {
	store := memory.NewMemoryGraph()
	wiki := lineage()
	c, _ := newTestController(t, store, wiki, reference.Open(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := c.RunFresh(ctx, []string{"/A"})
	require.NoError(t, err)

	assert.True(t, sum.Interrupted)
	assert.Zero(t, wiki.totalFetches())
	assert.Equal(t, []string{"/A"}, c.Pending())
}

func TestRunFreshRecordsMetrics(t *testing.T) {
	store := memory.NewMemoryGraph()
	wiki := lineage()
	wiki.down["/C"] = true
	tracker := metrics.NewTracker("run", string(ModeFresh))
	c, _ := newTestController(t, store, wiki, reference.Open(), tracker)

	sum, err := c.RunFresh(context.Background(), []string{"/A"})
	require.NoError(t, err)

	snap := tracker.GetSnapshot()
	assert.Equal(t, sum.Fetched, snap.PagesFetched)
	assert.Equal(t, sum.Failed, snap.PagesFailed)
	assert.Equal(t, sum.PlaceholdersCreated, snap.PlaceholdersCreated)
}

func TestRunFreshThenResumeOnSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "weaver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	wiki := lineage()
	c, _ := newTestController(t, store, wiki, reference.Open(), nil)

	sum, err := c.RunFresh(ctx, []string{"/A"})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Fetched)

	sum, err = c.RunResume(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Fetched)
	assert.Equal(t, 3, wiki.totalFetches())

	var locators []string
	for e, err := range store.AllEntities(ctx, storage.ProjectionLinks) {
		require.NoError(t, err)
		locators = append(locators, e.Locator)
	}
	slices.Sort(locators)
	assert.Equal(t, []string{"/A", "/B", "/C"}, locators)
}

func newSQLiteStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "weaver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRunResumeAfterCrashBeforeVisitedMark(t *testing.T) {
	stores := map[string]func(t *testing.T) storage.Store{
		"memory": func(*testing.T) storage.Store { return memory.NewMemoryGraph() },
		"sqlite": newSQLiteStore,
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			clean := memory.NewMemoryGraph()
			cleanCtl, _ := newTestController(t, clean, lineage(), reference.Open(), nil)
			_, err := cleanCtl.RunFresh(ctx, []string{"/A"})
			require.NoError(t, err)
			want := entity(t, clean, "/B")

			store := open(t)
			wiki := lineage()

			// /A committed, then /B written but the process died before its visited mark
			aFields, err := wiki.Parse("/A", "")
			require.NoError(t, err)
			aFields.RawContent = "<html>/A</html>"
			_, err = store.CommitPage(ctx, storage.PageCommit{Locator: "/A", Fields: aFields})
			require.NoError(t, err)

			bFields, err := wiki.Parse("/B", "")
			require.NoError(t, err)
			bFields.RawContent = "<html>/B</html>"
			require.NoError(t, store.CompleteEntity(ctx, entity(t, store, "/B").ID, bFields))

			c, _ := newTestController(t, store, wiki, reference.Open(), nil)
			sum, err := c.RunResume(ctx)
			require.NoError(t, err)

			assert.Equal(t, 1, wiki.fetches("/B"))
			assert.Zero(t, wiki.fetches("/A"))
			assert.Equal(t, 2, sum.Fetched)

			b := entity(t, store, "/B")
			assert.Equal(t, want.PredecessorLinks, b.PredecessorLinks)
			assert.Equal(t, want.SuccessorLinks, b.SuccessorLinks)
			assert.Equal(t, want.RawContent, b.RawContent)

			visited, err := store.IsVisited(ctx, "/B")
			require.NoError(t, err)
			assert.True(t, visited)

			sum, err = c.RunResume(ctx)
			require.NoError(t, err)
			assert.Zero(t, sum.Fetched)
			assert.Equal(t, 1, wiki.fetches("/B"))
		})
	}
}

func TestCrawlThenResolveOnSQLite(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	wiki := lineage()
	logger, _ := test.NewNullLogger()

	c, _ := newTestController(t, store, wiki, reference.New([]string{"/A", "/B"}), nil)
	_, err := c.RunFresh(ctx, []string{"/A"})
	require.NoError(t, err)

	r := resolver.New(store, resolver.Config{Workers: 2, Logger: logger})
	sum, err := r.ResolveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.RowsUpdated)
	assert.Zero(t, sum.Dropped)

	a := entity(t, store, "/A")
	b := entity(t, store, "/B")
	cRow := entity(t, store, "/C")

	assert.Equal(t, []int64{}, a.ResolvedPredecessors)
	assert.Equal(t, []int64{b.ID, cRow.ID}, a.ResolvedSuccessors)
	assert.Equal(t, []int64{a.ID}, b.ResolvedPredecessors)
	assert.Equal(t, []int64{}, b.ResolvedSuccessors)

	// The gated locator has an id to link to but was never fetched
	assert.Zero(t, wiki.fetches("/C"))
	assert.True(t, cRow.IsPlaceholder())
	assert.Nil(t, cRow.ResolvedSuccessors)

	// A second pass rewrites identical lists
	_, err = r.ResolveAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ResolvedSuccessors, entity(t, store, "/A").ResolvedSuccessors)
	assert.Equal(t, b.ResolvedPredecessors, entity(t, store, "/B").ResolvedPredecessors)

	resumed, err := c.RunResume(ctx)
	require.NoError(t, err)
	assert.Zero(t, resumed.Fetched)
}

// A page whose cache was completed by reprocess still lacks its visited
// mark, so resume fetches it once more before marking it.
func TestRunResumeRefetchesReprocessedPage(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryGraph()
	wiki := lineage()
	wiki.broken["/A"] = true
	c, _ := newTestController(t, store, wiki, reference.Open(), nil)

	_, err := c.RunFresh(ctx, []string{"/A"})
	require.NoError(t, err)

	wiki.broken["/A"] = false
	sum, err := c.RunReprocess(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Replayed)
	assert.True(t, entity(t, store, "/A").FullyFetched())
	assert.Equal(t, 1, wiki.fetches("/A"))

	sum, err = c.RunResume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, wiki.fetches("/A"))
	assert.Equal(t, 3, sum.Fetched)

	sum, err = c.RunResume(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Fetched)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "seeding", StateSeeding.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "state(9)", State(9).String())
}
