package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/lineage-weaver/internal/fetch"
	"github.com/alvmarrod/lineage-weaver/internal/parse"
	"github.com/alvmarrod/lineage-weaver/internal/storage"
)

// ErrAlreadyRunning is returned when a run is started while another is in progress.
var ErrAlreadyRunning = errors.New("controller is already running")

// State is the lifecycle position of a Controller.
type State int32

const (
	StateIdle State = iota
	StateSeeding
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSeeding:
		return "seeding"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Mode names the entry point a run was started with.
type Mode string

const (
	ModeFresh     Mode = "fresh"
	ModeResume    Mode = "resume"
	ModeReprocess Mode = "reprocess"
)

// Eligibility decides whether a discovered locator may enter the frontier.
type Eligibility interface {
	IsEligible(locator string) bool
}

// Recorder receives per-page outcomes. metrics.Tracker implements it.
type Recorder interface {
	PageFetched(duration time.Duration)
	PageReplayed()
	PageFailed()
	ParseFailed()
	StoreFailed()
	PlaceholdersCreated(n int)
}

type nopRecorder struct{}

func (nopRecorder) PageFetched(time.Duration) {}
func (nopRecorder) PageReplayed()             {}
func (nopRecorder) PageFailed()               {}
func (nopRecorder) ParseFailed()              {}
func (nopRecorder) StoreFailed()              {}
func (nopRecorder) PlaceholdersCreated(int)   {}

// Config tunes a Controller. Zero values are usable.
type Config struct {
	Workers  int
	Logger   logrus.FieldLogger
	Recorder Recorder
}

// Summary reports what one run did.
type Summary struct {
	RunID               string        `json:"run_id"`
	Mode                Mode          `json:"mode"`
	Seeded              int           `json:"seeded"`
	Skipped             int           `json:"skipped"`
	Fetched             int           `json:"fetched"`
	Replayed            int           `json:"replayed"`
	Failed              int           `json:"failed"`
	ParseFailed         int           `json:"parse_failed"`
	StoreFailed         int           `json:"store_failed"`
	PlaceholdersCreated int           `json:"placeholders_created"`
	Interrupted         bool          `json:"interrupted"`
	Duration            time.Duration `json:"duration"`
}

// Controller drives the crawl: it owns the frontier and the run counters,
// while every durable fact lives in the store.
type Controller struct {
	store   storage.Store
	fetcher fetch.Fetcher
	parser  parse.Parser
	filter  Eligibility
	workers int
	log     logrus.FieldLogger
	rec     Recorder

	state atomic.Int32
	runMu sync.Mutex

	// per-run state, reset by begin
	queue   *Queue
	runLog  logrus.FieldLogger
	mu      sync.Mutex
	summary Summary
}

// NewController wires a controller. fetcher should already apply retries.
func NewController(store storage.Store, fetcher fetch.Fetcher, parser parse.Parser, filter Eligibility, cfg Config) *Controller {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	return &Controller{
		store:   store,
		fetcher: fetcher,
		parser:  parser,
		filter:  filter,
		workers: cfg.Workers,
		log:     cfg.Logger,
		rec:     cfg.Recorder,
		queue:   NewQueue(),
		runLog:  cfg.Logger,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// RunFresh crawls outward from seeds. Seeds bypass the eligibility filter.
func (c *Controller) RunFresh(ctx context.Context, seeds []string) (Summary, error) {
	if !c.runMu.TryLock() {
		return Summary{}, ErrAlreadyRunning
	}
	defer c.runMu.Unlock()

	start := time.Now()
	c.begin(ModeFresh)
	for _, seed := range seeds {
		if c.queue.Push(seed) {
			c.tally(func(s *Summary) { s.Seeded++ })
		}
	}
	c.runLog.Infof("Seeded frontier with %d locators", c.queue.Size())

	c.drain(ctx)
	return c.finish(ctx, start), nil
}

// RunResume continues an interrupted crawl from what the store already knows.
// Rows never fetched are admitted only when eligible; rows that were fetched
// but not completed are always admitted.
func (c *Controller) RunResume(ctx context.Context) (Summary, error) {
	if !c.runMu.TryLock() {
		return Summary{}, ErrAlreadyRunning
	}
	defer c.runMu.Unlock()

	start := time.Now()
	c.begin(ModeResume)

	candidates, err := c.store.ResumeCandidates(ctx)
	if err != nil {
		c.setState(StateDone)
		return c.snapshot(), fmt.Errorf("load resume candidates: %w", err)
	}

	for _, cand := range candidates {
		if cand.Placeholder && !c.filter.IsEligible(cand.Locator) {
			c.tally(func(s *Summary) { s.Skipped++ })
			continue
		}
		if c.queue.Push(cand.Locator) {
			c.tally(func(s *Summary) { s.Seeded++ })
		}
	}
	c.runLog.Infof("Resuming with %d of %d candidate locators", c.queue.Size(), len(candidates))

	c.drain(ctx)
	return c.finish(ctx, start), nil
}

// RunReprocess re-parses every cached page body and rewrites its entity
// fields and raw links. It never fetches, never creates rows and leaves the
// visited set alone.
func (c *Controller) RunReprocess(ctx context.Context) (Summary, error) {
	if !c.runMu.TryLock() {
		return Summary{}, ErrAlreadyRunning
	}
	defer c.runMu.Unlock()

	start := time.Now()
	c.begin(ModeReprocess)
	c.setState(StateDraining)

	// Store calls run detached; cancellation is checked between rows
	storeCtx := context.WithoutCancel(ctx)

	var iterErr error
	for e, err := range c.store.AllEntities(storeCtx, storage.ProjectionFull) {
		if err != nil {
			iterErr = err
			break
		}
		if ctx.Err() != nil {
			break
		}
		if e.RawContent == "" {
			continue
		}

		log := c.runLog.WithField("locator", e.Locator)
		fields, err := c.parser.Parse(e.Locator, e.RawContent)
		if err != nil {
			log.WithError(err).Warn("Reprocess: cached page does not parse")
			c.rec.ParseFailed()
			c.tally(func(s *Summary) { s.ParseFailed++ })
			continue
		}
		if err := c.store.CompleteEntity(storeCtx, e.ID, fields); err != nil {
			log.WithError(err).Error("Reprocess: failed to update entity")
			c.rec.StoreFailed()
			c.tally(func(s *Summary) { s.StoreFailed++ })
			continue
		}
		log.Debug("Reprocessed cached page")
		c.rec.PageReplayed()
		c.tally(func(s *Summary) { s.Replayed++ })
	}

	summary := c.finish(ctx, start)
	if iterErr != nil {
		return summary, fmt.Errorf("reprocess: %w", iterErr)
	}
	return summary, nil
}

// Pending returns locators still in the frontier, e.g. after an interrupt.
func (c *Controller) Pending() []string {
	c.mu.Lock()
	q := c.queue
	c.mu.Unlock()
	return q.Pending()
}

func (c *Controller) begin(mode Mode) {
	runID := uuid.NewString()

	c.mu.Lock()
	c.queue = NewQueue()
	c.summary = Summary{RunID: runID, Mode: mode}
	c.runLog = c.log.WithFields(logrus.Fields{"run_id": runID, "mode": mode})
	c.mu.Unlock()

	c.setState(StateSeeding)
	c.runLog.Info("Run started")
}

func (c *Controller) finish(ctx context.Context, start time.Time) Summary {
	c.tally(func(s *Summary) {
		s.Duration = time.Since(start)
		s.Interrupted = ctx.Err() != nil
	})
	c.setState(StateDone)

	summary := c.snapshot()
	c.runLog.WithFields(logrus.Fields{
		"fetched":      summary.Fetched,
		"replayed":     summary.Replayed,
		"failed":       summary.Failed,
		"parse_failed": summary.ParseFailed,
		"store_failed": summary.StoreFailed,
		"placeholders": summary.PlaceholdersCreated,
		"interrupted":  summary.Interrupted,
	}).Infof("Run finished in %v", summary.Duration.Round(time.Millisecond))
	return summary
}

// drain runs the worker pool until the frontier is exhausted or ctx is done.
func (c *Controller) drain(ctx context.Context) {
	c.setState(StateDraining)

	stop := context.AfterFunc(ctx, c.queue.Stop)
	defer stop()

	var wg sync.WaitGroup
	for i := range c.workers {
		wg.Go(func() { c.worker(ctx, i+1) })
	}
	wg.Wait()
}

func (c *Controller) worker(ctx context.Context, id int) {
	log := c.runLog.WithField("worker", id)
	log.Debug("Worker started")

	// A page in progress always finishes its commit
	pageCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			log.Debug("Worker stopping on cancellation")
			return
		}

		loc, ok := c.queue.Pop()
		if !ok {
			log.Debug("Worker found frontier drained")
			return
		}

		c.processPage(pageCtx, log.WithField("locator", loc), loc)
		c.queue.Done()
	}
}

// processPage takes one locator through fetch (or cache replay), parse and
// commit. Errors are logged and counted; none of them stops the crawl.
func (c *Controller) processPage(ctx context.Context, log logrus.FieldLogger, loc string) {
	visited, err := c.store.IsVisited(ctx, loc)
	if err != nil {
		c.storeFailure(log, err, "failed to check visited set")
		return
	}
	if visited {
		log.Debug("Already visited, skipping")
		return
	}

	row, err := c.store.EntityByLocator(ctx, loc)
	if err != nil {
		c.storeFailure(log, err, "failed to load entity")
		return
	}

	var (
		raw      string
		replayed bool
	)
	if row != nil && row.RawContent != "" && !row.FullyFetched() {
		raw = row.RawContent
		replayed = true
		log.Debug("Replaying cached page")
	} else {
		start := time.Now()
		raw, err = c.fetcher.Fetch(ctx, loc)
		if err != nil {
			log.WithError(err).Warn("Fetch failed, marking locator as failed")
			c.rec.PageFailed()
			c.tally(func(s *Summary) { s.Failed++ })
			if err := c.store.MarkVisited(ctx, loc, true); err != nil {
				c.storeFailure(log, err, "failed to mark locator as failed")
			}
			return
		}
		c.rec.PageFetched(time.Since(start))
		c.tally(func(s *Summary) { s.Fetched++ })
	}

	fields, err := c.parser.Parse(loc, raw)
	if err != nil {
		log.WithError(err).Warn("Parse failed, keeping raw content for a later pass")
		c.rec.ParseFailed()
		c.tally(func(s *Summary) { s.ParseFailed++ })
		if !replayed {
			if _, err := c.store.CacheRawContent(ctx, loc, raw); err != nil {
				c.storeFailure(log, err, "failed to cache raw content")
			}
		}
		return
	}

	if replayed {
		c.rec.PageReplayed()
		c.tally(func(s *Summary) { s.Replayed++ })
	} else {
		fields.RawContent = raw
	}

	res, err := c.store.CommitPage(ctx, storage.PageCommit{Locator: loc, Fields: fields})
	if err != nil {
		c.storeFailure(log, err, "failed to commit page")
		return
	}

	c.rec.PlaceholdersCreated(len(res.Created))
	c.tally(func(s *Summary) { s.PlaceholdersCreated += len(res.Created) })

	admitted := 0
	for _, p := range res.Created {
		if !c.filter.IsEligible(p.Locator) {
			continue
		}
		if c.queue.Push(p.Locator) {
			admitted++
		}
	}

	log.WithFields(logrus.Fields{
		"id":           res.ID,
		"level":        storage.StageLevel(fields.Stage),
		"predecessors": len(fields.Predecessors),
		"successors":   len(fields.Successors),
		"discovered":   len(res.Created),
		"admitted":     admitted,
	}).Infof("Committed %s", fields.Name)
}

func (c *Controller) storeFailure(log logrus.FieldLogger, err error, msg string) {
	log.WithError(err).Error(msg)
	c.rec.StoreFailed()
	c.tally(func(s *Summary) { s.StoreFailed++ })
}

func (c *Controller) tally(update func(*Summary)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	update(&c.summary)
}

func (c *Controller) snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}
