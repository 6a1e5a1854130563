package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alvmarrod/lineage-weaver/internal/storage"
)

// Tracker holds and manages run metrics
type Tracker struct {
	mu               sync.Mutex
	data             storage.Metrics
	totalFetchTimeMs int64
	fetchCount       int
}

// NewTracker creates a new metrics tracker
func NewTracker(runID, mode string) *Tracker {
	Init()
	return &Tracker{
		data: storage.Metrics{
			RunID:     runID,
			Mode:      mode,
			StartTime: time.Now(),
		},
	}
}

// PageFetched records a successful network fetch and its duration
func (t *Tracker) PageFetched(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PagesFetched++
	t.totalFetchTimeMs += duration.Milliseconds()
	t.fetchCount++
	pagesTotal.WithLabelValues(OutcomeFetched).Inc()
	fetchDuration.Observe(duration.Seconds())
}

// PageReplayed records a page parsed from cached content
func (t *Tracker) PageReplayed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PagesReplayed++
	pagesTotal.WithLabelValues(OutcomeReplayed).Inc()
}

// PageFailed records a locator given up on after retries
func (t *Tracker) PageFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PagesFailed++
	pagesTotal.WithLabelValues(OutcomeFailed).Inc()
}

// ParseFailed records a page whose content could not be parsed
func (t *Tracker) ParseFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.ParseFailures++
	pagesTotal.WithLabelValues(OutcomeParseFailed).Inc()
}

// StoreFailed records a page whose commit failed
func (t *Tracker) StoreFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.StoreFailures++
	pagesTotal.WithLabelValues(OutcomeStoreFailed).Inc()
}

// PlaceholdersCreated records newly discovered locators
func (t *Tracker) PlaceholdersCreated(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.PlaceholdersCreated += n
	placeholdersTotal.Add(float64(n))
}

// LinksResolved records one resolver pass
func (t *Tracker) LinksResolved(rows, dropped int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.RowsResolved += rows
	t.data.LinksDropped += dropped
	rowsResolvedTotal.Add(float64(rows))
	linksDroppedTotal.Add(float64(dropped))
}

// SetRun relabels the tracker once a run has been assigned its id
func (t *Tracker) SetRun(runID, mode string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.RunID = runID
	t.data.Mode = mode
}

// GetSnapshot returns a copy of current metrics
func (t *Tracker) GetSnapshot() storage.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := t.data
	snapshot.TotalFetchTimeMs = t.totalFetchTimeMs

	// Calculate average fetch time
	if t.fetchCount > 0 {
		snapshot.AvgFetchTimeMs = t.totalFetchTimeMs / int64(t.fetchCount)
	}

	return snapshot
}

// WriteToFile exports metrics to a JSON file
func (t *Tracker) WriteToFile(path, reason string) error {
	t.mu.Lock()
	t.data.EndTime = time.Now()
	t.data.TerminationReason = reason
	t.mu.Unlock()

	jsonData, err := json.MarshalIndent(t.GetSnapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}

	return nil
}

// LogProgress formats current metrics for periodic console updates
func (t *Tracker) LogProgress() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fmt.Sprintf("Pages: %d fetched, %d replayed, %d failed | Parse failures: %d | Store failures: %d | Placeholders: %d",
		t.data.PagesFetched,
		t.data.PagesReplayed,
		t.data.PagesFailed,
		t.data.ParseFailures,
		t.data.StoreFailures,
		t.data.PlaceholdersCreated,
	)
}
