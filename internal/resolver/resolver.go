// Package resolver turns raw link locators into entity ids.
package resolver

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/alvmarrod/lineage-weaver/internal/storage"
)

// Source is the part of storage.Store the resolver needs.
type Source interface {
	AllEntities(ctx context.Context, projection storage.Projection) iter.Seq2[storage.Entity, error]
	UpdateResolvedLinks(ctx context.Context, id int64, predecessors, successors []int64) error
}

// Recorder receives the outcome of a pass. metrics.Tracker implements it.
type Recorder interface {
	LinksResolved(rows, dropped int)
}

// Config tunes a Resolver. Zero values are usable.
type Config struct {
	Workers  int
	Logger   logrus.FieldLogger
	Recorder Recorder
}

// Summary reports one pass.
type Summary struct {
	Rows        int           `json:"rows"`
	RowsUpdated int           `json:"rows_updated"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Dropped     int           `json:"dropped"`
	Duration    time.Duration `json:"duration"`
}

// Resolver recomputes every row's resolved links from scratch.
type Resolver struct {
	src     Source
	workers int
	log     logrus.FieldLogger
	rec     Recorder
}

type linkRow struct {
	id    int64
	loc   string
	preds []string
	succs []string
}

func New(src Source, cfg Config) *Resolver {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Resolver{src: src, workers: cfg.Workers, log: cfg.Logger, rec: cfg.Recorder}
}

// ResolveAll snapshots locator→id for every row, then rewrites the resolved
// lists of each row that has raw links. Misses are dropped and duplicates
// collapse to their first occurrence. Rows without raw links are left as they
// are and no rows are ever created.
func (r *Resolver) ResolveAll(ctx context.Context) (Summary, error) {
	start := time.Now()
	var sum Summary

	index := make(map[string]int64)
	var rows []linkRow
	for e, err := range r.src.AllEntities(ctx, storage.ProjectionLinks) {
		if err != nil {
			return sum, fmt.Errorf("snapshot entities: %w", err)
		}
		sum.Rows++
		index[e.Locator] = e.ID
		if e.PredecessorLinks == nil && e.SuccessorLinks == nil {
			sum.Skipped++
			continue
		}
		rows = append(rows, linkRow{id: e.ID, loc: e.Locator, preds: e.PredecessorLinks, succs: e.SuccessorLinks})
	}
	r.log.Infof("Resolving links for %d of %d entities", len(rows), sum.Rows)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, row := range rows {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			preds, droppedPreds := resolve(index, row.preds)
			succs, droppedSuccs := resolve(index, row.succs)

			err := r.src.UpdateResolvedLinks(ctx, row.id, preds, succs)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.log.WithError(err).WithField("locator", row.loc).Error("Failed to write resolved links")
				sum.Failed++
				return nil
			}
			sum.RowsUpdated++
			sum.Dropped += droppedPreds + droppedSuccs
			return nil
		})
	}
	waitErr := g.Wait()

	sum.Duration = time.Since(start)
	if r.rec != nil {
		r.rec.LinksResolved(sum.RowsUpdated, sum.Dropped)
	}
	r.log.WithFields(logrus.Fields{
		"rows_updated": sum.RowsUpdated,
		"skipped":      sum.Skipped,
		"failed":       sum.Failed,
		"dropped":      sum.Dropped,
	}).Infof("Resolution finished in %v", sum.Duration.Round(time.Millisecond))

	if waitErr != nil {
		return sum, fmt.Errorf("resolve interrupted: %w", waitErr)
	}
	return sum, nil
}

// resolve maps locators to ids in first-seen order. A nil input stays nil.
func resolve(index map[string]int64, links []string) ([]int64, int) {
	if links == nil {
		return nil, 0
	}
	out := make([]int64, 0, len(links))
	seen := make(map[int64]struct{}, len(links))
	dropped := 0
	for _, loc := range links {
		id, ok := index[loc]
		if !ok {
			dropped++
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, dropped
}
