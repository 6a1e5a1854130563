// Package postgres provides a Postgres-backed storage.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alvmarrod/lineage-weaver/internal/storage"
)

const batchSize = 256

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id BIGSERIAL PRIMARY KEY,
	locator TEXT NOT NULL UNIQUE,
	name TEXT,
	attribute TEXT,
	stage TEXT,
	type TEXT,
	raw_content TEXT,
	predecessor_links TEXT[],
	successor_links TEXT[],
	resolved_predecessors BIGINT[],
	resolved_successors BIGINT[],
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS visited (
	locator TEXT PRIMARY KEY,
	failed BOOLEAN NOT NULL DEFAULT false,
	visited_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type pool interface {
	querier
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store implements storage.Store on Postgres.
type Store struct {
	pool pool
}

var _ storage.Store = (*Store)(nil)

// NewStore connects to Postgres and creates the schema if needed.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: p}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithPool wraps an existing pool (primarily for testing).
func NewStoreWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// EnsureSchema creates the tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// GetOrCreatePlaceholder inserts a bare row for locator unless one exists.
func (s *Store) GetOrCreatePlaceholder(ctx context.Context, locator string) (int64, bool, error) {
	id, created, err := getOrCreate(ctx, s.pool, locator)
	return id, created, storage.Wrap("get or create placeholder", locator, err)
}

const getOrCreateQuery = `
WITH ins AS (
	INSERT INTO entities (locator) VALUES ($1)
	ON CONFLICT (locator) DO NOTHING
	RETURNING id
)
SELECT id, true FROM ins
UNION ALL
SELECT id, false FROM entities WHERE locator = $1
LIMIT 1`

func getOrCreate(ctx context.Context, q querier, locator string) (int64, bool, error) {
	var (
		id      int64
		created bool
	)
	// A concurrent insert that has not committed yet is invisible to the
	// statement snapshot, so one retry picks it up once it lands.
	for attempt := 0; attempt < 2; attempt++ {
		err := q.QueryRow(ctx, getOrCreateQuery, locator).Scan(&id, &created)
		if err == nil {
			return id, created, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, false, fmt.Errorf("insert placeholder: %w", err)
		}
	}
	return 0, false, fmt.Errorf("insert placeholder: %w", pgx.ErrNoRows)
}

// CompleteEntity writes fields and both link lists for an existing row.
func (s *Store) CompleteEntity(ctx context.Context, id int64, fields storage.Fields) error {
	return storage.Wrap("complete entity", "", completeEntity(ctx, s.pool, id, fields))
}

func completeEntity(ctx context.Context, q querier, id int64, fields storage.Fields) error {
	tag, err := q.Exec(ctx, `
		UPDATE entities SET
			name = $1,
			attribute = $2,
			stage = $3,
			type = $4,
			raw_content = COALESCE($5, raw_content),
			predecessor_links = $6,
			successor_links = $7,
			updated_at = now()
		WHERE id = $8`,
		nullable(fields.Name), nullable(fields.Attribute), nullable(fields.Stage), nullable(fields.Type),
		nullable(fields.RawContent),
		storage.NonNilLocators(fields.Predecessors), storage.NonNilLocators(fields.Successors),
		id,
	)
	if err != nil {
		return fmt.Errorf("update entity %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entity %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// MarkVisited records locator in the visited set.
func (s *Store) MarkVisited(ctx context.Context, locator string, failed bool) error {
	return storage.Wrap("mark visited", locator, markVisited(ctx, s.pool, locator, failed))
}

func markVisited(ctx context.Context, q querier, locator string, failed bool) error {
	_, err := q.Exec(ctx, `
		INSERT INTO visited (locator, failed) VALUES ($1, $2)
		ON CONFLICT (locator) DO UPDATE
		SET failed = EXCLUDED.failed, visited_at = now()`,
		locator, failed,
	)
	if err != nil {
		return fmt.Errorf("mark visited: %w", err)
	}
	return nil
}

// IsVisited reports whether locator is in the visited set.
func (s *Store) IsVisited(ctx context.Context, locator string) (bool, error) {
	var visited bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM visited WHERE locator = $1)`, locator).Scan(&visited)
	if err != nil {
		return false, storage.Wrap("is visited", locator, err)
	}
	return visited, nil
}

// EntityByLocator returns nil, nil when no row exists.
func (s *Store) EntityByLocator(ctx context.Context, locator string) (*storage.Entity, error) {
	e, err := scanEntity(s.pool.QueryRow(ctx, selectEntity(storage.ProjectionFull)+` WHERE locator = $1`, locator))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Wrap("get entity", locator, err)
	}
	return &e, nil
}

// CommitPage writes a parsed page, its placeholders and its visited mark in one transaction.
func (s *Store) CommitPage(ctx context.Context, page storage.PageCommit) (storage.CommitResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.CommitResult{}, storage.Wrap("commit page", page.Locator, fmt.Errorf("begin: %w", err))
	}

	result, err := commitPage(ctx, tx, page)
	if err != nil {
		_ = tx.Rollback(ctx)
		return storage.CommitResult{}, storage.Wrap("commit page", page.Locator, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.CommitResult{}, storage.Wrap("commit page", page.Locator, fmt.Errorf("commit: %w", err))
	}
	return result, nil
}

func commitPage(ctx context.Context, tx querier, page storage.PageCommit) (storage.CommitResult, error) {
	id, _, err := getOrCreate(ctx, tx, page.Locator)
	if err != nil {
		return storage.CommitResult{}, err
	}
	if err := completeEntity(ctx, tx, id, page.Fields); err != nil {
		return storage.CommitResult{}, err
	}

	result := storage.CommitResult{ID: id}
	for _, link := range page.Fields.Links(page.Locator) {
		linkID, created, err := getOrCreate(ctx, tx, link)
		if err != nil {
			return storage.CommitResult{}, fmt.Errorf("link %q: %w", link, err)
		}
		if created {
			result.Created = append(result.Created, storage.Placeholder{ID: linkID, Locator: link})
		}
	}

	if err := markVisited(ctx, tx, page.Locator, false); err != nil {
		return storage.CommitResult{}, err
	}
	return result, nil
}

// CacheRawContent stores a page body without touching links or the visited set.
func (s *Store) CacheRawContent(ctx context.Context, locator, raw string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO entities (locator, raw_content) VALUES ($1, $2)
		ON CONFLICT (locator) DO UPDATE
		SET raw_content = EXCLUDED.raw_content, updated_at = now()
		RETURNING id`,
		locator, raw,
	).Scan(&id)
	if err != nil {
		return 0, storage.Wrap("cache raw content", locator, err)
	}
	return id, nil
}

// ResumeCandidates returns rows the crawl still has to visit.
func (s *Store) ResumeCandidates(ctx context.Context) ([]storage.ResumeCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.locator,
			(e.raw_content IS NULL AND (e.predecessor_links IS NULL OR e.successor_links IS NULL))
		FROM entities e
		LEFT JOIN visited v ON v.locator = e.locator
		WHERE NOT COALESCE(v.failed, false)
			AND (e.predecessor_links IS NULL OR e.successor_links IS NULL OR v.locator IS NULL)
		ORDER BY e.id`)
	if err != nil {
		return nil, storage.Wrap("resume candidates", "", err)
	}
	defer rows.Close()

	var out []storage.ResumeCandidate
	for rows.Next() {
		var c storage.ResumeCandidate
		if err := rows.Scan(&c.ID, &c.Locator, &c.Placeholder); err != nil {
			return nil, storage.Wrap("resume candidates", "", fmt.Errorf("scan candidate: %w", err))
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("resume candidates", "", err)
	}
	return out, nil
}

// AllEntities yields rows in id order, one keyset page at a time.
func (s *Store) AllEntities(ctx context.Context, projection storage.Projection) iter.Seq2[storage.Entity, error] {
	return func(yield func(storage.Entity, error) bool) {
		var after int64
		for {
			batch, err := s.entityBatch(ctx, projection, after)
			if err != nil {
				yield(storage.Entity{}, storage.Wrap("all entities", "", err))
				return
			}
			if len(batch) == 0 {
				return
			}
			for _, e := range batch {
				if !yield(e, nil) {
					return
				}
			}
			after = batch[len(batch)-1].ID
		}
	}
}

func (s *Store) entityBatch(ctx context.Context, projection storage.Projection, after int64) ([]storage.Entity, error) {
	rows, err := s.pool.Query(ctx,
		selectEntity(projection)+` WHERE id > $1 ORDER BY id LIMIT $2`, after, batchSize)
	if err != nil {
		return nil, fmt.Errorf("load entities: %w", err)
	}
	defer rows.Close()

	var batch []storage.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return batch, nil
}

// UpdateResolvedLinks overwrites both resolved id lists of a row.
func (s *Store) UpdateResolvedLinks(ctx context.Context, id int64, predecessors, successors []int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE entities SET resolved_predecessors = $1, resolved_successors = $2
		WHERE id = $3`,
		storage.NonNilIDs(predecessors), storage.NonNilIDs(successors), id,
	)
	if err != nil {
		return storage.Wrap("update resolved links", "", fmt.Errorf("update entity %d: %w", id, err))
	}
	if tag.RowsAffected() == 0 {
		return storage.Wrap("update resolved links", "", fmt.Errorf("entity %d: %w", id, storage.ErrNotFound))
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func selectEntity(projection storage.Projection) string {
	raw := "NULL::text"
	if projection == storage.ProjectionFull {
		raw = "raw_content"
	}
	return `SELECT id, locator, name, attribute, stage, type, ` + raw + `,
		predecessor_links, successor_links, resolved_predecessors, resolved_successors
		FROM entities`
}

func scanEntity(row pgx.Row) (storage.Entity, error) {
	var (
		e                                storage.Entity
		name, attribute, stage, typ, raw *string
	)
	err := row.Scan(&e.ID, &e.Locator, &name, &attribute, &stage, &typ, &raw,
		&e.PredecessorLinks, &e.SuccessorLinks, &e.ResolvedPredecessors, &e.ResolvedSuccessors)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Entity{}, err
		}
		return storage.Entity{}, fmt.Errorf("scan entity: %w", err)
	}
	e.Name = deref(name)
	e.Attribute = deref(attribute)
	e.Stage = deref(stage)
	e.Type = deref(typ)
	e.RawContent = deref(raw)
	return e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
