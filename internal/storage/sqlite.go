package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	_ "github.com/mattn/go-sqlite3"
)

// batchSize bounds how many rows AllEntities loads per query.
const batchSize = 256

// Storage is the SQLite implementation of Store
type Storage struct {
	db *sql.DB
}

var _ Store = (*Storage)(nil)

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewStorage creates a new Storage instance, opening/creating the DB and initializing schema
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer keeps transactions serialized across crawl workers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &Storage{db: db}

	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// initSchema creates tables and indices if they don't exist
func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		locator TEXT UNIQUE NOT NULL,
		name TEXT,
		attribute TEXT,
		stage TEXT,
		type TEXT,
		raw_content TEXT,
		predecessor_links TEXT,
		successor_links TEXT,
		resolved_predecessors TEXT,
		resolved_successors TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS visited (
		locator TEXT PRIMARY KEY,
		failed INTEGER NOT NULL DEFAULT 0,
		visited_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_entities_locator ON entities(locator);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetOrCreatePlaceholder inserts a bare row for locator unless one exists
func (s *Storage) GetOrCreatePlaceholder(ctx context.Context, locator string) (int64, bool, error) {
	id, created, err := getOrCreate(ctx, s.db, locator)
	return id, created, Wrap("get or create placeholder", locator, err)
}

func getOrCreate(ctx context.Context, q execer, locator string) (int64, bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO entities (locator) VALUES (?)
		ON CONFLICT(locator) DO NOTHING
	`, locator)
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert placeholder: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 1 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("failed to read placeholder id: %w", err)
		}
		return id, true, nil
	}

	var id int64
	if err := q.QueryRowContext(ctx, "SELECT id FROM entities WHERE locator = ?", locator).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("failed to retrieve entity id: %w", err)
	}
	return id, false, nil
}

// CompleteEntity writes fields and both link lists for an existing row
func (s *Storage) CompleteEntity(ctx context.Context, id int64, fields Fields) error {
	return Wrap("complete entity", "", completeEntity(ctx, s.db, id, fields))
}

func completeEntity(ctx context.Context, q execer, id int64, fields Fields) error {
	preds, err := encodeJSON(NonNilLocators(fields.Predecessors))
	if err != nil {
		return err
	}
	succs, err := encodeJSON(NonNilLocators(fields.Successors))
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `
		UPDATE entities SET
			name = ?,
			attribute = ?,
			stage = ?,
			type = ?,
			raw_content = COALESCE(?, raw_content),
			predecessor_links = ?,
			successor_links = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, nullString(fields.Name), nullString(fields.Attribute), nullString(fields.Stage),
		nullString(fields.Type), nullString(fields.RawContent), preds, succs, id)
	if err != nil {
		return fmt.Errorf("failed to update entity %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check updated rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("entity %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkVisited records locator in the visited set
func (s *Storage) MarkVisited(ctx context.Context, locator string, failed bool) error {
	return Wrap("mark visited", locator, markVisited(ctx, s.db, locator, failed))
}

func markVisited(ctx context.Context, q execer, locator string, failed bool) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO visited (locator, failed) VALUES (?, ?)
		ON CONFLICT(locator) DO UPDATE SET
			failed = excluded.failed,
			visited_at = CURRENT_TIMESTAMP
	`, locator, failed)
	if err != nil {
		return fmt.Errorf("failed to mark visited: %w", err)
	}
	return nil
}

// IsVisited reports whether locator is in the visited set
func (s *Storage) IsVisited(ctx context.Context, locator string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM visited WHERE locator = ?", locator).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, Wrap("is visited", locator, err)
	}
	return true, nil
}

// EntityByLocator retrieves an entity by locator, returns nil if not found
func (s *Storage) EntityByLocator(ctx context.Context, locator string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, selectEntity(ProjectionFull)+" WHERE locator = ?", locator)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Wrap("get entity", locator, err)
	}
	return e, nil
}

// CommitPage writes a parsed page, its placeholders and its visited mark in one transaction
func (s *Storage) CommitPage(ctx context.Context, page PageCommit) (CommitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, Wrap("commit page", page.Locator, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	id, _, err := getOrCreate(ctx, tx, page.Locator)
	if err != nil {
		return CommitResult{}, Wrap("commit page", page.Locator, err)
	}
	if err := completeEntity(ctx, tx, id, page.Fields); err != nil {
		return CommitResult{}, Wrap("commit page", page.Locator, err)
	}

	result := CommitResult{ID: id}
	for _, link := range page.Fields.Links(page.Locator) {
		linkID, created, err := getOrCreate(ctx, tx, link)
		if err != nil {
			return CommitResult{}, Wrap("commit page", link, err)
		}
		if created {
			result.Created = append(result.Created, Placeholder{ID: linkID, Locator: link})
		}
	}

	if err := markVisited(ctx, tx, page.Locator, false); err != nil {
		return CommitResult{}, Wrap("commit page", page.Locator, err)
	}

	if err := tx.Commit(); err != nil {
		return CommitResult{}, Wrap("commit page", page.Locator, fmt.Errorf("failed to commit: %w", err))
	}
	return result, nil
}

// CacheRawContent stores a page body without touching links or the visited set
func (s *Storage) CacheRawContent(ctx context.Context, locator, raw string) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (locator, raw_content) VALUES (?, ?)
		ON CONFLICT(locator) DO UPDATE SET
			raw_content = excluded.raw_content,
			updated_at = CURRENT_TIMESTAMP
	`, locator, raw)
	if err != nil {
		return 0, Wrap("cache raw content", locator, err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, "SELECT id FROM entities WHERE locator = ?", locator).Scan(&id); err != nil {
		return 0, Wrap("cache raw content", locator, err)
	}
	return id, nil
}

// ResumeCandidates returns rows that are not fully fetched or not visited,
// excluding locators already confirmed unfetchable
func (s *Storage) ResumeCandidates(ctx context.Context) ([]ResumeCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.locator,
			CASE WHEN e.raw_content IS NULL AND (e.predecessor_links IS NULL OR e.successor_links IS NULL)
				THEN 1 ELSE 0 END
		FROM entities e
		LEFT JOIN visited v ON v.locator = e.locator
		WHERE COALESCE(v.failed, 0) = 0
			AND (e.predecessor_links IS NULL OR e.successor_links IS NULL OR v.locator IS NULL)
		ORDER BY e.id ASC
	`)
	if err != nil {
		return nil, Wrap("resume candidates", "", err)
	}
	defer rows.Close()

	var out []ResumeCandidate
	for rows.Next() {
		var (
			c           ResumeCandidate
			placeholder int
		)
		if err := rows.Scan(&c.ID, &c.Locator, &placeholder); err != nil {
			return nil, Wrap("resume candidates", "", fmt.Errorf("failed to scan candidate: %w", err))
		}
		c.Placeholder = placeholder == 1
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, Wrap("resume candidates", "", fmt.Errorf("error iterating candidates: %w", err))
	}
	return out, nil
}

// AllEntities yields rows in id order, one keyset page at a time
func (s *Storage) AllEntities(ctx context.Context, projection Projection) iter.Seq2[Entity, error] {
	return func(yield func(Entity, error) bool) {
		var after int64
		for {
			batch, err := s.entityBatch(ctx, projection, after)
			if err != nil {
				yield(Entity{}, Wrap("all entities", "", err))
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

func (s *Storage) entityBatch(ctx context.Context, projection Projection, after int64) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEntity(projection)+" WHERE id > ? ORDER BY id ASC LIMIT ?", after, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load entities: %w", err)
	}
	defer rows.Close()

	batch := make([]Entity, 0, batchSize)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return batch, nil
}

// UpdateResolvedLinks overwrites both resolved id lists of a row
func (s *Storage) UpdateResolvedLinks(ctx context.Context, id int64, predecessors, successors []int64) error {
	preds, err := encodeJSON(NonNilIDs(predecessors))
	if err != nil {
		return Wrap("update resolved links", "", err)
	}
	succs, err := encodeJSON(NonNilIDs(successors))
	if err != nil {
		return Wrap("update resolved links", "", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET resolved_predecessors = ?, resolved_successors = ?
		WHERE id = ?
	`, preds, succs, id)
	if err != nil {
		return Wrap("update resolved links", "", fmt.Errorf("failed to update entity %d: %w", id, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Wrap("update resolved links", "", fmt.Errorf("entity %d: %w", id, ErrNotFound))
	}
	return nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func selectEntity(projection Projection) string {
	raw := "NULL"
	if projection == ProjectionFull {
		raw = "raw_content"
	}
	return `SELECT id, locator, name, attribute, stage, type, ` + raw + `,
		predecessor_links, successor_links, resolved_predecessors, resolved_successors
		FROM entities`
}

func scanEntity(row scanner) (*Entity, error) {
	var (
		e                                Entity
		name, attribute, stage, typ, raw sql.NullString
		preds, succs, resPreds, resSuccs sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Locator, &name, &attribute, &stage, &typ, &raw,
		&preds, &succs, &resPreds, &resSuccs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}

	e.Name = name.String
	e.Attribute = attribute.String
	e.Stage = stage.String
	e.Type = typ.String
	e.RawContent = raw.String

	var err error
	if e.PredecessorLinks, err = decodeJSON[string](preds); err != nil {
		return nil, err
	}
	if e.SuccessorLinks, err = decodeJSON[string](succs); err != nil {
		return nil, err
	}
	if e.ResolvedPredecessors, err = decodeJSON[int64](resPreds); err != nil {
		return nil, err
	}
	if e.ResolvedSuccessors, err = decodeJSON[int64](resSuccs); err != nil {
		return nil, err
	}
	return &e, nil
}

func encodeJSON[T any](v []T) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(b), nil
}

// decodeJSON keeps NULL as a nil slice and "[]" as an empty, non-nil one
func decodeJSON[T any](col sql.NullString) ([]T, error) {
	if !col.Valid {
		return nil, nil
	}
	out := []T{}
	if err := json.Unmarshal([]byte(col.String), &out); err != nil {
		return nil, fmt.Errorf("failed to decode list: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
