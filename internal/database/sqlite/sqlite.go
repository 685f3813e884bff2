// Package sqlite stores the corpus and the descriptor cache in a local
// single-file SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kozaktomas/imgmatch/internal/database"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS images (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	url TEXT NOT NULL,
	created_at TEXT NOT NULL,
	num_of_matches INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS descriptor_cache (
	entry_id TEXT PRIMARY KEY,
	schema_version INTEGER NOT NULL,
	extractor TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at TEXT NOT NULL
);`

// Store is an open SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing sqlite: %w", err)
	}
	return nil
}

// Initialize opens the store at path and registers it as the active backend.
func Initialize(path string) (*Store, error) {
	store, err := Open(path)
	if err != nil {
		return nil, err
	}
	corpus := NewCorpusRepository(store)
	cache := NewDescriptorRepository(store)
	database.RegisterBackend("sqlite",
		func() database.CorpusWriter { return corpus },
		func() database.CacheAdmin { return cache },
	)
	return store, nil
}

// CorpusRepository stores corpus entries in the images table
type CorpusRepository struct {
	store *Store
}

// NewCorpusRepository creates a new SQLite corpus repository
func NewCorpusRepository(store *Store) *CorpusRepository {
	return &CorpusRepository{store: store}
}

func scanEntry(row interface{ Scan(...any) error }) (*database.Entry, error) {
	var e database.Entry
	var created string
	if err := row.Scan(&e.ID, &e.Address, &created, &e.MatchCount, &e.Seq); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	e.CreatedAt = t
	return &e, nil
}

// List returns every entry in insertion order
func (r *CorpusRepository) List(ctx context.Context) ([]database.Entry, error) {
	rows, err := r.store.db.QueryContext(ctx, "SELECT id, url, created_at, num_of_matches, seq FROM images ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var entries []database.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	return entries, nil
}

// Get retrieves an entry by identifier
func (r *CorpusRepository) Get(ctx context.Context, id string) (*database.Entry, error) {
	row := r.store.db.QueryRowContext(ctx, "SELECT id, url, created_at, num_of_matches, seq FROM images WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image %s: %w", id, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query image: %w", err)
	}
	return e, nil
}

// Count returns the number of entries
func (r *CorpusRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM images").Scan(&count); err != nil {
		return 0, fmt.Errorf("count images: %w", err)
	}
	return count, nil
}

// Add ingests a new entry with a zero match counter
func (r *CorpusRepository) Add(ctx context.Context, address string) (*database.Entry, error) {
	if address == "" {
		return nil, database.ErrEmptyAddress
	}

	e := database.Entry{
		ID:        uuid.NewString(),
		Address:   address,
		CreatedAt: time.Now().UTC(),
	}
	res, err := r.store.db.ExecContext(ctx,
		"INSERT INTO images (id, url, created_at, num_of_matches) VALUES (?, ?, ?, 0)",
		e.ID, e.Address, e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert image: %w", err)
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("insert image: %w", err)
	}
	return &e, nil
}

// IncrementMatchCount adds one to the entry's match counter
func (r *CorpusRepository) IncrementMatchCount(ctx context.Context, id string) error {
	res, err := r.store.db.ExecContext(ctx, "UPDATE images SET num_of_matches = num_of_matches + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("increment match count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment match count: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("image %s: %w", id, database.ErrNotFound)
	}
	return nil
}

// DescriptorRepository keeps each cached record as one encoded blob, so a
// write is a single INSERT OR REPLACE.
type DescriptorRepository struct {
	store *Store
}

// NewDescriptorRepository creates a new SQLite descriptor cache
func NewDescriptorRepository(store *Store) *DescriptorRepository {
	return &DescriptorRepository{store: store}
}

// Get loads the record for an entry, returns nil if none is cached
func (r *DescriptorRepository) Get(ctx context.Context, entryID string) (*database.CachedDescriptors, error) {
	var version int
	var payload []byte
	err := r.store.db.QueryRowContext(ctx,
		"SELECT schema_version, payload FROM descriptor_cache WHERE entry_id = ?", entryID,
	).Scan(&version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query descriptors: %w", err)
	}
	if version != database.CacheSchemaVersion {
		return nil, &database.CacheInconsistencyError{
			EntryID: entryID,
			Reason:  fmt.Sprintf("schema version %d, want %d", version, database.CacheSchemaVersion),
		}
	}
	return database.DecodeRecord(entryID, payload)
}

// Put creates or replaces the record for rec.EntryID
func (r *DescriptorRepository) Put(ctx context.Context, rec *database.CachedDescriptors) error {
	payload, err := database.EncodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = r.store.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO descriptor_cache (entry_id, schema_version, extractor, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.EntryID, rec.SchemaVersion, rec.Extractor, payload, rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store descriptors: %w", err)
	}
	return nil
}

// Delete removes the record for an entry
func (r *DescriptorRepository) Delete(ctx context.Context, entryID string) error {
	if _, err := r.store.db.ExecContext(ctx, "DELETE FROM descriptor_cache WHERE entry_id = ?", entryID); err != nil {
		return fmt.Errorf("delete descriptors: %w", err)
	}
	return nil
}

// Count returns the number of cached records
func (r *DescriptorRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM descriptor_cache").Scan(&count); err != nil {
		return 0, fmt.Errorf("count descriptors: %w", err)
	}
	return count, nil
}

// Clear removes every record
func (r *DescriptorRepository) Clear(ctx context.Context) (int, error) {
	res, err := r.store.db.ExecContext(ctx, "DELETE FROM descriptor_cache")
	if err != nil {
		return 0, fmt.Errorf("clear descriptors: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear descriptors: %w", err)
	}
	return int(n), nil
}

// Prune removes records whose entry is not in keep
func (r *DescriptorRepository) Prune(ctx context.Context, keep []string) (int, error) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}

	rows, err := r.store.db.QueryContext(ctx, "SELECT entry_id FROM descriptor_cache")
	if err != nil {
		return 0, fmt.Errorf("list descriptors: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan descriptor id: %w", err)
		}
		if _, ok := keepSet[id]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate descriptors: %w", err)
	}

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, "DELETE FROM descriptor_cache WHERE entry_id = ?", id); err != nil {
			return 0, fmt.Errorf("prune %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return len(stale), nil
}
