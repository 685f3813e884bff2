package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kozaktomas/imgmatch/internal/database"
)

// CorpusRepository stores corpus entries in the images table
type CorpusRepository struct {
	pool *Pool
}

// NewCorpusRepository creates a new PostgreSQL corpus repository
func NewCorpusRepository(pool *Pool) *CorpusRepository {
	return &CorpusRepository{pool: pool}
}

const entryColumns = "id, url, created_at, num_of_matches, seq"

func scanEntry(row interface{ Scan(...any) error }) (*database.Entry, error) {
	var e database.Entry
	if err := row.Scan(&e.ID, &e.Address, &e.CreatedAt, &e.MatchCount, &e.Seq); err != nil {
		return nil, err
	}
	return &e, nil
}

// List returns every entry in insertion order
func (r *CorpusRepository) List(ctx context.Context) ([]database.Entry, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+entryColumns+" FROM images ORDER BY seq")
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
	e, err := scanEntry(r.pool.QueryRow(ctx, "SELECT "+entryColumns+" FROM images WHERE id = $1", id))
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
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM images").Scan(&count); err != nil {
		return 0, fmt.Errorf("count images: %w", err)
	}
	return count, nil
}

// Add ingests a new entry with a zero match counter
func (r *CorpusRepository) Add(ctx context.Context, address string) (*database.Entry, error) {
	if address == "" {
		return nil, database.ErrEmptyAddress
	}

	e, err := scanEntry(r.pool.QueryRow(ctx, `
		INSERT INTO images (id, url) VALUES ($1, $2)
		RETURNING `+entryColumns,
		uuid.NewString(), address,
	))
	if err != nil {
		return nil, fmt.Errorf("insert image: %w", err)
	}
	return e, nil
}

// IncrementMatchCount adds one to the entry's match counter
func (r *CorpusRepository) IncrementMatchCount(ctx context.Context, id string) error {
	res, err := r.pool.Exec(ctx, "UPDATE images SET num_of_matches = num_of_matches + 1 WHERE id = $1", id)
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
